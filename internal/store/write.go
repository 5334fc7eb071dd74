package store

import (
	"context"
	"fmt"

	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/knowledge"
)

// Event is the kind of agenda event a firing record describes.
type Event string

const (
	EventCreated   Event = "created"
	EventCancelled Event = "cancelled"
	EventFired     Event = "fired"
	EventFailed    Event = "failed"
)

// Firing is one agenda event of a session.
type Firing struct {
	Session    string
	Seq        int64
	Event      Event
	Rule       string
	Package    string
	Activation int64
	Salience   int
	// Facts holds the fact IDs of the activation's tuple, one per
	// pattern; 0 marks a level without a fact.
	Facts []int64
	Error string
}

// PackageRecord describes a stored package.
type PackageRecord struct {
	Seq    int64
	Name   string
	Digest string
	Rules  int
	Size   int
}

// SavePackage stores the encoded form of a wired package and returns its
// digest. Uses ON CONFLICT(digest) DO NOTHING per CP-1: saving an
// unchanged package again is a no-op.
func (s *Store) SavePackage(ctx context.Context, p *knowledge.Package) (string, error) {
	if p == nil {
		return "", fmt.Errorf("save package: nil package")
	}
	blob, err := knowledge.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("save package %s: %w", p.Name(), err)
	}
	digest := ir.PackageDigest(blob)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO packages (name, digest, blob, rules)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`, p.Name(), digest, blob, len(p.Rules()))
	if err != nil {
		return "", fmt.Errorf("save package %s: %w", p.Name(), err)
	}
	return digest, nil
}

// WriteFirings inserts firing records in one transaction. Records
// already present for (session, seq) are silently ignored per CP-3.
// Returns the number of records inserted.
func (s *Store) WriteFirings(ctx context.Context, firings []Firing) (int, error) {
	if len(firings) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("write firings: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO firings
		(session, seq, event, rule, package, activation, salience, facts, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session, seq) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("write firings: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, f := range firings {
		facts, err := marshalFactIDs(f.Facts)
		if err != nil {
			return 0, fmt.Errorf("write firings: %w", err)
		}
		res, err := stmt.ExecContext(ctx,
			f.Session,
			f.Seq,
			string(f.Event),
			f.Rule,
			f.Package,
			f.Activation,
			f.Salience,
			facts,
			f.Error,
		)
		if err != nil {
			return 0, fmt.Errorf("write firings: %s/%d: %w", f.Session, f.Seq, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("write firings: rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("write firings: commit: %w", err)
	}
	return inserted, nil
}

// DeleteSession removes the firing log of a session.
func (s *Store) DeleteSession(ctx context.Context, session string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM firings WHERE session = ?`, session); err != nil {
		return fmt.Errorf("delete session %s: %w", session, err)
	}
	return nil
}
