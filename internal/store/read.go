package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/rete/internal/knowledge"
)

// ErrNotFound is returned when a package or session is not stored.
var ErrNotFound = errors.New("not found")

// LoadPackage returns the most recently saved version of a package.
// The package is unwired; wire it before adding it to a knowledge base.
//
// Returns an error matching ErrNotFound if no package has that name.
func (s *Store) LoadPackage(ctx context.Context, name string) (*knowledge.UnwiredPackage, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT blob FROM packages
		WHERE name = ?
		ORDER BY seq DESC
		LIMIT 1
	`, name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load package %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load package %s: %w", name, err)
	}
	u, err := knowledge.Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("load package %s: %w", name, err)
	}
	return u, nil
}

// LoadPackageByDigest returns the package stored under a digest.
func (s *Store) LoadPackageByDigest(ctx context.Context, digest string) (*knowledge.UnwiredPackage, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM packages WHERE digest = ?`, digest).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load package %s: %w", digest, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load package %s: %w", digest, err)
	}
	u, err := knowledge.Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("load package %s: %w", digest, err)
	}
	return u, nil
}

// ListPackages returns every stored package version, oldest first.
// Returns an empty slice (not nil) if the store holds no packages.
func (s *Store) ListPackages(ctx context.Context) ([]PackageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, name, digest, rules, length(blob)
		FROM packages
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	defer rows.Close()

	records := []PackageRecord{}
	for rows.Next() {
		var r PackageRecord
		if err := rows.Scan(&r.Seq, &r.Name, &r.Digest, &r.Rules, &r.Size); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate packages: %w", err)
	}
	return records, nil
}

// ReadFirings returns the firing log of a session ordered by seq per CP-4.
// Returns an empty slice (not nil) if the session has no records.
func (s *Store) ReadFirings(ctx context.Context, session string) ([]Firing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session, seq, event, rule, package, activation, salience, facts, error
		FROM firings
		WHERE session = ?
		ORDER BY seq ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query firings: %w", err)
	}
	defer rows.Close()
	return scanFirings(rows)
}

// ReadRuleFirings returns the fired and failed events of a rule across
// all sessions, ordered by session then seq per CP-4.
func (s *Store) ReadRuleFirings(ctx context.Context, rule string) ([]Firing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session, seq, event, rule, package, activation, salience, facts, error
		FROM firings
		WHERE rule = ? AND event IN ('fired', 'failed')
		ORDER BY session COLLATE BINARY ASC, seq ASC
	`, rule)
	if err != nil {
		return nil, fmt.Errorf("query rule firings: %w", err)
	}
	defer rows.Close()
	return scanFirings(rows)
}

func scanFirings(rows *sql.Rows) ([]Firing, error) {
	firings := []Firing{}
	for rows.Next() {
		var (
			f     Firing
			event string
			facts string
		)
		if err := rows.Scan(&f.Session, &f.Seq, &event, &f.Rule, &f.Package, &f.Activation, &f.Salience, &facts, &f.Error); err != nil {
			return nil, fmt.Errorf("scan firing: %w", err)
		}
		f.Event = Event(event)
		ids, err := unmarshalFactIDs(facts)
		if err != nil {
			return nil, fmt.Errorf("firing %s/%d: %w", f.Session, f.Seq, err)
		}
		f.Facts = ids
		firings = append(firings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firings: %w", err)
	}
	return firings, nil
}
