package store

import (
	"context"
	"fmt"
	"slices"
)

// SessionState summarises the firing log of a session.
type SessionState struct {
	Session   string
	Firings   []Firing
	Created   int
	Cancelled int
	Fired     int
	Failed    int
	// Outstanding lists activations created but neither fired nor
	// cancelled when the log was last flushed, in creation order.
	Outstanding []int64
}

// Complete reports whether every activation was resolved and none failed.
func (st SessionState) Complete() bool {
	return st.Failed == 0 && len(st.Outstanding) == 0
}

// GetSessionState retrieves and analyses the firing log of a session.
// Returns an error matching ErrNotFound if the session has no records.
func (s *Store) GetSessionState(ctx context.Context, session string) (SessionState, error) {
	firings, err := s.ReadFirings(ctx, session)
	if err != nil {
		return SessionState{}, err
	}
	if len(firings) == 0 {
		return SessionState{}, fmt.Errorf("session %s: %w", session, ErrNotFound)
	}
	return analyze(session, firings), nil
}

func analyze(session string, firings []Firing) SessionState {
	st := SessionState{Session: session, Firings: firings}
	open := make(map[int64]bool)
	var order []int64
	for _, f := range firings {
		switch f.Event {
		case EventCreated:
			st.Created++
			open[f.Activation] = true
			order = append(order, f.Activation)
		case EventCancelled:
			st.Cancelled++
			delete(open, f.Activation)
		case EventFired:
			st.Fired++
			delete(open, f.Activation)
		case EventFailed:
			st.Failed++
			delete(open, f.Activation)
		}
	}
	st.Outstanding = []int64{}
	for _, id := range order {
		if open[id] {
			st.Outstanding = append(st.Outstanding, id)
			delete(open, id)
		}
	}
	return st
}

// ListSessions returns all distinct session IDs in the database,
// ordered alphabetically. UUIDv7 session IDs therefore sort by creation.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT session FROM firings
		ORDER BY session COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// FindFailedSessions returns the state of every session whose log holds
// a failed firing. A failed firing poisons its session, so these are the
// sessions that ended in EVALUATION_FAULT.
func (s *Store) FindFailedSessions(ctx context.Context) ([]SessionState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT session FROM firings
		WHERE event = 'failed'
		ORDER BY session COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query failed sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed sessions: %w", err)
	}

	states := []SessionState{}
	for _, id := range ids {
		st, err := s.GetSessionState(ctx, id)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// GetLastSeq returns the highest seq recorded for a session, 0 if none.
func (s *Store) GetLastSeq(ctx context.Context, session string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM firings WHERE session = ?
	`, session).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq %s: %w", session, err)
	}
	return seq, nil
}

// DiffFirings compares two firing logs event by event, ignoring session
// IDs. Two runs of the same facts against the same packages must produce
// identical logs; each returned line describes one divergence.
func DiffFirings(want, got []Firing) []string {
	var diffs []string
	for i := 0; i < max(len(want), len(got)); i++ {
		switch {
		case i >= len(got):
			diffs = append(diffs, fmt.Sprintf("seq %d: missing %s", want[i].Seq, describe(want[i])))
		case i >= len(want):
			diffs = append(diffs, fmt.Sprintf("seq %d: unexpected %s", got[i].Seq, describe(got[i])))
		case !sameFiring(want[i], got[i]):
			diffs = append(diffs, fmt.Sprintf("seq %d: want %s, got %s", want[i].Seq, describe(want[i]), describe(got[i])))
		}
	}
	return diffs
}

func sameFiring(a, b Firing) bool {
	return a.Seq == b.Seq &&
		a.Event == b.Event &&
		a.Rule == b.Rule &&
		a.Package == b.Package &&
		a.Activation == b.Activation &&
		a.Salience == b.Salience &&
		slices.Equal(a.Facts, b.Facts) &&
		a.Error == b.Error
}

func describe(f Firing) string {
	s := fmt.Sprintf("%s %s%v#%d", f.Event, f.Rule, f.Facts, f.Activation)
	if f.Error != "" {
		s += ": " + f.Error
	}
	return s
}
