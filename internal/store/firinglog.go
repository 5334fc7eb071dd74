package store

import (
	"context"
	"sync"

	"github.com/roach88/rete/internal/agenda"
)

// FiringLog records the agenda events of one session. It is an
// agenda.Listener; attach it with engine.WithListener and call Flush to
// persist what it buffered.
//
// Events are buffered in memory because listeners cannot fail: a store
// error surfaces from Flush, never from inside rule evaluation.
//
// Thread-safety: the session calls the listener from its own goroutine;
// Flush may run on another.
type FiringLog struct {
	store   *Store
	session string

	mu      sync.Mutex
	seq     int64
	pending []Firing
}

var _ agenda.Listener = (*FiringLog)(nil)

// NewFiringLog creates a firing log for a session ID. The ID must match
// the session the log is attached to; create the session with
// engine.WithIDGenerator to fix it in advance.
func (s *Store) NewFiringLog(session string) *FiringLog {
	return &FiringLog{store: s, session: session}
}

// Session returns the session ID the log writes under.
func (l *FiringLog) Session() string { return l.session }

func (l *FiringLog) ActivationCreated(act *agenda.Activation) {
	l.record(EventCreated, act, nil)
}

func (l *FiringLog) ActivationCancelled(act *agenda.Activation) {
	l.record(EventCancelled, act, nil)
}

func (l *FiringLog) BeforeFire(*agenda.Activation) {}

func (l *FiringLog) AfterFire(act *agenda.Activation, err error) {
	if err != nil {
		l.record(EventFailed, act, err)
		return
	}
	l.record(EventFired, act, nil)
}

func (l *FiringLog) record(event Event, act *agenda.Activation, err error) {
	f := Firing{
		Session:    l.session,
		Event:      event,
		Rule:       act.Rule.Name,
		Package:    act.Rule.Package,
		Activation: act.ID,
		Salience:   act.Salience,
		Facts:      factIDs(act.Tuple),
	}
	if err != nil {
		f.Error = err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	f.Seq = l.seq
	l.pending = append(l.pending, f)
}

// Pending returns the number of buffered events.
func (l *FiringLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush writes buffered events to the store. On failure the events stay
// buffered and a later Flush retries them; already written events are
// skipped per CP-3.
func (l *FiringLog) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := append([]Firing(nil), l.pending...)
	l.mu.Unlock()

	if _, err := l.store.WriteFirings(ctx, batch); err != nil {
		return err
	}

	l.mu.Lock()
	l.pending = l.pending[len(batch):]
	l.mu.Unlock()
	return nil
}
