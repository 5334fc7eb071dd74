// Package testutil holds fixtures shared by engine-level tests.
package testutil

import (
	"sync"

	"github.com/roach88/rete/internal/agenda"
)

// Recorder is an agenda.Listener that keeps every event as a short
// "<event> <rule>" line, in arrival order.
//
// Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []string
	fired  []string
}

var _ agenda.Listener = (*Recorder)(nil)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) ActivationCreated(act *agenda.Activation) {
	r.add("created", act)
}

func (r *Recorder) ActivationCancelled(act *agenda.Activation) {
	r.add("cancelled", act)
}

func (r *Recorder) BeforeFire(*agenda.Activation) {}

func (r *Recorder) AfterFire(act *agenda.Activation, err error) {
	if err != nil {
		r.add("failed", act)
		return
	}
	r.add("fired", act)
	r.mu.Lock()
	r.fired = append(r.fired, act.Rule.Name)
	r.mu.Unlock()
}

func (r *Recorder) add(event string, act *agenda.Activation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+" "+act.Rule.Name)
}

// Events returns a copy of every recorded line.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Fired returns the names of rules that fired without error.
func (r *Recorder) Fired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fired...)
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.fired = nil
}
