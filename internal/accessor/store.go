package accessor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roach88/rete/internal/ir"
)

// Binding is a slot for the accessor of one (type, field). Network nodes
// hold bindings rather than accessors so that a slot can be resolved
// after decoding and rewired in place when packages merge.
type Binding struct {
	Type  string
	Field string

	acc atomic.Pointer[FieldAccessor]
}

// Wired reports whether the slot has an accessor.
func (b *Binding) Wired() bool {
	return b.acc.Load() != nil
}

// Read reads the bound field of fact.
func (b *Binding) Read(fact any) (ir.IRValue, error) {
	acc := b.acc.Load()
	if acc == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnwired, b.Type, b.Field)
	}
	return acc.Read(fact)
}

// Write writes the bound field of fact.
func (b *Binding) Write(fact any, v ir.IRValue) error {
	acc := b.acc.Load()
	if acc == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnwired, b.Type, b.Field)
	}
	return acc.Write(fact, v)
}

// Bind installs acc into the slot. A nil acc unwires it.
func (b *Binding) Bind(acc *FieldAccessor) {
	b.acc.Store(acc)
}

func (b *Binding) String() string {
	return b.Type + "." + b.Field
}

// Entry names one slot of a Store.
type Entry struct {
	Type  string `json:"type"`
	Field string `json:"field"`
}

type slotKey struct {
	typ   string
	field string
}

// Store is a package's registry of accessor slots, keyed by (type, field).
type Store struct {
	mu    sync.RWMutex
	slots map[slotKey]*Binding
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{slots: make(map[slotKey]*Binding)}
}

// Get returns the slot for (type, field), creating an unwired one if
// needed. Callers sharing a store always see the same *Binding.
func (s *Store) Get(typeName, field string) *Binding {
	key := slotKey{typeName, field}

	s.mu.RLock()
	b, ok := s.slots[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.slots[key]; ok {
		return b
	}
	b = &Binding{Type: typeName, Field: field}
	s.slots[key] = b
	return b
}

// Lookup returns the slot for (type, field) without creating it.
func (s *Store) Lookup(typeName, field string) (*Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.slots[slotKey{typeName, field}]
	return b, ok
}

// Len returns the number of slots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Entries lists the slots sorted by type then field.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.slots))
	for k := range s.slots {
		entries = append(entries, Entry{Type: k.typ, Field: k.field})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].Field < entries[j].Field
	})
	return entries
}

// Types lists the distinct types that have slots, sorted.
func (s *Store) Types() []string {
	var out []string
	for _, e := range s.Entries() {
		if len(out) == 0 || out[len(out)-1] != e.Type {
			out = append(out, e.Type)
		}
	}
	return out
}

// Unwired lists slots that have no accessor, sorted like Entries.
func (s *Store) Unwired() []Entry {
	var out []Entry
	for _, e := range s.Entries() {
		if b, ok := s.Lookup(e.Type, e.Field); ok && !b.Wired() {
			out = append(out, e)
		}
	}
	return out
}

// Wire resolves every slot against p. Slots that cannot be resolved stay
// unwired; their errors are joined into the result.
func (s *Store) Wire(p Provider) error {
	var errs []error
	for _, e := range s.Entries() {
		b, _ := s.Lookup(e.Type, e.Field)
		acc, err := p.Accessor(e.Type, e.Field)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.Bind(acc)
	}
	return errors.Join(errs...)
}

// BuildFieldAccessors creates and wires slots for the given fields of a
// type plus its "this" slot. Slots that are already wired are left
// alone, so calling it twice changes nothing.
func (s *Store) BuildFieldAccessors(typeName string, fields []string, p Provider) error {
	var errs []error
	for _, f := range append([]string{This}, fields...) {
		b := s.Get(typeName, f)
		if b.Wired() {
			continue
		}
		acc, err := p.Accessor(typeName, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.Bind(acc)
	}
	return errors.Join(errs...)
}

// Merge folds other into s. Slots only other has are adopted as is, so
// nodes built against other keep working. Slots both have keep s's
// *Binding and are rebound to other's accessor when other's is wired.
func (s *Store) Merge(other *Store) {
	if other == nil || other == s {
		return
	}
	other.mu.RLock()
	incoming := make(map[slotKey]*Binding, len(other.slots))
	for k, b := range other.slots {
		incoming[k] = b
	}
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, theirs := range incoming {
		mine, ok := s.slots[k]
		if !ok {
			s.slots[k] = theirs
			continue
		}
		if mine == theirs {
			continue
		}
		if acc := theirs.acc.Load(); acc != nil {
			mine.Bind(acc)
		}
	}
}

// RemoveType unwires and forgets every slot of a type, returning the
// number removed. Nodes still holding those slots read ErrUnwired.
func (s *Store) RemoveType(typeName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, b := range s.slots {
		if k.typ == typeName {
			b.Bind(nil)
			delete(s.slots, k)
			n++
		}
	}
	return n
}
