// Package tms implements truth maintenance for logically inserted facts.
//
// A fact inserted with InsertLogical is justified by the activation whose
// action inserted it. It stays in working memory while at least one
// justifying activation's match still holds. Logical facts are identified
// by an equality key (ir.FactKey), so inserting an equal fact from another
// activation adds a justification instead of a second copy.
//
// A logical insert whose key equals a stated fact's is suppressed. To find
// those without scanning, the maintainer also keys stated facts, but only
// of types that have been the target of a logical insert (see Track).
package tms

import (
	"github.com/roach88/rete/internal/agenda"
	"github.com/roach88/rete/internal/memory"
)

type entry struct {
	key        string
	handle     *memory.FactHandle
	justifiers []*agenda.Activation
}

func (e *entry) remove(act *agenda.Activation) {
	for i, j := range e.justifiers {
		if j == act {
			e.justifiers = append(e.justifiers[:i:i], e.justifiers[i+1:]...)
			return
		}
	}
}

// Maintainer tracks justifications for one session. Not safe for
// concurrent use.
type Maintainer struct {
	byKey       map[string]*entry
	byHandle    map[*memory.FactHandle]*entry
	byJustifier map[*agenda.Activation][]*entry

	tracked    map[string]bool
	stated     map[string]map[*memory.FactHandle]struct{}
	statedKeys map[*memory.FactHandle]string
}

// New creates an empty maintainer.
func New() *Maintainer {
	return &Maintainer{
		byKey:       make(map[string]*entry),
		byHandle:    make(map[*memory.FactHandle]*entry),
		byJustifier: make(map[*agenda.Activation][]*entry),
		tracked:     make(map[string]bool),
		stated:      make(map[string]map[*memory.FactHandle]struct{}),
		statedKeys:  make(map[*memory.FactHandle]string),
	}
}

// Lookup returns the logical fact with the given key.
func (m *Maintainer) Lookup(key string) (*memory.FactHandle, bool) {
	e, ok := m.byKey[key]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Justify records that act justifies the logical fact h with key. The
// first call for h makes it logical. Justifying twice with the same
// activation is a no-op.
func (m *Maintainer) Justify(key string, h *memory.FactHandle, act *agenda.Activation) {
	e, ok := m.byHandle[h]
	if !ok {
		e = &entry{key: key, handle: h}
		m.byHandle[h] = e
		m.byKey[key] = e
	}
	for _, j := range e.justifiers {
		if j == act {
			return
		}
	}
	e.justifiers = append(e.justifiers, act)
	m.byJustifier[act] = append(m.byJustifier[act], e)
}

// IsJustified reports whether h is a logical fact.
func (m *Maintainer) IsJustified(h *memory.FactHandle) bool {
	_, ok := m.byHandle[h]
	return ok
}

// Justifiers returns the number of activations justifying h.
func (m *Maintainer) Justifiers(h *memory.FactHandle) int {
	e, ok := m.byHandle[h]
	if !ok {
		return 0
	}
	return len(e.justifiers)
}

// Unjustify withdraws every justification act gave. The facts left with
// none are forgotten and returned, in the order act justified them; the
// caller retracts them.
func (m *Maintainer) Unjustify(act *agenda.Activation) []*memory.FactHandle {
	entries, ok := m.byJustifier[act]
	if !ok {
		return nil
	}
	delete(m.byJustifier, act)

	var orphans []*memory.FactHandle
	for _, e := range entries {
		e.remove(act)
		if len(e.justifiers) == 0 && m.byHandle[e.handle] == e {
			m.drop(e)
			orphans = append(orphans, e.handle)
		}
	}
	return orphans
}

// State turns a logical fact into a stated one: it drops every
// justification so that h is no longer retracted automatically. It
// reports whether h was logical.
func (m *Maintainer) State(h *memory.FactHandle) bool {
	e, ok := m.byHandle[h]
	if !ok {
		return false
	}
	m.drop(e)
	for _, act := range e.justifiers {
		m.unlink(act, e)
	}
	return true
}

// Forget drops h, logical or stated, for facts leaving working memory.
func (m *Maintainer) Forget(h *memory.FactHandle) {
	m.State(h)
	m.Unindex(h)
}

// Tracks reports whether stated facts of typeName are keyed.
func (m *Maintainer) Tracks(typeName string) bool {
	return m.tracked[typeName]
}

// Track starts keying stated facts of typeName. The caller indexes the
// facts already in working memory.
func (m *Maintainer) Track(typeName string) {
	m.tracked[typeName] = true
}

// Index records the key of the stated fact h, replacing any earlier key.
func (m *Maintainer) Index(key string, h *memory.FactHandle) {
	m.Unindex(h)
	set, ok := m.stated[key]
	if !ok {
		set = make(map[*memory.FactHandle]struct{})
		m.stated[key] = set
	}
	set[h] = struct{}{}
	m.statedKeys[h] = key
}

// Unindex drops h from the stated-fact keys.
func (m *Maintainer) Unindex(h *memory.FactHandle) {
	key, ok := m.statedKeys[h]
	if !ok {
		return
	}
	delete(m.statedKeys, h)
	set := m.stated[key]
	delete(set, h)
	if len(set) == 0 {
		delete(m.stated, key)
	}
}

// LookupStated returns the oldest live stated fact with key.
func (m *Maintainer) LookupStated(key string) (*memory.FactHandle, bool) {
	var found *memory.FactHandle
	for h := range m.stated[key] {
		if h.Deleted() {
			continue
		}
		if found == nil || h.ID() < found.ID() {
			found = h
		}
	}
	return found, found != nil
}

// Rekey moves h to a new equality key after its fields changed.
func (m *Maintainer) Rekey(h *memory.FactHandle, key string) {
	e, ok := m.byHandle[h]
	if !ok || e.key == key {
		return
	}
	if m.byKey[e.key] == e {
		delete(m.byKey, e.key)
	}
	e.key = key
	m.byKey[key] = e
}

// Len returns the number of logical facts.
func (m *Maintainer) Len() int {
	return len(m.byHandle)
}

func (m *Maintainer) drop(e *entry) {
	delete(m.byHandle, e.handle)
	if m.byKey[e.key] == e {
		delete(m.byKey, e.key)
	}
}

func (m *Maintainer) unlink(act *agenda.Activation, e *entry) {
	entries := m.byJustifier[act]
	for i, x := range entries {
		if x == e {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(m.byJustifier, act)
	} else {
		m.byJustifier[act] = entries
	}
}
