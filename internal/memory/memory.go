// Package memory implements working memory: the table of live facts, the
// handles that name them, and session globals.
//
// Memory is not safe for concurrent use. A session owns exactly one and
// calls it from a single goroutine.
package memory

import (
	"fmt"
	"reflect"
	"sort"
)

// FactHandle names one fact for as long as it stays in working memory.
//
// IDs increase monotonically and are never reused. Once a handle is
// deleted it is permanently invalid: Object returns nil and the memory
// that issued it will never resolve it again.
type FactHandle struct {
	id      int64
	recency int64
	object  any
	types   []string
	deleted bool
	owner   *Memory
}

// ID returns the handle's identifier.
func (h *FactHandle) ID() int64 { return h.id }

// Recency returns the sequence number of the fact's last insert or update.
func (h *FactHandle) Recency() int64 { return h.recency }

// Object returns the fact, or nil once the handle is deleted.
func (h *FactHandle) Object() any {
	if h.deleted {
		return nil
	}
	return h.object
}

// Type returns the fact's own type name.
func (h *FactHandle) Type() string {
	if len(h.types) == 0 {
		return ""
	}
	return h.types[0]
}

// Types returns the fact's type name followed by its supertypes.
func (h *FactHandle) Types() []string { return h.types }

// Deleted reports whether the handle has been invalidated.
func (h *FactHandle) Deleted() bool { return h.deleted }

func (h *FactHandle) String() string {
	if h == nil {
		return "<nil>"
	}
	state := ""
	if h.deleted {
		state = " deleted"
	}
	return fmt.Sprintf("[fact %d:%s%s]", h.id, h.Type(), state)
}

// Memory is a session's working memory.
type Memory struct {
	nextID  int64
	handles map[int64]*FactHandle

	// identity indexes reference facts (pointers, maps, slices, chans) by
	// the address they refer to. Value facts have no identity.
	identity map[identityKey]*FactHandle

	byType  map[string]map[int64]*FactHandle
	globals map[string]any
}

// New creates an empty working memory.
func New() *Memory {
	return &Memory{
		handles:  make(map[int64]*FactHandle),
		identity: make(map[identityKey]*FactHandle),
		byType:   make(map[string]map[int64]*FactHandle),
		globals:  make(map[string]any),
	}
}

type identityKey struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// identityOf returns the reference identity of obj. ok is false for
// value facts and nil references.
func identityOf(obj any) (key identityKey, ok bool) {
	if obj == nil {
		return key, false
	}
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		if v.IsNil() {
			return key, false
		}
		return identityKey{typ: v.Type(), ptr: v.Pointer()}, true
	case reflect.Slice:
		if v.Len() == 0 {
			return key, false
		}
		return identityKey{typ: v.Type(), ptr: v.Pointer(), len: v.Len()}, true
	}
	return key, false
}

// Lookup returns the live handle of a reference fact. Value facts are
// never found: every insert of a value is a new fact.
func (m *Memory) Lookup(obj any) (*FactHandle, bool) {
	key, ok := identityOf(obj)
	if !ok {
		return nil, false
	}
	h, ok := m.identity[key]
	return h, ok
}

// Insert stores obj under a fresh handle. types is the fact's type name
// followed by its supertypes. If obj is a reference fact that is already
// live, its existing handle is returned with created set to false.
func (m *Memory) Insert(obj any, types []string, recency int64) (h *FactHandle, created bool) {
	if existing, ok := m.Lookup(obj); ok {
		return existing, false
	}
	m.nextID++
	h = &FactHandle{
		id:      m.nextID,
		recency: recency,
		object:  obj,
		types:   append([]string(nil), types...),
		owner:   m,
	}
	m.handles[h.id] = h
	m.index(h)
	return h, true
}

// Owns reports whether h was issued by this memory and is still live.
func (m *Memory) Owns(h *FactHandle) bool {
	return h != nil && h.owner == m && !h.deleted
}

// Issued reports whether h was issued by this memory, live or not.
func (m *Memory) Issued(h *FactHandle) bool {
	return h != nil && h.owner == m
}

// Remove invalidates h and drops it from every index.
func (m *Memory) Remove(h *FactHandle) {
	if !m.Owns(h) {
		return
	}
	m.unindex(h)
	delete(m.handles, h.id)
	h.deleted = true
}

// Replace points h at a new object and type family, refreshing its
// recency. The handle keeps its ID.
func (m *Memory) Replace(h *FactHandle, obj any, types []string, recency int64) {
	if !m.Owns(h) {
		return
	}
	m.unindex(h)
	h.object = obj
	h.types = append([]string(nil), types...)
	h.recency = recency
	m.index(h)
}

// Touch refreshes h's recency without changing its object.
func (m *Memory) Touch(h *FactHandle, recency int64) {
	if m.Owns(h) {
		h.recency = recency
	}
}

func (m *Memory) index(h *FactHandle) {
	if key, ok := identityOf(h.object); ok {
		m.identity[key] = h
	}
	for _, t := range h.types {
		set, ok := m.byType[t]
		if !ok {
			set = make(map[int64]*FactHandle)
			m.byType[t] = set
		}
		set[h.id] = h
	}
}

func (m *Memory) unindex(h *FactHandle) {
	if key, ok := identityOf(h.object); ok && m.identity[key] == h {
		delete(m.identity, key)
	}
	for _, t := range h.types {
		if set, ok := m.byType[t]; ok {
			delete(set, h.id)
			if len(set) == 0 {
				delete(m.byType, t)
			}
		}
	}
}

// Handle returns the live handle with the given ID.
func (m *Memory) Handle(id int64) (*FactHandle, bool) {
	h, ok := m.handles[id]
	return h, ok
}

// Count returns the number of live facts.
func (m *Memory) Count() int {
	return len(m.handles)
}

// Handles returns the live handles in ID order.
func (m *Memory) Handles() []*FactHandle {
	out := make([]*FactHandle, 0, len(m.handles))
	for _, id := range sortedIDs(m.handles) {
		out = append(out, m.handles[id])
	}
	return out
}

// Objects returns the live facts in handle ID order.
func (m *Memory) Objects() []any {
	handles := m.Handles()
	out := make([]any, len(handles))
	for i, h := range handles {
		out[i] = h.object
	}
	return out
}

// OfType returns the live handles whose type family includes typeName,
// in ID order.
func (m *Memory) OfType(typeName string) []*FactHandle {
	set := m.byType[typeName]
	out := make([]*FactHandle, 0, len(set))
	for _, id := range sortedIDs(set) {
		out = append(out, set[id])
	}
	return out
}

// CountType returns the number of live facts of typeName.
func (m *Memory) CountType(typeName string) int {
	return len(m.byType[typeName])
}

// SetGlobal binds a session global. Globals are not facts and are not
// affected by retraction.
func (m *Memory) SetGlobal(name string, value any) {
	m.globals[name] = value
}

// Global returns a session global.
func (m *Memory) Global(name string) (any, bool) {
	v, ok := m.globals[name]
	return v, ok
}

// Globals returns the global names in sorted order.
func (m *Memory) Globals() []string {
	names := make([]string, 0, len(m.globals))
	for name := range m.globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedIDs(set map[int64]*FactHandle) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
