package engine

import (
	"fmt"

	"github.com/roach88/rete/internal/agenda"
	"github.com/roach88/rete/internal/memory"
)

// Insert adds a fact to working memory and propagates it. Every insert
// of a value is a new fact; re-inserting a live reference fact (a
// pointer, map or slice) returns its existing handle.
func (s *Session) Insert(fact any) (h *memory.FactHandle, err error) {
	err = s.mutate("insert", func() error {
		h, err = s.insert(fact)
		return err
	})
	return h, err
}

// Delete retracts a fact. Deleting a handle twice is a no-op. Logically
// inserted facts are refused with LOGICAL_FACT until State is called;
// rule actions may delete them directly.
func (s *Session) Delete(h *memory.FactHandle) error {
	return s.mutate("delete", func() error {
		return s.delete(h, false)
	})
}

// Update replaces a fact's object, keeping its handle, and re-propagates
// it. The new object may belong to another type.
func (s *Session) Update(h *memory.FactHandle, fact any) error {
	return s.mutate("update", func() error {
		return s.update(h, fact)
	})
}

// Modify applies fn to a fact's object in place and re-propagates it.
func (s *Session) Modify(h *memory.FactHandle, fn func(fact any) error) error {
	return s.mutate("modify", func() error {
		return s.modify(h, fn)
	})
}

// State turns a logically inserted fact into a stated one, so it is no
// longer retracted automatically and may be deleted. Stated facts are
// left alone.
func (s *Session) State(h *memory.FactHandle) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.live(h); err != nil {
		return err
	}
	if s.tms.State(h) {
		s.indexStated(h)
		s.logger.Debug("logical fact stated", "handle", h.ID())
	}
	return nil
}

// IsLogical reports whether h is held by truth maintenance.
func (s *Session) IsLogical(h *memory.FactHandle) bool {
	return s.tms.IsJustified(h)
}

// GetObject returns the object of a live handle.
func (s *Session) GetObject(h *memory.FactHandle) (any, bool) {
	if !s.mem.Owns(h) {
		return nil, false
	}
	return h.Object(), true
}

// GetFactHandle returns the live handle of a reference fact. Value
// facts have no identity and are never found.
func (s *Session) GetFactHandle(fact any) (*memory.FactHandle, bool) {
	return s.mem.Lookup(fact)
}

// GetObjects returns the live facts in insertion order.
func (s *Session) GetObjects() []any {
	return s.mem.Objects()
}

// GetObjectsOfType returns the live facts whose type family includes
// typeName, in insertion order.
func (s *Session) GetObjectsOfType(typeName string) []any {
	handles := s.mem.OfType(typeName)
	out := make([]any, len(handles))
	for i, h := range handles {
		out[i] = h.Object()
	}
	return out
}

// FactHandles returns the live handles in insertion order.
func (s *Session) FactHandles() []*memory.FactHandle {
	return s.mem.Handles()
}

// GetFactCount returns the number of live facts.
func (s *Session) GetFactCount() int {
	return s.mem.Count()
}

// SetGlobal binds a session global. Globals are not facts: they do not
// propagate and are never retracted.
func (s *Session) SetGlobal(name string, value any) {
	s.mem.SetGlobal(name, value)
}

// GetGlobal returns a session global.
func (s *Session) GetGlobal(name string) (any, bool) {
	return s.mem.Global(name)
}

func (s *Session) checkHandle(h *memory.FactHandle) error {
	if h == nil {
		return &RuntimeError{Code: ErrCodeInvalidHandle, Message: "nil handle", Err: ErrNilHandle}
	}
	if !s.mem.Issued(h) {
		return invalidHandle(h.ID(), "handle was not issued by this session")
	}
	return nil
}

func (s *Session) live(h *memory.FactHandle) error {
	if err := s.checkHandle(h); err != nil {
		return err
	}
	if h.Deleted() {
		return invalidHandle(h.ID(), "fact was deleted")
	}
	return nil
}

func (s *Session) typesOf(fact any) ([]string, error) {
	if fact == nil {
		return nil, invalidFact("nil fact")
	}
	types := s.provider.TypesOf(fact)
	if len(types) == 0 {
		return nil, invalidFact("no known type for %T", fact)
	}
	return types, nil
}

func (s *Session) insert(fact any) (*memory.FactHandle, error) {
	types, err := s.typesOf(fact)
	if err != nil {
		return nil, err
	}
	h, created := s.mem.Insert(fact, types, s.clock.Next())
	if !created {
		return h, nil
	}
	s.indexStated(h)
	s.logger.Debug("fact inserted", "handle", h.ID(), "type", h.Type())
	if err := s.rt.Assert(h); err != nil {
		return h, s.evalErr(err)
	}
	return h, nil
}

// insertLogical inserts fact justified by act. An equal logical fact is
// re-justified instead; an equal stated fact suppresses the insert and is
// returned. If act's match was already withdrawn nothing is inserted and
// the handle is nil.
func (s *Session) insertLogical(act *agenda.Activation, fact any) (*memory.FactHandle, error) {
	types, err := s.typesOf(fact)
	if err != nil {
		return nil, err
	}
	if !act.Tuple.Live() {
		// The match was withdrawn by this activation's own actions.
		return nil, nil
	}
	key, err := s.keyOf(types[0], fact)
	if err != nil {
		return nil, s.evalErr(err)
	}
	if h, ok := s.tms.Lookup(key); ok && !h.Deleted() {
		s.tms.Justify(key, h, act)
		return h, nil
	}
	if h, ok := s.mem.Lookup(fact); ok {
		return h, nil
	}
	s.trackStated(types[0])
	if h, ok := s.tms.LookupStated(key); ok {
		return h, nil
	}

	h, _ := s.mem.Insert(fact, types, s.clock.Next())
	s.tms.Justify(key, h, act)
	s.logger.Debug("fact inserted logically", "handle", h.ID(), "type", h.Type(), "rule", act.Rule.Name)
	if err := s.rt.Assert(h); err != nil {
		return h, s.evalErr(err)
	}
	return h, nil
}

// delete retracts h. Callers outside rule actions may not delete logical
// facts; an action doing so drops every justification with the fact.
func (s *Session) delete(h *memory.FactHandle, fromAction bool) error {
	if err := s.checkHandle(h); err != nil {
		return err
	}
	if h.Deleted() {
		return nil
	}
	if s.tms.IsJustified(h) && !fromAction {
		return &RuntimeError{
			Code:    ErrCodeLogicalFact,
			Message: "fact is logically inserted; call State before deleting it",
			Handle:  h.ID(),
		}
	}
	return s.retract(h)
}

func (s *Session) retract(h *memory.FactHandle) error {
	err := s.rt.Retract(h)
	s.mem.Remove(h)
	s.tms.Forget(h)
	s.logger.Debug("fact deleted", "handle", h.ID(), "type", h.Type())
	if err != nil {
		return s.evalErr(err)
	}
	return nil
}

func (s *Session) update(h *memory.FactHandle, fact any) error {
	if err := s.live(h); err != nil {
		return err
	}
	types, err := s.typesOf(fact)
	if err != nil {
		return err
	}
	if other, ok := s.mem.Lookup(fact); ok && other != h {
		return invalidFact("object is already held by handle %d", other.ID())
	}

	if err := s.rt.Retract(h); err != nil {
		return s.evalErr(err)
	}
	s.mem.Replace(h, fact, types, s.clock.Next())
	s.logger.Debug("fact updated", "handle", h.ID(), "type", h.Type())
	if err := s.rt.Assert(h); err != nil {
		return s.evalErr(err)
	}
	return s.rekey(h)
}

func (s *Session) modify(h *memory.FactHandle, fn func(fact any) error) error {
	if err := s.live(h); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("modify: nil function")
	}
	if err := fn(h.Object()); err != nil {
		return fmt.Errorf("modify fact %d: %w", h.ID(), err)
	}

	if err := s.rt.Retract(h); err != nil {
		return s.evalErr(err)
	}
	s.mem.Touch(h, s.clock.Next())
	s.logger.Debug("fact modified", "handle", h.ID(), "type", h.Type())
	if err := s.rt.Assert(h); err != nil {
		return s.evalErr(err)
	}
	return s.rekey(h)
}
