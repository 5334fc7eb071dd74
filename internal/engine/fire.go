package engine

import (
	"fmt"
	"log/slog"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/agenda"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/knowledge"
	"github.com/roach88/rete/internal/memory"
	"github.com/roach88/rete/internal/network"
)

// FireAllRules fires queued activations, highest salience first, until
// the agenda is empty, max activations fired (max <= 0 means no limit),
// or an action calls Halt. It returns the number fired.
//
// Actions may call FireAllRules themselves; the nested call drains the
// same agenda. A failing action fails the session.
func (s *Session) FireAllRules(max int) (fired int, err error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	if s.current == nil {
		s.halted = false
	}
	for max <= 0 || fired < max {
		if s.halted {
			break
		}
		act := s.agenda.Pop()
		if act == nil {
			break
		}
		if err := s.fire(act); err != nil {
			return fired, s.fail(err)
		}
		fired++
	}
	s.logger.Debug("rules fired", "fired", fired, "queued", s.agenda.Len(), "halted", s.halted)
	return fired, nil
}

// Halt stops FireAllRules after the current activation.
func (s *Session) Halt() {
	s.halted = true
}

func (s *Session) fire(act *agenda.Activation) (err error) {
	listener := s.agenda.Listener()
	listener.BeforeFire(act)

	prev := s.current
	s.current = act
	defer func() {
		if r := recover(); r != nil {
			err = evaluationFault(act.Rule.Name, fmt.Errorf("panic: %v", r))
		}
		s.current = prev
		listener.AfterFire(act, err)
	}()

	s.logger.Debug("rule firing",
		"rule", act.Rule.Name,
		"activation", act.ID,
		"salience", act.Salience,
		"tuple", act.Tuple.String())

	ctx := &actionContext{s: s, act: act}
	for i, step := range act.Rule.Def.Actions {
		if err := ctx.run(step); err != nil {
			return evaluationFault(act.Rule.Name, fmt.Errorf("action %d (%s): %w", i, step.Op, err))
		}
	}
	if call := act.Rule.Def.Call; call != "" {
		fn, ok := s.kb.Function(act.Rule.Package, call)
		if !ok {
			return &RuntimeError{
				Code:    ErrCodeUnwiredPackage,
				Message: fmt.Sprintf("function %s is not bound", call),
				Rule:    act.Rule.Name,
			}
		}
		if err := fn(ctx); err != nil {
			return evaluationFault(act.Rule.Name, fmt.Errorf("function %s: %w", call, err))
		}
	}
	return s.drain()
}

// actionContext is the knowledge.Context of one firing activation.
type actionContext struct {
	s   *Session
	act *agenda.Activation
}

var _ knowledge.Context = (*actionContext)(nil)

func (c *actionContext) Rule() string { return c.act.Rule.Name }

func (c *actionContext) Logger() *slog.Logger {
	return c.s.logger.With("rule", c.act.Rule.Name)
}

func (c *actionContext) ref(variable string) (network.VarRef, error) {
	return c.act.Rule.Var(variable)
}

func (c *actionContext) Fact(variable string) (any, error) {
	v, err := c.ref(variable)
	if err != nil {
		return nil, err
	}
	return v.Object(c.act.Tuple)
}

func (c *actionContext) Handle(variable string) (*memory.FactHandle, error) {
	v, err := c.ref(variable)
	if err != nil {
		return nil, err
	}
	if v.Kind != network.VarFact {
		return nil, fmt.Errorf("%s is not a fact variable", variable)
	}
	at := c.act.Tuple.At(v.Level)
	if at == nil || at.Handle() == nil {
		return nil, fmt.Errorf("%s is not bound", variable)
	}
	return at.Handle(), nil
}

func (c *actionContext) Value(ref string) (ir.IRValue, error) {
	v, err := c.ref(ref)
	if err != nil {
		return nil, err
	}
	return v.Read(c.act.Tuple)
}

func (c *actionContext) Insert(fact any) (*memory.FactHandle, error) {
	return c.s.insert(fact)
}

func (c *actionContext) InsertLogical(fact any) (*memory.FactHandle, error) {
	return c.s.insertLogical(c.act, fact)
}

func (c *actionContext) Update(h *memory.FactHandle, fact any) error {
	return c.s.update(h, fact)
}

func (c *actionContext) Modify(h *memory.FactHandle, fn func(fact any) error) error {
	return c.s.modify(h, fn)
}

func (c *actionContext) Delete(h *memory.FactHandle) error {
	return c.s.delete(h, true)
}

func (c *actionContext) Global(name string) (any, bool) {
	return c.s.mem.Global(name)
}

func (c *actionContext) SetGlobal(name string, value any) {
	c.s.mem.SetGlobal(name, value)
}

func (c *actionContext) Halt() { c.s.Halt() }

// run executes one declarative action step.
func (c *actionContext) run(step ir.ActionStep) error {
	switch step.Op {
	case ir.ActionInsert, ir.ActionInsertLogical:
		fact, err := c.build(step.Type, step.Fields)
		if err != nil {
			return err
		}
		if step.Op == ir.ActionInsert {
			_, err = c.Insert(fact)
		} else {
			_, err = c.InsertLogical(fact)
		}
		return err

	case ir.ActionModify:
		h, err := c.Handle(step.Target)
		if err != nil {
			return err
		}
		values, err := c.resolveFields(step.Fields)
		if err != nil {
			return err
		}
		return c.Modify(h, func(fact any) error {
			return c.write(h.Type(), fact, values)
		})

	case ir.ActionDelete:
		h, err := c.Handle(step.Target)
		if err != nil {
			return err
		}
		return c.Delete(h)

	case ir.ActionAppend:
		v, err := c.resolve(step.Value)
		if err != nil {
			return err
		}
		cur, _ := c.Global(step.Global)
		switch list := cur.(type) {
		case nil:
			c.SetGlobal(step.Global, []any{ir.ToGo(v)})
		case []any:
			c.SetGlobal(step.Global, append(list, ir.ToGo(v)))
		default:
			return fmt.Errorf("global %s is %T, not a list", step.Global, cur)
		}
		return nil

	case ir.ActionSetGlobal:
		v, err := c.resolve(step.Value)
		if err != nil {
			return err
		}
		c.SetGlobal(step.Global, ir.ToGo(v))
		return nil
	}
	return fmt.Errorf("unknown action %q", step.Op)
}

// build creates a fact of typeName: a record pre-filled with the template
// defaults when a fact template declares the type, otherwise an empty
// fact from the provider.
func (c *actionContext) build(typeName string, fields ir.IRObject) (any, error) {
	values, err := c.resolveFields(fields)
	if err != nil {
		return nil, err
	}
	var fact any
	if tmpl, ok := c.s.kb.Template(typeName); ok {
		fact = accessor.NewRecord(typeName, tmpl.Defaults.Clone())
	} else {
		factory, ok := c.s.provider.(accessor.Factory)
		if !ok {
			return nil, fmt.Errorf("cannot create facts of type %s", typeName)
		}
		if fact, err = factory.New(typeName); err != nil {
			return nil, err
		}
	}
	if err := c.write(typeName, fact, values); err != nil {
		return nil, err
	}
	return fact, nil
}

func (c *actionContext) write(typeName string, fact any, values ir.IRObject) error {
	for _, field := range values.SortedKeys() {
		b, err := c.s.kb.Binding(typeName, field)
		if err != nil {
			return err
		}
		if err := b.Write(fact, values[field]); err != nil {
			return fmt.Errorf("write %s.%s: %w", typeName, field, err)
		}
	}
	return nil
}

func (c *actionContext) resolveFields(fields ir.IRObject) (ir.IRObject, error) {
	out := make(ir.IRObject, len(fields))
	for k, v := range fields {
		r, err := c.resolve(v)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// resolve replaces variable references inside v with their values.
func (c *actionContext) resolve(v ir.IRValue) (ir.IRValue, error) {
	switch t := v.(type) {
	case nil:
		return ir.IRNull{}, nil
	case ir.IRString:
		if ref, ok := ir.RefOf(t); ok {
			return c.Value(ref)
		}
		return t, nil
	case ir.IRArray:
		out := make(ir.IRArray, len(t))
		for i, e := range t {
			r, err := c.resolve(e)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case ir.IRObject:
		return c.resolveFields(t)
	}
	return v, nil
}
