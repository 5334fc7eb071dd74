package knowledge

import (
	"log/slog"

	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/memory"
)

// Function is a Go rule consequence, bound to a declared function name
// when a package is wired.
type Function func(ctx Context) error

// Context is what a consequence sees while its activation fires. Working
// memory changes made through it propagate immediately; new activations
// are queued and fire later.
type Context interface {
	// Rule returns the name of the firing rule.
	Rule() string

	// Fact returns the object bound to a fact variable such as "$p".
	Fact(variable string) (any, error)

	// Handle returns the handle of the fact bound to a fact variable.
	Handle(variable string) (*memory.FactHandle, error)

	// Value resolves a variable reference ("$name" or "$p.field").
	Value(ref string) (ir.IRValue, error)

	Insert(fact any) (*memory.FactHandle, error)

	// InsertLogical inserts a fact justified by the firing activation. It
	// is retracted once no justifying match holds. If an equal stated fact
	// exists its handle is returned and nothing is inserted. If the
	// activation's match was already withdrawn, by this consequence or an
	// earlier action, it returns a nil handle and a nil error.
	InsertLogical(fact any) (*memory.FactHandle, error)

	Update(h *memory.FactHandle, fact any) error

	// Modify applies fn to the fact's object and propagates the change.
	Modify(h *memory.FactHandle, fn func(fact any) error) error

	// Delete retracts a fact. Unlike Session.Delete it also removes
	// logically inserted facts, dropping all their justifications.
	Delete(h *memory.FactHandle) error

	Global(name string) (any, bool)
	SetGlobal(name string, value any)

	// Halt stops FireAllRules after the current activation.
	Halt()

	Logger() *slog.Logger
}

// Option configures Wire.
type Option func(*wireOptions)

type wireOptions struct {
	functions    map[string]Function
	accumulators map[string]AccumulateFunction
}

// WithFunction binds a declared consequence function.
func WithFunction(name string, fn Function) Option {
	return func(o *wireOptions) {
		o.functions[name] = fn
	}
}

// WithFunctions binds several consequence functions.
func WithFunctions(fns map[string]Function) Option {
	return func(o *wireOptions) {
		for name, fn := range fns {
			o.functions[name] = fn
		}
	}
}

// WithAccumulateFunction binds a declared custom accumulate function.
func WithAccumulateFunction(name string, fn AccumulateFunction) Option {
	return func(o *wireOptions) {
		o.accumulators[name] = fn
	}
}
