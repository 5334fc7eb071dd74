package accessor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/rete/internal/ir"
)

// This names the pseudo-field that reads the whole fact as a value.
const This = "this"

// Sentinel errors. Use errors.Is to test for them.
var (
	ErrUnknownType  = errors.New("unknown fact type")
	ErrUnknownField = errors.New("unknown field")
	ErrUnwired      = errors.New("field accessor is not wired")
	ErrReadOnly     = errors.New("field is not writable")
)

// Reader reads one field of a fact.
type Reader func(fact any) (ir.IRValue, error)

// Writer replaces one field of a fact.
type Writer func(fact any, v ir.IRValue) error

// FieldAccessor is the reader/writer pair for one (type, field).
type FieldAccessor struct {
	Type  string
	Field string
	Read  Reader
	Write Writer
}

// Provider maps fact objects to type names and (type, field) pairs to
// accessors. The engine depends only on this interface; how accessors are
// produced (reflection, records, generated code) is up to the backend.
type Provider interface {
	// TypesOf returns the type names a fact belongs to: its own type first,
	// then any declared supertypes. An empty result means the provider does
	// not know the fact.
	TypesOf(fact any) []string

	// Accessor resolves the accessor for a field of a type. It returns an
	// error wrapping ErrUnknownType or ErrUnknownField when it cannot.
	Accessor(typeName, field string) (*FieldAccessor, error)

	// Fields lists the fields of a type in a stable order.
	Fields(typeName string) ([]string, error)
}

// Factory is implemented by providers that can create empty facts.
type Factory interface {
	New(typeName string) (any, error)
}

// Chain tries each provider in order.
type Chain []Provider

// TypesOf returns the first non-empty answer.
func (c Chain) TypesOf(fact any) []string {
	for _, p := range c {
		if types := p.TypesOf(fact); len(types) > 0 {
			return types
		}
	}
	return nil
}

// Accessor returns the first provider's accessor that knows the type.
func (c Chain) Accessor(typeName, field string) (*FieldAccessor, error) {
	for _, p := range c {
		acc, err := p.Accessor(typeName, field)
		if errors.Is(err, ErrUnknownType) {
			continue
		}
		return acc, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
}

// Fields returns the fields from the first provider that knows the type.
func (c Chain) Fields(typeName string) ([]string, error) {
	for _, p := range c {
		fields, err := p.Fields(typeName)
		if errors.Is(err, ErrUnknownType) {
			continue
		}
		return fields, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
}

// New delegates to the first Factory that knows the type.
func (c Chain) New(typeName string) (any, error) {
	for _, p := range c {
		f, ok := p.(Factory)
		if !ok {
			continue
		}
		fact, err := f.New(typeName)
		if errors.Is(err, ErrUnknownType) {
			continue
		}
		return fact, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
}

// Cached wraps a provider so each (type, field) accessor is resolved once.
// Safe for concurrent use by sessions sharing a knowledge base.
type Cached struct {
	inner Provider

	mu        sync.RWMutex
	accessors map[string]*FieldAccessor
}

// NewCached wraps p. Wrapping an already cached provider returns it.
func NewCached(p Provider) *Cached {
	if c, ok := p.(*Cached); ok {
		return c
	}
	return &Cached{inner: p, accessors: make(map[string]*FieldAccessor)}
}

// TypesOf delegates to the wrapped provider.
func (c *Cached) TypesOf(fact any) []string {
	return c.inner.TypesOf(fact)
}

// Accessor returns the cached accessor, resolving it on first use.
// Resolution errors are not cached.
func (c *Cached) Accessor(typeName, field string) (*FieldAccessor, error) {
	key := typeName + "\x00" + field

	c.mu.RLock()
	acc, ok := c.accessors[key]
	c.mu.RUnlock()
	if ok {
		return acc, nil
	}

	acc, err := c.inner.Accessor(typeName, field)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.accessors[key]; ok {
		return existing, nil
	}
	c.accessors[key] = acc
	return acc, nil
}

// Fields delegates to the wrapped provider.
func (c *Cached) Fields(typeName string) ([]string, error) {
	return c.inner.Fields(typeName)
}

// New delegates to the wrapped provider when it is a Factory.
func (c *Cached) New(typeName string) (any, error) {
	f, ok := c.inner.(Factory)
	if !ok {
		return nil, fmt.Errorf("%w: provider cannot create %s", ErrUnknownType, typeName)
	}
	return f.New(typeName)
}

// Forget drops every cached accessor of a type.
func (c *Cached) Forget(typeName string) {
	prefix := typeName + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.accessors {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.accessors, key)
		}
	}
}

// ReadAll reads every field of a fact as an object, using the provider's
// field list for typeName.
func ReadAll(p Provider, typeName string, fact any) (ir.IRObject, error) {
	fields, err := p.Fields(typeName)
	if err != nil {
		return nil, err
	}
	obj := make(ir.IRObject, len(fields))
	for _, f := range fields {
		acc, err := p.Accessor(typeName, f)
		if err != nil {
			return nil, err
		}
		v, err := acc.Read(fact)
		if err != nil {
			return nil, fmt.Errorf("read %s.%s: %w", typeName, f, err)
		}
		obj[f] = v
	}
	return obj, nil
}
