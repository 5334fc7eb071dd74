package knowledge

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/network"
)

// AccumulateFunction folds the values collected by an accumulate pattern.
type AccumulateFunction = network.AccumulateFunction

// Declarer is implemented by providers that accept new record types.
// Wire declares package types and fact templates the provider does not
// know yet on such providers.
type Declarer interface {
	Declare(typeName string, fields ...string)
}

// Package is a wired package: every accessor slot is bound and every
// declared function has an implementation.
type Package struct {
	contents

	provider     accessor.Provider
	bound        map[string]Function
	accumulators map[string]AccumulateFunction
}

// Wire binds u against a provider. u must not be used afterwards: its
// slots now belong to the returned package.
//
// Declared types get a full set of field accessors. Slots referenced by
// rules are resolved individually. Every declared function and every
// function a rule calls must be supplied with WithFunction; custom
// accumulate functions with WithAccumulateFunction unless built in.
// Anything left unbound yields a *WiringError, which matches ErrUnwired.
func Wire(u *UnwiredPackage, p accessor.Provider, opts ...Option) (*Package, error) {
	if u == nil {
		return nil, fmt.Errorf("wire: nil package")
	}
	if p == nil {
		return nil, fmt.Errorf("wire %s: nil provider", u.name)
	}
	o := wireOptions{
		functions:    make(map[string]Function),
		accumulators: make(map[string]AccumulateFunction),
	}
	for _, opt := range opts {
		opt(&o)
	}

	declare(u, p)

	var errs []error
	for _, t := range u.types {
		if err := u.store.BuildFieldAccessors(t.Name, t.FieldNames(), p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := u.store.Wire(p); err != nil {
		errs = append(errs, err)
	}

	pkg := &Package{
		contents:     u.contents,
		provider:     p,
		bound:        make(map[string]Function),
		accumulators: make(map[string]AccumulateFunction),
	}

	var missing []string
	for _, name := range pkg.functionNames() {
		fn, ok := o.functions[name]
		if !ok || fn == nil {
			missing = append(missing, name)
			continue
		}
		pkg.bound[name] = fn
	}
	builtins := network.Builtins()
	for _, name := range pkg.accumulateNames() {
		if fn, ok := o.accumulators[name]; ok && fn != nil {
			pkg.accumulators[name] = fn
			continue
		}
		if _, ok := builtins[name]; !ok {
			missing = append(missing, "accumulate:"+name)
		}
	}

	unwired := u.store.Unwired()
	if len(unwired) > 0 || len(missing) > 0 {
		return nil, &WiringError{
			Package:   u.name,
			Accessors: unwired,
			Functions: missing,
			Err:       errors.Join(errs...),
		}
	}
	return pkg, nil
}

// declare registers package types and templates on a Declarer provider.
func declare(u *UnwiredPackage, p accessor.Provider) {
	d, ok := p.(Declarer)
	if !ok {
		return
	}
	known := func(name string) bool {
		_, err := p.Fields(name)
		return err == nil
	}
	for _, t := range u.types {
		if !known(t.Name) {
			d.Declare(t.Name, t.FieldNames()...)
		}
	}
	for _, t := range u.templates {
		if !known(t.Name) {
			names := make([]string, len(t.Fields))
			for i, f := range t.Fields {
				names[i] = f.Name
			}
			d.Declare(t.Name, names...)
		}
	}
}

// functionNames lists declared functions and functions rules call.
func (c *contents) functionNames() []string {
	set := make(map[string]bool)
	for _, f := range c.functions {
		set[f.Name] = true
	}
	for _, r := range c.rules {
		if r.Call != "" {
			set[r.Call] = true
		}
	}
	return sortedKeys(set)
}

// accumulateNames lists declared accumulate functions and those rules
// use.
func (c *contents) accumulateNames() []string {
	set := make(map[string]bool)
	for _, a := range c.accumulates {
		set[a.Name] = true
	}
	for _, r := range c.rules {
		for _, p := range r.Patterns {
			if p.Accumulate != nil {
				set[p.Accumulate.Function] = true
			}
		}
	}
	return sortedKeys(set)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Provider returns the provider the package was wired against.
func (p *Package) Provider() accessor.Provider { return p.provider }

// Function returns the bound implementation of a consequence function.
func (p *Package) Function(name string) (Function, bool) {
	fn, ok := p.bound[name]
	return fn, ok
}

// Accumulators returns the custom accumulate functions bound to the
// package.
func (p *Package) Accumulators() map[string]AccumulateFunction {
	out := make(map[string]AccumulateFunction, len(p.accumulators))
	for k, v := range p.accumulators {
		out[k] = v
	}
	return out
}

// BuildFieldAccessors wires an accessor for every field of a declared
// type, plus "this". Slots already wired are kept, so it is idempotent.
func (p *Package) BuildFieldAccessors(typeName string) error {
	t, ok := p.Type(typeName)
	if !ok {
		return fmt.Errorf("package %s: type %s not declared", p.name, typeName)
	}
	return p.store.BuildFieldAccessors(t.Name, t.FieldNames(), p.provider)
}

// RemoveType drops a type declaration and its accessor slots. It refuses
// with ErrTypeInUse while a rule of the package matches the type.
func (p *Package) RemoveType(typeName string) error {
	for _, r := range p.rules {
		for _, t := range r.Types() {
			if t == typeName {
				return fmt.Errorf("%w: rule %s matches %s", ErrTypeInUse, r.Name, typeName)
			}
		}
	}
	_, declared := p.Type(typeName)
	p.types = removeNamed(p.types, typeName, func(t ir.TypeDecl) string { return t.Name })
	if n := p.store.RemoveType(typeName); n == 0 && !declared {
		return fmt.Errorf("package %s: type %s not found", p.name, typeName)
	}
	p.refresh()
	return nil
}

// RemoveRule drops a rule or query definition, reporting whether it was
// present.
func (p *Package) RemoveRule(name string) bool {
	for i, r := range p.rules {
		if r.Name == name {
			p.rules = append(p.rules[:i:i], p.rules[i+1:]...)
			p.refresh()
			return true
		}
	}
	return false
}

func removeNamed[T any](items []T, key string, name func(T) string) []T {
	out := items[:0:0]
	for _, it := range items {
		if name(it) != key {
			out = append(out, it)
		}
	}
	return out
}
