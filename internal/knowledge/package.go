// Package knowledge holds compiled rule packages and the knowledge base
// sessions are created from.
//
// A package moves through two states. NewUnwired and Decode produce an
// *UnwiredPackage whose accessor slots name (type, field) pairs but hold
// no accessors. Wire resolves them against an accessor.Provider, binds
// consequence functions, and returns a *Package. Only a *Package can be
// added to a KnowledgeBase, so a package cannot be evaluated before it is
// wired.
package knowledge

import (
	"fmt"
	"sort"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
)

// contents is the state shared by wired and unwired packages, in the
// order it is persisted.
type contents struct {
	name           string
	store          *accessor.Store
	dialects       map[string][]string
	types          []ir.TypeDecl
	imports        []string
	staticImports  []string
	functions      []ir.FunctionDecl
	accumulates    []ir.AccumulateFunctionDecl
	templates      []ir.FactTemplate
	globals        []ir.GlobalDecl
	valid          bool
	needStreamMode bool
	rules          []ir.RuleDef
	entryPoints    []string
	windows        []ir.WindowDecl
	resources      map[string][]string
}

// UnwiredPackage is a package whose accessors and functions are not yet
// bound. It cannot be evaluated; pass it to Wire.
type UnwiredPackage struct {
	contents
}

// NewUnwired builds an unwired package from a compiled definition.
func NewUnwired(def ir.PackageDef) (*UnwiredPackage, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("package has no name")
	}
	seen := make(map[string]bool, len(def.Rules))
	for _, r := range def.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("package %s: rule without a name", def.Name)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("package %s: duplicate rule %s", def.Name, r.Name)
		}
		seen[r.Name] = true
	}

	c := contents{
		name:          def.Name,
		store:         accessor.NewStore(),
		types:         sortedByName(def.Types, func(t ir.TypeDecl) string { return t.Name }),
		imports:       uniqueSorted(def.Imports),
		staticImports: uniqueSorted(def.StaticImports),
		functions:     sortedByName(def.Functions, func(f ir.FunctionDecl) string { return f.Name }),
		accumulates:   sortedByName(def.AccumulateFunctions, func(a ir.AccumulateFunctionDecl) string { return a.Name }),
		templates:     sortedByName(def.FactTemplates, func(t ir.FactTemplate) string { return t.Name }),
		globals:       sortedByName(def.Globals, func(g ir.GlobalDecl) string { return g.Name }),
		valid:         true,
		rules:         append([]ir.RuleDef(nil), def.Rules...),
		entryPoints:   uniqueSorted(def.EntryPoints),
		windows:       sortedByName(def.Windows, func(w ir.WindowDecl) string { return w.Name }),
		resources:     make(map[string][]string),
	}
	for k, v := range def.Resources {
		c.resources[k] = uniqueSorted(v)
	}
	for _, t := range c.types {
		for _, f := range append([]string{accessor.This}, t.FieldNames()...) {
			c.store.Get(t.Name, f)
		}
	}
	for _, r := range c.rules {
		for _, e := range ruleSlots(r) {
			c.store.Get(e.Type, e.Field)
		}
	}
	c.refresh()
	return &UnwiredPackage{contents: c}, nil
}

// refresh recomputes the derived registries after rules or declarations
// change.
func (c *contents) refresh() {
	c.dialects = make(map[string][]string)
	for _, r := range c.rules {
		d := r.Dialect()
		c.dialects[d] = append(c.dialects[d], r.Name)
	}
	for _, names := range c.dialects {
		sort.Strings(names)
	}

	c.needStreamMode = len(c.windows) > 0
	for _, t := range c.types {
		if t.Role == ir.RoleEvent {
			c.needStreamMode = true
		}
	}
}

// ruleSlots lists the (type, field) pairs a rule reads or writes.
func ruleSlots(r ir.RuleDef) []accessor.Entry {
	var out []accessor.Entry
	varTypes := make(map[string]string)
	add := func(typeName, field string) {
		if typeName == "" {
			return
		}
		if field == "" {
			field = accessor.This
		}
		out = append(out, accessor.Entry{Type: typeName, Field: field})
	}
	addRef := func(ref string) {
		name, field, ok := ir.ParseRef(ref)
		if !ok || field == "" {
			return
		}
		add(varTypes[name], field)
	}

	for _, p := range r.Patterns {
		add(p.Type, accessor.This)
		for _, c := range p.Constraints {
			add(p.Type, c.Field)
			if c.IsJoin() {
				addRef(c.Ref)
			}
		}
		for _, b := range p.Bindings {
			add(p.Type, b.Field)
		}
		if p.Accumulate != nil {
			add(p.Type, p.Accumulate.Field)
		}
		if p.Var != "" {
			varTypes[p.Var] = p.Type
		}
	}
	for _, a := range r.Actions {
		switch a.Op {
		case ir.ActionInsert, ir.ActionInsertLogical:
			for _, k := range a.Fields.SortedKeys() {
				add(a.Type, k)
			}
		case ir.ActionModify:
			for _, k := range a.Fields.SortedKeys() {
				add(varTypes[a.Target], k)
			}
		}
		for _, v := range a.Fields {
			if ref, ok := ir.RefOf(v); ok {
				addRef(ref)
			}
		}
		if ref, ok := ir.RefOf(a.Value); ok {
			addRef(ref)
		}
	}
	return out
}

// Name returns the package name.
func (c *contents) Name() string { return c.name }

// Store returns the package's accessor slots.
func (c *contents) Store() *accessor.Store { return c.store }

// Rules returns the rule and query definitions in declaration order.
func (c *contents) Rules() []ir.RuleDef { return append([]ir.RuleDef(nil), c.rules...) }

// Rule returns a rule or query definition by name.
func (c *contents) Rule(name string) (ir.RuleDef, bool) {
	for _, r := range c.rules {
		if r.Name == name {
			return r, true
		}
	}
	return ir.RuleDef{}, false
}

// Types returns the declared fact types, sorted by name.
func (c *contents) Types() []ir.TypeDecl { return append([]ir.TypeDecl(nil), c.types...) }

// Type returns a declared type.
func (c *contents) Type(name string) (ir.TypeDecl, bool) {
	return find(c.types, name, func(t ir.TypeDecl) string { return t.Name })
}

// Globals returns the declared globals, sorted by name.
func (c *contents) Globals() []ir.GlobalDecl { return append([]ir.GlobalDecl(nil), c.globals...) }

// Functions returns the declared consequence functions.
func (c *contents) Functions() []ir.FunctionDecl {
	return append([]ir.FunctionDecl(nil), c.functions...)
}

// AccumulateFunctions returns the declared custom accumulate functions.
func (c *contents) AccumulateFunctions() []ir.AccumulateFunctionDecl {
	return append([]ir.AccumulateFunctionDecl(nil), c.accumulates...)
}

// Templates returns the fact templates.
func (c *contents) Templates() []ir.FactTemplate {
	return append([]ir.FactTemplate(nil), c.templates...)
}

// Template returns a fact template by name.
func (c *contents) Template(name string) (ir.FactTemplate, bool) {
	return find(c.templates, name, func(t ir.FactTemplate) string { return t.Name })
}

// Windows returns the window declarations.
func (c *contents) Windows() []ir.WindowDecl { return append([]ir.WindowDecl(nil), c.windows...) }

// Imports returns the imported package names.
func (c *contents) Imports() []string { return append([]string(nil), c.imports...) }

// StaticImports returns the static imports.
func (c *contents) StaticImports() []string { return append([]string(nil), c.staticImports...) }

// EntryPoints returns the entry point identifiers.
func (c *contents) EntryPoints() []string { return append([]string(nil), c.entryPoints...) }

// Resources returns the resource type to package name associations.
func (c *contents) Resources() map[string][]string {
	out := make(map[string][]string, len(c.resources))
	for k, v := range c.resources {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Dialects maps each consequence dialect to the rules using it.
func (c *contents) Dialects() map[string][]string {
	out := make(map[string][]string, len(c.dialects))
	for k, v := range c.dialects {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Valid reports whether the package is usable.
func (c *contents) Valid() bool { return c.valid }

// NeedStreamMode reports whether the package declares event types or
// windows.
func (c *contents) NeedStreamMode() bool { return c.needStreamMode }

// Def rebuilds the package definition.
func (c *contents) Def() ir.PackageDef {
	def := ir.PackageDef{
		Name:                c.name,
		Imports:             c.Imports(),
		StaticImports:       c.StaticImports(),
		Types:               c.Types(),
		Functions:           c.Functions(),
		AccumulateFunctions: c.AccumulateFunctions(),
		FactTemplates:       c.Templates(),
		Globals:             c.Globals(),
		Rules:               c.Rules(),
		EntryPoints:         c.EntryPoints(),
		Windows:             c.Windows(),
	}
	if len(c.resources) > 0 {
		def.Resources = c.Resources()
	}
	return def
}

func sortedByName[T any](items []T, name func(T) string) []T {
	out := append([]T(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return name(out[i]) < name(out[j]) })
	return out
}

func uniqueSorted(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if !set[s] {
			set[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func find[T any](items []T, key string, name func(T) string) (T, bool) {
	for _, it := range items {
		if name(it) == key {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// upsert replaces the item with the same name or inserts it, keeping the
// slice sorted. It returns the replaced item, if any.
func upsert[T any](items []T, item T, name func(T) string) ([]T, *T) {
	key := name(item)
	i := sort.Search(len(items), func(i int) bool { return name(items[i]) >= key })
	if i < len(items) && name(items[i]) == key {
		old := items[i]
		items[i] = item
		return items, &old
	}
	items = append(items, item)
	copy(items[i+1:], items[i:])
	items[i] = item
	return items, nil
}
