package knowledge

import (
	"reflect"

	"github.com/roach88/rete/internal/ir"
)

// Merge folds other into p. Declarations other carries replace p's of the
// same name; rules other carries replace p's rules in place and new ones
// are appended. Conflicts are reported, never fatal.
//
// The accessor store is merged by slot: slots only other has are adopted,
// shared slots are rebound to other's accessors.
func (p *Package) Merge(other *Package) []BuildResult {
	if other == nil || other == p {
		return nil
	}
	var results []BuildResult
	report := func(code, format string, args ...any) {
		results = append(results, warning(p.name, code, format, args...))
	}

	p.imports = uniqueSorted(append(p.imports, other.imports...))
	p.staticImports = uniqueSorted(append(p.staticImports, other.staticImports...))

	for _, t := range other.types {
		var old *ir.TypeDecl
		p.types, old = upsert(p.types, t, func(t ir.TypeDecl) string { return t.Name })
		if old != nil && !reflect.DeepEqual(old.Fields, t.Fields) {
			report(CodeTypeRedeclared, "type %s redeclared with different fields", t.Name)
		}
	}

	for _, f := range other.functions {
		p.functions, _ = upsert(p.functions, f, func(f ir.FunctionDecl) string { return f.Name })
	}
	for name, fn := range other.bound {
		if _, ok := p.bound[name]; ok {
			report(CodeFunctionRedeclared, "function %s rebound", name)
		}
		p.bound[name] = fn
	}

	for _, a := range other.accumulates {
		p.accumulates, _ = upsert(p.accumulates, a, func(a ir.AccumulateFunctionDecl) string { return a.Name })
	}
	for name, fn := range other.accumulators {
		if _, ok := p.accumulators[name]; ok {
			report(CodeAccumulateRedeclared, "accumulate function %s rebound", name)
		}
		p.accumulators[name] = fn
	}

	for _, t := range other.templates {
		var old *ir.FactTemplate
		p.templates, old = upsert(p.templates, t, func(t ir.FactTemplate) string { return t.Name })
		if old != nil && !reflect.DeepEqual(old.Fields, t.Fields) {
			report(CodeTemplateRedeclared, "fact template %s redeclared with different fields", t.Name)
		}
	}

	for _, g := range other.globals {
		var old *ir.GlobalDecl
		p.globals, old = upsert(p.globals, g, func(g ir.GlobalDecl) string { return g.Name })
		if old != nil && old.Type != g.Type {
			report(CodeGlobalTypeChanged, "global %s changed type from %s to %s", g.Name, old.Type, g.Type)
		}
	}

	p.valid = p.valid && other.valid

	for _, r := range other.rules {
		replaced := false
		for i := range p.rules {
			if p.rules[i].Name == r.Name {
				p.rules[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			p.rules = append(p.rules, r)
		}
	}

	p.entryPoints = uniqueSorted(append(p.entryPoints, other.entryPoints...))

	for _, w := range other.windows {
		var old *ir.WindowDecl
		p.windows, old = upsert(p.windows, w, func(w ir.WindowDecl) string { return w.Name })
		if old != nil && *old != w {
			report(CodeWindowRedeclared, "window %s redeclared", w.Name)
		}
	}

	if p.resources == nil {
		p.resources = make(map[string][]string)
	}
	for k, v := range other.resources {
		p.resources[k] = uniqueSorted(append(p.resources[k], v...))
	}

	p.store.Merge(other.store)
	p.refresh()
	return results
}
