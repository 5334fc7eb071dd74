package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rete/internal/ir"
)

// CompileSource compiles CUE source text holding one package definition.
// filename is only used in error positions.
func CompileSource(filename string, src []byte) (*ir.PackageDef, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	return CompilePackage(v)
}

// CompilePackage parses a CUE value into a PackageDef.
// Uses the CUE SDK's Go API directly (not a CLI subprocess).
//
// The value is the package struct itself:
//
//	name: "org.example"
//	types: Person: {fields: {name: string, age: int}}
//	rules: "adult": {when: [...], then: [...]}
func CompilePackage(v cue.Value) (*ir.PackageDef, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &ir.PackageDef{}

	nameVal := v.LookupPath(cue.ParsePath("name"))
	if !nameVal.Exists() {
		return nil, &CompileError{Field: "name", Message: "package name is required", Pos: v.Pos()}
	}
	name, err := nameVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	def.Name = name

	if def.Imports, err = stringList(v, "imports"); err != nil {
		return nil, err
	}
	if def.StaticImports, err = stringList(v, "static_imports"); err != nil {
		return nil, err
	}
	if def.EntryPoints, err = stringList(v, "entry_points"); err != nil {
		return nil, err
	}
	if def.Types, err = parseTypes(v); err != nil {
		return nil, err
	}
	if def.Globals, err = parseGlobals(v); err != nil {
		return nil, err
	}
	if def.Functions, err = parseFunctions(v); err != nil {
		return nil, err
	}
	accs, err := stringList(v, "accumulate_functions")
	if err != nil {
		return nil, err
	}
	for _, a := range accs {
		def.AccumulateFunctions = append(def.AccumulateFunctions, ir.AccumulateFunctionDecl{Name: a})
	}
	if def.FactTemplates, err = parseTemplates(v); err != nil {
		return nil, err
	}
	if def.Windows, err = parseWindows(v); err != nil {
		return nil, err
	}
	if def.Resources, err = parseResources(v); err != nil {
		return nil, err
	}

	for _, section := range []struct{ path, kind string }{
		{"rules", ir.KindRule},
		{"queries", ir.KindQuery},
	} {
		sv := v.LookupPath(cue.ParsePath(section.path))
		if !sv.Exists() {
			continue
		}
		iter, err := sv.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			rule, err := CompileRule(iter.Value(), section.kind)
			if err != nil {
				return nil, err
			}
			def.Rules = append(def.Rules, *rule)
		}
	}

	return def, nil
}

// CompileRule parses one rule or query struct. The rule name is the
// struct's label.
func CompileRule(v cue.Value, kind string) (*ir.RuleDef, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	rule := &ir.RuleDef{Name: labelOf(v)}
	if kind == ir.KindQuery {
		rule.Kind = ir.KindQuery
	}

	if sv := v.LookupPath(cue.ParsePath("salience")); sv.Exists() {
		n, err := sv.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		rule.Salience = int(n)
	}
	if nv := v.LookupPath(cue.ParsePath("no_loop")); nv.Exists() {
		b, err := nv.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		rule.NoLoop = b
	}

	whenVal := v.LookupPath(cue.ParsePath("when"))
	if !whenVal.Exists() {
		return nil, &CompileError{
			Field:   fmt.Sprintf("%s.when", rule.Name),
			Message: "when clause is required",
			Pos:     v.Pos(),
		}
	}
	iter, err := whenVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		p, err := parsePattern(iter.Value())
		if err != nil {
			return nil, err
		}
		rule.Patterns = append(rule.Patterns, p)
	}

	if thenVal := v.LookupPath(cue.ParsePath("then")); thenVal.Exists() {
		iter, err := thenVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			step, err := parseAction(iter.Value())
			if err != nil {
				return nil, err
			}
			rule.Actions = append(rule.Actions, step)
		}
	}

	if rule.Call, err = optionalString(v, "call"); err != nil {
		return nil, err
	}
	return rule, nil
}

func parsePattern(v cue.Value) (ir.Pattern, error) {
	var p ir.Pattern
	var err error

	if p.Kind, err = optionalString(v, "kind"); err != nil {
		return p, err
	}
	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return p, &CompileError{Field: "when.type", Message: "pattern type is required", Pos: v.Pos()}
	}
	if p.Type, err = typeVal.String(); err != nil {
		return p, formatCUEError(err)
	}
	if p.Var, err = optionalString(v, "as"); err != nil {
		return p, err
	}
	if p.Window, err = optionalString(v, "window"); err != nil {
		return p, err
	}

	if wv := v.LookupPath(cue.ParsePath("where")); wv.Exists() {
		iter, err := wv.List()
		if err != nil {
			return p, formatCUEError(err)
		}
		for iter.Next() {
			c, err := parseConstraint(iter.Value())
			if err != nil {
				return p, err
			}
			p.Constraints = append(p.Constraints, c)
		}
	}

	if bv := v.LookupPath(cue.ParsePath("bind")); bv.Exists() {
		iter, err := bv.Fields()
		if err != nil {
			return p, formatCUEError(err)
		}
		for iter.Next() {
			field, err := iter.Value().String()
			if err != nil {
				return p, formatCUEError(err)
			}
			p.Bindings = append(p.Bindings, ir.Binding{Var: iter.Selector().Unquoted(), Field: field})
		}
	}

	if p.Kind == ir.PatternAccumulate {
		acc := &ir.AccumulateSpec{}
		if acc.Function, err = optionalString(v, "function"); err != nil {
			return p, err
		}
		if acc.Field, err = optionalString(v, "field"); err != nil {
			return p, err
		}
		if acc.Result, err = optionalString(v, "result"); err != nil {
			return p, err
		}
		p.Accumulate = acc
	}
	return p, nil
}

func parseConstraint(v cue.Value) (ir.Constraint, error) {
	c := ir.Constraint{Op: ir.OpEq, Value: ir.IRNull{}}
	var err error

	if c.Field, err = optionalString(v, "field"); err != nil {
		return c, err
	}
	if c.Field == "" {
		return c, &CompileError{Field: "where.field", Message: "constraint field is required", Pos: v.Pos()}
	}
	op, err := optionalString(v, "op")
	if err != nil {
		return c, err
	}
	if op != "" {
		c.Op = ir.Op(op)
	}
	if c.Ref, err = optionalString(v, "ref"); err != nil {
		return c, err
	}
	if vv := v.LookupPath(cue.ParsePath("value")); vv.Exists() {
		if c.Value, err = toIR(vv); err != nil {
			return c, err
		}
	}
	return c, nil
}

func parseAction(v cue.Value) (ir.ActionStep, error) {
	var step ir.ActionStep
	var err error

	opVal := v.LookupPath(cue.ParsePath("op"))
	if !opVal.Exists() {
		return step, &CompileError{Field: "then.op", Message: "action op is required", Pos: v.Pos()}
	}
	if step.Op, err = opVal.String(); err != nil {
		return step, formatCUEError(err)
	}
	if step.Type, err = optionalString(v, "type"); err != nil {
		return step, err
	}
	if step.Target, err = optionalString(v, "target"); err != nil {
		return step, err
	}
	if step.Global, err = optionalString(v, "global"); err != nil {
		return step, err
	}
	if fv := v.LookupPath(cue.ParsePath("fields")); fv.Exists() {
		val, err := toIR(fv)
		if err != nil {
			return step, err
		}
		obj, ok := val.(ir.IRObject)
		if !ok {
			return step, &CompileError{Field: "then.fields", Message: "fields must be a struct", Pos: fv.Pos()}
		}
		step.Fields = obj
	}
	if vv := v.LookupPath(cue.ParsePath("value")); vv.Exists() {
		if step.Value, err = toIR(vv); err != nil {
			return step, err
		}
	}
	return step, nil
}

// parseTypes extracts type declarations in declaration order.
func parseTypes(v cue.Value) ([]ir.TypeDecl, error) {
	tv := v.LookupPath(cue.ParsePath("types"))
	if !tv.Exists() {
		return nil, nil
	}
	iter, err := tv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var types []ir.TypeDecl
	for iter.Next() {
		decl := ir.TypeDecl{Name: iter.Selector().Unquoted()}
		if decl.Role, err = optionalString(iter.Value(), "role"); err != nil {
			return nil, err
		}
		if decl.Fields, _, err = parseFields(iter.Value()); err != nil {
			return nil, err
		}
		types = append(types, decl)
	}
	return types, nil
}

// parseFields reads a fields struct. A field with a CUE default
// (`level: int | *1`) contributes to the returned defaults.
func parseFields(v cue.Value) ([]ir.FieldDecl, ir.IRObject, error) {
	fv := v.LookupPath(cue.ParsePath("fields"))
	if !fv.Exists() {
		return nil, nil, nil
	}
	iter, err := fv.Fields()
	if err != nil {
		return nil, nil, formatCUEError(err)
	}

	var fields []ir.FieldDecl
	var defaults ir.IRObject
	for iter.Next() {
		name := iter.Selector().Unquoted()
		typeName, err := extractTypeName(iter.Value())
		if err != nil {
			return nil, nil, err
		}
		fields = append(fields, ir.FieldDecl{Name: name, Type: typeName})

		if dv, ok := iter.Value().Default(); ok && dv.IsConcrete() {
			val, err := toIR(dv)
			if err != nil {
				return nil, nil, err
			}
			if defaults == nil {
				defaults = ir.IRObject{}
			}
			defaults[name] = val
		}
	}
	return fields, defaults, nil
}

func parseTemplates(v cue.Value) ([]ir.FactTemplate, error) {
	tv := v.LookupPath(cue.ParsePath("templates"))
	if !tv.Exists() {
		return nil, nil
	}
	iter, err := tv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []ir.FactTemplate
	for iter.Next() {
		fields, defaults, err := parseFields(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, ir.FactTemplate{Name: iter.Selector().Unquoted(), Fields: fields, Defaults: defaults})
	}
	return out, nil
}

func parseGlobals(v cue.Value) ([]ir.GlobalDecl, error) {
	gv := v.LookupPath(cue.ParsePath("globals"))
	if !gv.Exists() {
		return nil, nil
	}
	iter, err := gv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []ir.GlobalDecl
	for iter.Next() {
		typ, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, ir.GlobalDecl{Name: iter.Selector().Unquoted(), Type: typ})
	}
	return out, nil
}

func parseFunctions(v cue.Value) ([]ir.FunctionDecl, error) {
	fv := v.LookupPath(cue.ParsePath("functions"))
	if !fv.Exists() {
		return nil, nil
	}
	iter, err := fv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []ir.FunctionDecl
	for iter.Next() {
		desc, err := optionalString(iter.Value(), "description")
		if err != nil {
			return nil, err
		}
		out = append(out, ir.FunctionDecl{Name: iter.Selector().Unquoted(), Description: desc})
	}
	return out, nil
}

func parseWindows(v cue.Value) ([]ir.WindowDecl, error) {
	wv := v.LookupPath(cue.ParsePath("windows"))
	if !wv.Exists() {
		return nil, nil
	}
	iter, err := wv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []ir.WindowDecl
	for iter.Next() {
		w := ir.WindowDecl{Name: iter.Selector().Unquoted()}
		if w.Type, err = optionalString(iter.Value(), "type"); err != nil {
			return nil, err
		}
		if lv := iter.Value().LookupPath(cue.ParsePath("length")); lv.Exists() {
			n, err := lv.Int64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			w.Length = int(n)
		}
		out = append(out, w)
	}
	return out, nil
}

func parseResources(v cue.Value) (map[string][]string, error) {
	rv := v.LookupPath(cue.ParsePath("resources"))
	if !rv.Exists() {
		return nil, nil
	}
	iter, err := rv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	out := make(map[string][]string)
	for iter.Next() {
		label := iter.Selector().Unquoted()
		names, err := stringList(rv, label)
		if err != nil {
			return nil, err
		}
		out[label] = names
	}
	return out, nil
}

func labelOf(v cue.Value) string {
	labels := v.Path().Selectors()
	if len(labels) == 0 {
		return ""
	}
	return strings.Trim(labels[len(labels)-1].String(), `"`)
}

func optionalString(v cue.Value, path string) (string, error) {
	sv := v.LookupPath(cue.MakePath(cue.Str(path)))
	if !sv.Exists() {
		return "", nil
	}
	s, err := sv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func stringList(v cue.Value, path string) ([]string, error) {
	lv := v.LookupPath(cue.MakePath(cue.Str(path)))
	if !lv.Exists() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// toIR converts a concrete CUE value into an IR value.
// Floats are rejected: IR values carry integers only.
func toIR(v cue.Value) (ir.IRValue, error) {
	if dv, ok := v.Default(); ok {
		v = dv
	}
	if !v.IsConcrete() {
		return nil, &CompileError{Field: "value", Message: "value must be concrete", Pos: v.Pos()}
	}
	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRString(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRInt(n), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRBool(b), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.IRArray{}
		for iter.Next() {
			elem, err := toIR(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.IRObject{}
		for iter.Next() {
			elem, err := toIR(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Selector().Unquoted()] = elem
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   "value",
			Message: "float values are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	}
	return nil, &CompileError{
		Field:   "value",
		Message: fmt.Sprintf("unsupported value kind: %v", v.Kind()),
		Pos:     v.Pos(),
	}
}

// extractTypeName converts a CUE type to an IR kind name.
func extractTypeName(v cue.Value) (string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return "string", nil
	case cue.IntKind:
		return "int", nil
	case cue.BoolKind:
		return "bool", nil
	case cue.ListKind:
		return "array", nil
	case cue.StructKind:
		return "object", nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
