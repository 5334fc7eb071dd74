package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rete/internal/ir"
)

func validPackage() *ir.PackageDef {
	return &ir.PackageDef{
		Name:      "people",
		Types:     []ir.TypeDecl{{Name: "Person", Fields: []ir.FieldDecl{{Name: "name", Type: "string"}, {Name: "age", Type: "int"}}}},
		Functions: []ir.FunctionDecl{{Name: "audit"}},
		Globals:   []ir.GlobalDecl{{Name: "list", Type: "list"}},
		Windows:   []ir.WindowDecl{{Name: "recent", Type: "Person", Length: 2}},
		Rules: []ir.RuleDef{{
			Name: "adult",
			Patterns: []ir.Pattern{{
				Type:        "Person",
				Var:         "$p",
				Window:      "recent",
				Constraints: []ir.Constraint{{Field: "age", Op: ir.OpGe, Value: ir.IRInt(18)}},
				Bindings:    []ir.Binding{{Var: "$name", Field: "name"}},
			}},
			Actions: []ir.ActionStep{
				{Op: ir.ActionModify, Target: "$p", Fields: ir.IRObject{"name": ir.IRString("$p.name")}},
				{Op: ir.ActionAppend, Global: "list", Value: ir.IRArray{ir.IRString("$name")}},
			},
			Call: "audit",
		}},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidatePackageValid(t *testing.T) {
	assert.Empty(t, Validate(validPackage()))
	assert.Empty(t, Validate(*validPackage()), "value form is accepted too")
}

func TestValidateUnsupportedType(t *testing.T) {
	errs := Validate("nope")
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnsupportedIRType, errs[0].Code)
}

func TestValidatePackageErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(def *ir.PackageDef)
		code   string
		field  string
	}{
		{"empty name", func(d *ir.PackageDef) { d.Name = "  " }, ErrPackageNameEmpty, "name"},
		{"duplicate type", func(d *ir.PackageDef) { d.Types = append(d.Types, d.Types[0]) }, ErrDuplicateName, "types[1].name"},
		{"duplicate rule", func(d *ir.PackageDef) { d.Rules = append(d.Rules, d.Rules[0]) }, ErrDuplicateName, "rules[1].name"},
		{"duplicate global", func(d *ir.PackageDef) { d.Globals = append(d.Globals, d.Globals[0]) }, ErrDuplicateName, "globals[1].name"},
		{"invalid field type", func(d *ir.PackageDef) { d.Types[0].Fields[1].Type = "uuid" }, ErrInvalidFieldType, "types[0].fields[1].type"},
		{"invalid role", func(d *ir.PackageDef) { d.Types[0].Role = "signal" }, ErrInvalidFieldType, "types[0].role"},
		{"float field", func(d *ir.PackageDef) { d.Types[0].Fields[1].Type = "float64" }, ErrFloatTypeForbidden, "types[0].fields[1].type"},
		{"no patterns", func(d *ir.PackageDef) { d.Rules[0].Patterns = nil; d.Rules[0].Actions = nil }, ErrRuleNoPatterns, "rules[0].patterns"},
		{"bad pattern kind", func(d *ir.PackageDef) { d.Rules[0].Patterns[0].Kind = "forall"; d.Rules[0].Actions = nil }, ErrInvalidPattern, "rules[0].patterns[0]"},
		{"bad operator", func(d *ir.PackageDef) { d.Rules[0].Patterns[0].Constraints[0].Op = "~=" }, ErrInvalidOperator, "rules[0].patterns[0].constraints[0].op"},
		{"undefined join ref", func(d *ir.PackageDef) {
			d.Rules[0].Patterns[0].Constraints[0] = ir.Constraint{Field: "age", Op: ir.OpEq, Ref: "$other"}
		}, ErrUndefinedVariable, "rules[0].patterns[0].constraints[0].ref"},
		{"undefined action ref", func(d *ir.PackageDef) {
			d.Rules[0].Actions[1].Value = ir.IRString("$ghost")
		}, ErrUndefinedVariable, "rules[0].actions[1].value"},
		{"field of non-fact variable", func(d *ir.PackageDef) {
			d.Rules[0].Actions[1].Value = ir.IRString("$name.length")
		}, ErrUndefinedVariable, "rules[0].actions[1].value"},
		{"modify target not a fact", func(d *ir.PackageDef) { d.Rules[0].Actions[0].Target = "$name" }, ErrUndefinedVariable, "rules[0].actions[0].target"},
		{"unknown action", func(d *ir.PackageDef) { d.Rules[0].Actions[0].Op = "upsert" }, ErrInvalidAction, "rules[0].actions[0]"},
		{"append without value", func(d *ir.PackageDef) { d.Rules[0].Actions[1].Value = nil }, ErrInvalidAction, "rules[0].actions[1]"},
		{"undeclared call", func(d *ir.PackageDef) { d.Functions = nil }, ErrUndeclaredFunction, "rules[0].call"},
		{"undeclared accumulate", func(d *ir.PackageDef) {
			d.Rules = append(d.Rules, ir.RuleDef{Name: "q", Kind: ir.KindQuery, Patterns: []ir.Pattern{{
				Kind: ir.PatternAccumulate, Type: "Person", Accumulate: &ir.AccumulateSpec{Function: "median", Result: "$m"},
			}}})
		}, ErrUndeclaredFunction, "rules[1].patterns[0].accumulate.function"},
		{"unknown window", func(d *ir.PackageDef) { d.Windows = nil }, ErrInvalidWindow, "rules[0].patterns[0].window"},
		{"window type mismatch", func(d *ir.PackageDef) { d.Windows[0].Type = "Cheese" }, ErrInvalidWindow, "rules[0].patterns[0].window"},
		{"window length", func(d *ir.PackageDef) { d.Windows[0].Length = 0 }, ErrInvalidWindow, "windows[0].length"},
		{"query with actions", func(d *ir.PackageDef) { d.Rules[0].Kind = ir.KindQuery }, ErrQueryHasConsequence, "rules[0].then"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validPackage()
			tt.mutate(def)
			errs := Validate(def)
			require.Len(t, errs, 1, "got %v", errs)
			assert.Equal(t, tt.code, errs[0].Code)
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	def := &ir.PackageDef{Rules: []ir.RuleDef{{Name: "r"}}}
	assert.Equal(t, []string{ErrPackageNameEmpty, ErrRuleNoPatterns}, codes(Validate(def)))
}

func TestValidateVariableScope(t *testing.T) {
	// A join may only reference variables bound by earlier patterns.
	rule := ir.RuleDef{
		Name: "r",
		Patterns: []ir.Pattern{
			{Type: "Cheese", Constraints: []ir.Constraint{{Field: "type", Op: ir.OpEq, Ref: "$likes"}}},
			{Type: "Person", Bindings: []ir.Binding{{Var: "$likes", Field: "likes"}}},
		},
	}
	errs := Validate(rule)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUndefinedVariable, errs[0].Code)

	rule.Patterns[0], rule.Patterns[1] = rule.Patterns[1], rule.Patterns[0]
	assert.Empty(t, Validate(&rule))
}

func TestValidateRuleAlone(t *testing.T) {
	// Outside a package, calls and windows are not checked.
	rule := validPackage().Rules[0]
	assert.Empty(t, Validate(rule))
}

func TestValidateNegativePatternsCannotBind(t *testing.T) {
	rule := ir.RuleDef{Name: "r", Patterns: []ir.Pattern{
		{Type: "Person", Var: "$p"},
		{Kind: ir.PatternNot, Type: "Ban", Var: "$b"},
		{Kind: ir.PatternExists, Type: "Ban", Bindings: []ir.Binding{{Var: "$x", Field: "x"}}},
		{Type: "Cheese", Var: "$p"},
	}}
	assert.Equal(t, []string{ErrInvalidPattern, ErrInvalidPattern, ErrDuplicateName}, codes(Validate(rule)))
}

func TestValidationErrorString(t *testing.T) {
	err := ValidationError{Field: "name", Message: "required", Code: ErrPackageNameEmpty}
	assert.Equal(t, "[E201] name: required", err.Error())
	err.Line = 3
	assert.Equal(t, "[E201] line 3: name: required", err.Error())
}
