package compiler

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rete/internal/ir"
)

const cheeseSource = `
name: "org.example.cheese"
imports: ["org.example.model"]
entry_points: ["DEFAULT"]
types: {
	Person: {fields: {name: string, age: int, likes: string}}
	Cheese: {role: "fact", fields: {type: string, price: int}}
	Sale:   {role: "event", fields: {amount: int}}
}
templates: Alert: {fields: {msg: string, level: int | *1}}
globals: list: "list"
functions: audit: {description: "records the match"}
accumulate_functions: ["median"]
windows: recent: {type: "Sale", length: 3}
resources: cue: ["org.example.cheese"]

rules: "adult": {
	salience: 10
	no_loop:  true
	when: [
		{type: "Person", as: "$p", where: [{field: "age", op: ">=", value: 18}], bind: {"$name": "name"}},
		{kind: "not", type: "Cheese", where: [{field: "type", ref: "$p.likes"}]},
	]
	then: [
		{op: "insertLogical", type: "Alert", fields: {msg: "$name"}},
		{op: "append", global: "list", value: "$name"},
	]
	call: "audit"
}
queries: "countPerson": {
	when: [{kind: "accumulate", type: "Person", function: "count", result: "$personCount"}]
}
`

func TestCompileSource(t *testing.T) {
	def, err := CompileSource("cheese.cue", []byte(cheeseSource))
	require.NoError(t, err)

	assert.Equal(t, "org.example.cheese", def.Name)
	assert.Equal(t, []string{"org.example.model"}, def.Imports)
	assert.Equal(t, []string{"DEFAULT"}, def.EntryPoints)
	assert.Equal(t, map[string][]string{"cue": {"org.example.cheese"}}, def.Resources)

	require.Len(t, def.Types, 3)
	assert.Equal(t, ir.TypeDecl{Name: "Person", Fields: []ir.FieldDecl{
		{Name: "name", Type: "string"},
		{Name: "age", Type: "int"},
		{Name: "likes", Type: "string"},
	}}, def.Types[0])
	assert.Equal(t, ir.RoleEvent, def.Types[2].Role)

	require.Len(t, def.FactTemplates, 1)
	assert.Equal(t, ir.IRObject{"level": ir.IRInt(1)}, def.FactTemplates[0].Defaults)
	assert.Equal(t, []ir.GlobalDecl{{Name: "list", Type: "list"}}, def.Globals)
	assert.Equal(t, []ir.FunctionDecl{{Name: "audit", Description: "records the match"}}, def.Functions)
	assert.Equal(t, []ir.AccumulateFunctionDecl{{Name: "median"}}, def.AccumulateFunctions)
	assert.Equal(t, []ir.WindowDecl{{Name: "recent", Type: "Sale", Length: 3}}, def.Windows)

	require.Len(t, def.Rules, 2)
	adult := def.Rules[0]
	assert.Equal(t, "adult", adult.Name)
	assert.False(t, adult.IsQuery())
	assert.Equal(t, 10, adult.Salience)
	assert.True(t, adult.NoLoop)
	assert.Equal(t, "audit", adult.Call)

	require.Len(t, adult.Patterns, 2)
	assert.Equal(t, "$p", adult.Patterns[0].Var)
	assert.Equal(t, []ir.Binding{{Var: "$name", Field: "name"}}, adult.Patterns[0].Bindings)
	assert.Equal(t, ir.OpGe, adult.Patterns[0].Constraints[0].Op)
	assert.Equal(t, ir.IRInt(18), adult.Patterns[0].Constraints[0].Value)
	assert.Equal(t, ir.PatternNot, adult.Patterns[1].Kind)
	assert.Equal(t, ir.OpEq, adult.Patterns[1].Constraints[0].Op, "op defaults to ==")
	assert.Equal(t, "$p.likes", adult.Patterns[1].Constraints[0].Ref)

	require.Len(t, adult.Actions, 2)
	assert.Equal(t, ir.ActionStep{Op: ir.ActionInsertLogical, Type: "Alert", Fields: ir.IRObject{"msg": ir.IRString("$name")}}, adult.Actions[0])
	assert.Equal(t, ir.IRString("$name"), adult.Actions[1].Value)

	count := def.Rules[1]
	assert.True(t, count.IsQuery())
	require.NotNil(t, count.Patterns[0].Accumulate)
	assert.Equal(t, ir.AccumulateSpec{Function: "count", Result: "$personCount"}, *count.Patterns[0].Accumulate)

	assert.Empty(t, Validate(def))
}

func TestCompileRule(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`rules: "r": {when: [{type: "Person", where: [{field: "tags", op: "contains", value: ["a", 1, true, null]}]}]}`)
	require.NoError(t, v.Err())

	rule, err := CompileRule(v.LookupPath(cue.ParsePath(`rules."r"`)), ir.KindRule)
	require.NoError(t, err)
	assert.Equal(t, "r", rule.Name)
	assert.Equal(t, ir.IRArray{ir.IRString("a"), ir.IRInt(1), ir.IRBool(true), ir.IRNull{}}, rule.Patterns[0].Constraints[0].Value)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		field   string
		message string
	}{
		{"missing name", `types: {}`, "name", "package name is required"},
		{"missing when", `name: "p"
rules: r: {then: []}`, "r.when", "when clause is required"},
		{"missing pattern type", `name: "p"
rules: r: {when: [{as: "$p"}]}`, "when.type", "pattern type is required"},
		{"missing constraint field", `name: "p"
rules: r: {when: [{type: "P", where: [{op: "=="}]}]}`, "where.field", "constraint field is required"},
		{"missing action op", `name: "p"
rules: r: {when: [{type: "P"}], then: [{type: "X"}]}`, "then.op", "action op is required"},
		{"float field", `name: "p"
types: P: {fields: {score: float}}`, "type", "float types are forbidden"},
		{"float value", `name: "p"
rules: r: {when: [{type: "P", where: [{field: "x", value: 1.5}]}]}`, "value", "float values are forbidden"},
		{"non-concrete value", `name: "p"
rules: r: {when: [{type: "P", where: [{field: "x", value: string}]}]}`, "value", "must be concrete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSource("bad.cue", []byte(tt.src))
			require.Error(t, err)
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.Contains(t, ce.Message, tt.message)
		})
	}
}

func TestCompileErrorPosition(t *testing.T) {
	_, err := CompileSource("bad.cue", []byte("name: \"p\"\nname: \"q\"\n"))
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "cue", ce.Field)
	assert.True(t, ce.Pos.IsValid())
	assert.Contains(t, err.Error(), "bad.cue:")
}

func TestCompileErrorString(t *testing.T) {
	err := &CompileError{Field: "name", Message: "package name is required"}
	assert.Equal(t, "name: package name is required", err.Error())
}
