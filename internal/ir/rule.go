package ir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PackageDef is the compiled, not yet wired form of a knowledge package.
// The rule compiler produces it; knowledge.NewUnwired turns it into a
// package that can be wired against an accessor provider.
type PackageDef struct {
	Name                string                   `json:"name"`
	Imports             []string                 `json:"imports,omitempty"`
	StaticImports       []string                 `json:"static_imports,omitempty"`
	Types               []TypeDecl               `json:"types,omitempty"`
	Functions           []FunctionDecl           `json:"functions,omitempty"`
	AccumulateFunctions []AccumulateFunctionDecl `json:"accumulate_functions,omitempty"`
	FactTemplates       []FactTemplate           `json:"fact_templates,omitempty"`
	Globals             []GlobalDecl             `json:"globals,omitempty"`
	Rules               []RuleDef                `json:"rules,omitempty"`
	EntryPoints         []string                 `json:"entry_points,omitempty"`
	Windows             []WindowDecl             `json:"windows,omitempty"`
	Resources           map[string][]string      `json:"resources,omitempty"`
}

// Fact type roles.
const (
	RoleFact  = "fact"
	RoleEvent = "event"
)

// TypeDecl declares a fact type and its fields.
type TypeDecl struct {
	Name   string      `json:"name"`
	Role   string      `json:"role,omitempty"`
	Fields []FieldDecl `json:"fields,omitempty"`
}

// FieldNames returns the declared field names in declaration order.
func (t TypeDecl) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// FieldDecl declares one field of a type or fact template.
// Type is one of the kind names: string, int, bool, array, object.
type FieldDecl struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// FunctionDecl names a Go function a rule consequence may call.
// The function itself is bound when the package is wired.
type FunctionDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AccumulateFunctionDecl names a custom accumulate function the package
// depends on. Built-in functions need no declaration.
type AccumulateFunctionDecl struct {
	Name string `json:"name"`
}

// FactTemplate is an untyped record type: insert actions build facts
// from it, with Defaults filling fields the action does not set.
type FactTemplate struct {
	Name     string      `json:"name"`
	Fields   []FieldDecl `json:"fields"`
	Defaults IRObject    `json:"defaults,omitempty"`
}

// GlobalDecl declares a session global. Type is a free-form hint
// ("list", "string", "int", ...); a change of Type between two packages
// of the same name is a merge conflict.
type GlobalDecl struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// WindowDecl declares a sliding length window over facts of a type:
// only the Length most recently inserted matching facts are visible to
// patterns that reference the window.
type WindowDecl struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Length int    `json:"length"`
}

// Rule kinds.
const (
	KindRule  = "rule"
	KindQuery = "query"
)

// Dialects a consequence can be expressed in.
const (
	DialectDeclarative = "declarative"
	DialectGo          = "go"
)

// RuleDef is a compiled rule or query.
//
// Patterns are matched in order; each one adds one level to the match
// tuple. Actions run first, then Call (if set) is invoked.
type RuleDef struct {
	Name     string       `json:"name"`
	Kind     string       `json:"kind,omitempty"`
	Salience int          `json:"salience,omitempty"`
	NoLoop   bool         `json:"no_loop,omitempty"`
	Patterns []Pattern    `json:"patterns,omitempty"`
	Actions  []ActionStep `json:"actions,omitempty"`
	Call     string       `json:"call,omitempty"`
}

// IsQuery reports whether the definition is a query.
func (r RuleDef) IsQuery() bool {
	return r.Kind == KindQuery
}

// Dialect reports how the consequence is expressed.
func (r RuleDef) Dialect() string {
	if r.Call != "" {
		return DialectGo
	}
	return DialectDeclarative
}

// Types returns the fact types the rule's patterns match, deduplicated,
// in pattern order.
func (r RuleDef) Types() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range r.Patterns {
		if p.Type != "" && !seen[p.Type] {
			seen[p.Type] = true
			out = append(out, p.Type)
		}
	}
	return out
}

// Pattern kinds.
const (
	PatternMatch      = "match"
	PatternNot        = "not"
	PatternExists     = "exists"
	PatternAccumulate = "accumulate"
)

// Pattern matches facts of one type.
//
// Constraints with a literal Value filter single facts; constraints with
// a Ref compare against a variable bound by an earlier pattern and become
// join tests.
type Pattern struct {
	Kind        string          `json:"kind,omitempty"`
	Type        string          `json:"type"`
	Var         string          `json:"var,omitempty"`
	Window      string          `json:"window,omitempty"`
	Constraints []Constraint    `json:"constraints,omitempty"`
	Bindings    []Binding       `json:"bindings,omitempty"`
	Accumulate  *AccumulateSpec `json:"accumulate,omitempty"`
}

// PatternKind returns Kind, defaulting to PatternMatch.
func (p Pattern) PatternKind() string {
	if p.Kind == "" {
		return PatternMatch
	}
	return p.Kind
}

// Binding binds a variable to a field of the matched fact.
type Binding struct {
	Var   string `json:"var"`
	Field string `json:"field"`
}

// AccumulateSpec folds the facts matched by an accumulate pattern with
// Function over Field, binding the result to Result.
type AccumulateSpec struct {
	Function string `json:"function"`
	Field    string `json:"field,omitempty"`
	Result   string `json:"result"`
}

// Constraint compares one field of the matched fact. Exactly one of Value
// and Ref is meaningful: Ref names a variable ("$name") or a field of a
// bound fact ("$p.name").
type Constraint struct {
	Field string  `json:"field"`
	Op    Op      `json:"op"`
	Value IRValue `json:"-"`
	Ref   string  `json:"ref,omitempty"`
}

// IsJoin reports whether the constraint references another pattern.
func (c Constraint) IsJoin() bool {
	return c.Ref != ""
}

type constraintJSON struct {
	Field string          `json:"field"`
	Op    Op              `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Constraint) MarshalJSON() ([]byte, error) {
	out := constraintJSON{Field: c.Field, Op: c.Op, Ref: c.Ref}
	if c.Ref == "" {
		raw, err := MarshalIRValue(c.Value)
		if err != nil {
			return nil, err
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Constraint) UnmarshalJSON(data []byte) error {
	var in constraintJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*c = Constraint{Field: in.Field, Op: in.Op, Ref: in.Ref, Value: IRNull{}}
	if len(in.Value) > 0 {
		v, err := DecodeValue(in.Value)
		if err != nil {
			return fmt.Errorf("constraint %s value: %w", in.Field, err)
		}
		c.Value = v
	}
	return nil
}

// Action operations.
const (
	ActionInsert        = "insert"
	ActionInsertLogical = "insertLogical"
	ActionModify        = "modify"
	ActionDelete        = "delete"
	ActionAppend        = "append"
	ActionSetGlobal     = "setGlobal"
)

// ActionStep is one declarative consequence step.
//
// String values that start with "$" are variable references, resolved
// against the match when the step runs.
type ActionStep struct {
	Op     string   `json:"op"`
	Type   string   `json:"type,omitempty"`
	Target string   `json:"target,omitempty"`
	Fields IRObject `json:"fields,omitempty"`
	Global string   `json:"global,omitempty"`
	Value  IRValue  `json:"-"`
}

type actionStepJSON struct {
	Op     string          `json:"op"`
	Type   string          `json:"type,omitempty"`
	Target string          `json:"target,omitempty"`
	Fields IRObject        `json:"fields,omitempty"`
	Global string          `json:"global,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a ActionStep) MarshalJSON() ([]byte, error) {
	out := actionStepJSON{Op: a.Op, Type: a.Type, Target: a.Target, Fields: a.Fields, Global: a.Global}
	if a.Value != nil {
		raw, err := MarshalIRValue(a.Value)
		if err != nil {
			return nil, err
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *ActionStep) UnmarshalJSON(data []byte) error {
	var in actionStepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*a = ActionStep{Op: in.Op, Type: in.Type, Target: in.Target, Fields: in.Fields, Global: in.Global}
	if len(in.Value) > 0 {
		v, err := DecodeValue(in.Value)
		if err != nil {
			return fmt.Errorf("action %s value: %w", in.Op, err)
		}
		a.Value = v
	}
	return nil
}

// ParseRef splits a variable reference into its variable and optional
// field: "$p.name" yields ("$p", "name"), "$name" yields ("$name", "").
// ok is false when s is not a reference.
func ParseRef(s string) (variable, field string, ok bool) {
	if !strings.HasPrefix(s, "$") || len(s) < 2 {
		return "", "", false
	}
	variable, field, _ = strings.Cut(s, ".")
	return variable, field, true
}

// RefOf reports whether v is a variable reference and returns it.
func RefOf(v IRValue) (string, bool) {
	s, ok := v.(IRString)
	if !ok {
		return "", false
	}
	if _, _, isRef := ParseRef(string(s)); !isRef {
		return "", false
	}
	return string(s), true
}
