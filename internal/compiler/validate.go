package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/network"
)

// Validation error codes (E200-E299)
const (
	// General validation errors (E200)
	ErrUnsupportedIRType = "E200" // unsupported IR type for validation

	// Package errors (E201-E204)
	ErrPackageNameEmpty   = "E201" // package name is required
	ErrDuplicateName      = "E202" // duplicate type/rule/function/global/template/window name
	ErrInvalidFieldType   = "E203" // invalid type string
	ErrFloatTypeForbidden = "E204" // float types not allowed

	// Rule errors (E205-E212)
	ErrRuleNoPatterns      = "E205" // rule or query has no patterns
	ErrInvalidPattern      = "E206" // unknown pattern kind, missing type, bad accumulate
	ErrInvalidOperator     = "E207" // unknown constraint operator
	ErrUndefinedVariable   = "E208" // variable referenced before it is bound
	ErrInvalidAction       = "E209" // unknown op or missing action operand
	ErrUndeclaredFunction  = "E210" // call or accumulate function not declared
	ErrInvalidWindow       = "E211" // unknown window, bad length or type mismatch
	ErrQueryHasConsequence = "E212" // queries cannot have actions or calls
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates compiled IR against schema rules.
// Returns all errors found (does not fail-fast).
// Supports PackageDef and RuleDef; a lone RuleDef skips the checks that
// need its package (declared functions and windows).
func Validate(v any) []ValidationError {
	switch def := v.(type) {
	case *ir.PackageDef:
		return validatePackage(def)
	case ir.PackageDef:
		return validatePackage(&def)
	case *ir.RuleDef:
		return validateRule(def, def.Name, nil)
	case ir.RuleDef:
		return validateRule(&def, def.Name, nil)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

// packageScope holds what rules of a package may refer to.
type packageScope struct {
	functions   map[string]bool
	accumulates map[string]bool
	windows     map[string]ir.WindowDecl
}

func validatePackage(def *ir.PackageDef) []ValidationError {
	var errs []ValidationError

	// E201: name is required
	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: "package name is required and must be non-empty",
			Code:    ErrPackageNameEmpty,
		})
	}

	scope := &packageScope{
		functions:   make(map[string]bool),
		accumulates: make(map[string]bool),
		windows:     make(map[string]ir.WindowDecl),
	}
	for name := range network.Builtins() {
		scope.accumulates[name] = true
	}

	typeNames := make(map[string]bool)
	for i, t := range def.Types {
		errs = append(errs, duplicate(typeNames, t.Name, fmt.Sprintf("types[%d].name", i), "type")...)
		if t.Role != "" && t.Role != ir.RoleFact && t.Role != ir.RoleEvent {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("types[%d].role", i),
				Message: fmt.Sprintf("invalid role %q, must be %q or %q", t.Role, ir.RoleFact, ir.RoleEvent),
				Code:    ErrInvalidFieldType,
			})
		}
		errs = append(errs, validateFields(t.Fields, fmt.Sprintf("types[%d]", i))...)
	}

	templateNames := make(map[string]bool)
	for i, t := range def.FactTemplates {
		errs = append(errs, duplicate(templateNames, t.Name, fmt.Sprintf("fact_templates[%d].name", i), "template")...)
		errs = append(errs, validateFields(t.Fields, fmt.Sprintf("fact_templates[%d]", i))...)
	}

	for i, f := range def.Functions {
		errs = append(errs, duplicate(scope.functions, f.Name, fmt.Sprintf("functions[%d].name", i), "function")...)
	}
	for _, a := range def.AccumulateFunctions {
		scope.accumulates[a.Name] = true
	}

	globalNames := make(map[string]bool)
	for i, g := range def.Globals {
		errs = append(errs, duplicate(globalNames, g.Name, fmt.Sprintf("globals[%d].name", i), "global")...)
	}

	for i, w := range def.Windows {
		field := fmt.Sprintf("windows[%d]", i)
		if _, dup := scope.windows[w.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate window name: %q", w.Name),
				Code:    ErrDuplicateName,
			})
		}
		scope.windows[w.Name] = w
		if w.Length <= 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".length",
				Message: fmt.Sprintf("window %q length must be positive, got %d", w.Name, w.Length),
				Code:    ErrInvalidWindow,
			})
		}
		if w.Type == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".type",
				Message: fmt.Sprintf("window %q has no type", w.Name),
				Code:    ErrInvalidWindow,
			})
		}
	}

	ruleNames := make(map[string]bool)
	for i, r := range def.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(r.Name) == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: "rule name is required",
				Code:    ErrDuplicateName,
			})
		} else {
			errs = append(errs, duplicate(ruleNames, r.Name, field+".name", "rule")...)
		}
		errs = append(errs, validateRule(&def.Rules[i], field, scope)...)
	}

	return errs
}

func duplicate(seen map[string]bool, name, field, what string) []ValidationError {
	if seen[name] {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("duplicate %s name: %q", what, name),
			Code:    ErrDuplicateName,
		}}
	}
	seen[name] = true
	return nil
}

func validateFields(fields []ir.FieldDecl, prefix string) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)
	for j, f := range fields {
		path := fmt.Sprintf("%s.fields[%d]", prefix, j)
		errs = append(errs, duplicate(seen, f.Name, path+".name", "field")...)
		errs = append(errs, validateFieldType(f.Type, path+".type", f.Name)...)
	}
	return errs
}

// validateFieldType validates a type string, returning errors for invalid types and floats.
func validateFieldType(fieldType, fieldPath, fieldName string) []ValidationError {
	// E204: float forbidden, reported instead of E203
	if isFloatType(fieldType) {
		return []ValidationError{{
			Field:   fieldPath,
			Message: fmt.Sprintf("float type forbidden for field %q, use int instead", fieldName),
			Code:    ErrFloatTypeForbidden,
		}}
	}
	// E203: check for valid type
	if !isValidType(fieldType) {
		return []ValidationError{{
			Field:   fieldPath,
			Message: fmt.Sprintf("invalid type %q for field %q", fieldType, fieldName),
			Code:    ErrInvalidFieldType,
		}}
	}
	return nil
}

// validateRule checks one rule. scope is nil when the rule is validated
// outside its package.
func validateRule(rule *ir.RuleDef, field string, scope *packageScope) []ValidationError {
	var errs []ValidationError

	// E205: at least one pattern
	if len(rule.Patterns) == 0 {
		errs = append(errs, ValidationError{
			Field:   field + ".patterns",
			Message: fmt.Sprintf("%s %q must have at least one pattern", kindName(rule), rule.Name),
			Code:    ErrRuleNoPatterns,
		})
	}

	// E212: queries only collect matches
	if rule.IsQuery() && (len(rule.Actions) > 0 || rule.Call != "") {
		errs = append(errs, ValidationError{
			Field:   field + ".then",
			Message: fmt.Sprintf("query %q cannot have actions or a call", rule.Name),
			Code:    ErrQueryHasConsequence,
		})
	}

	vars := make(map[string]bool)
	factVars := make(map[string]bool)
	for i, p := range rule.Patterns {
		errs = append(errs, validatePattern(p, fmt.Sprintf("%s.patterns[%d]", field, i), vars, factVars, scope)...)
	}

	for i, step := range rule.Actions {
		errs = append(errs, validateAction(step, fmt.Sprintf("%s.actions[%d]", field, i), vars, factVars)...)
	}

	// E210: call must name a declared function
	if rule.Call != "" && scope != nil && !scope.functions[rule.Call] {
		errs = append(errs, ValidationError{
			Field:   field + ".call",
			Message: fmt.Sprintf("function %q is not declared", rule.Call),
			Code:    ErrUndeclaredFunction,
		})
	}
	return errs
}

func kindName(rule *ir.RuleDef) string {
	if rule.IsQuery() {
		return "query"
	}
	return "rule"
}

func validatePattern(p ir.Pattern, field string, vars, factVars map[string]bool, scope *packageScope) []ValidationError {
	var errs []ValidationError
	invalid := func(format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: ErrInvalidPattern})
	}

	if p.Type == "" {
		invalid("pattern type is required")
	}
	kind := p.PatternKind()
	switch kind {
	case ir.PatternMatch, ir.PatternNot, ir.PatternExists, ir.PatternAccumulate:
	default:
		invalid("invalid pattern kind %q", p.Kind)
	}

	// Constraints see variables bound by earlier patterns only.
	for j, c := range p.Constraints {
		cf := fmt.Sprintf("%s.constraints[%d]", field, j)
		if !c.Op.Valid() {
			errs = append(errs, ValidationError{
				Field:   cf + ".op",
				Message: fmt.Sprintf("invalid operator %q", c.Op),
				Code:    ErrInvalidOperator,
			})
		}
		if c.IsJoin() {
			errs = append(errs, checkRef(c.Ref, cf+".ref", vars, factVars)...)
		}
	}

	if p.Window != "" && scope != nil {
		w, ok := scope.windows[p.Window]
		switch {
		case !ok:
			errs = append(errs, ValidationError{
				Field:   field + ".window",
				Message: fmt.Sprintf("window %q is not declared", p.Window),
				Code:    ErrInvalidWindow,
			})
		case w.Type != p.Type:
			errs = append(errs, ValidationError{
				Field:   field + ".window",
				Message: fmt.Sprintf("window %q is over %s, not %s", p.Window, w.Type, p.Type),
				Code:    ErrInvalidWindow,
			})
		}
	}

	bind := func(name, at string, fact bool) {
		if !strings.HasPrefix(name, "$") {
			invalid("variable %q must start with $", name)
			return
		}
		if vars[name] {
			errs = append(errs, ValidationError{
				Field:   at,
				Message: fmt.Sprintf("variable %s bound twice", name),
				Code:    ErrDuplicateName,
			})
		}
		vars[name] = true
		if fact {
			factVars[name] = true
		}
	}

	switch kind {
	case ir.PatternMatch:
		if p.Var != "" {
			bind(p.Var, field+".var", true)
		}
		for j, b := range p.Bindings {
			bind(b.Var, fmt.Sprintf("%s.bindings[%d]", field, j), false)
		}
	case ir.PatternAccumulate:
		if p.Accumulate == nil || p.Accumulate.Function == "" {
			invalid("accumulate pattern needs a function")
			break
		}
		if scope != nil && !scope.accumulates[p.Accumulate.Function] {
			errs = append(errs, ValidationError{
				Field:   field + ".accumulate.function",
				Message: fmt.Sprintf("accumulate function %q is not built in or declared", p.Accumulate.Function),
				Code:    ErrUndeclaredFunction,
			})
		}
		if p.Accumulate.Result != "" {
			bind(p.Accumulate.Result, field+".accumulate.result", false)
		}
	case ir.PatternNot, ir.PatternExists:
		if p.Var != "" || len(p.Bindings) > 0 {
			invalid("%s pattern cannot bind variables", kind)
		}
	}
	return errs
}

func validateAction(step ir.ActionStep, field string, vars, factVars map[string]bool) []ValidationError {
	var errs []ValidationError
	invalid := func(format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: ErrInvalidAction})
	}

	switch step.Op {
	case ir.ActionInsert, ir.ActionInsertLogical:
		if step.Type == "" {
			invalid("%s needs a type", step.Op)
		}
	case ir.ActionModify, ir.ActionDelete:
		if step.Target == "" {
			invalid("%s needs a target", step.Op)
		} else if !factVars[step.Target] {
			errs = append(errs, ValidationError{
				Field:   field + ".target",
				Message: fmt.Sprintf("%s is not a fact variable bound with \"as\"", step.Target),
				Code:    ErrUndefinedVariable,
			})
		}
	case ir.ActionAppend, ir.ActionSetGlobal:
		if step.Global == "" {
			invalid("%s needs a global", step.Op)
		}
		if step.Value == nil {
			invalid("%s needs a value", step.Op)
		}
	default:
		invalid("invalid action op %q", step.Op)
	}

	for _, key := range step.Fields.SortedKeys() {
		errs = append(errs, checkRefs(step.Fields[key], field+".fields."+key, vars, factVars)...)
	}
	if step.Value != nil {
		errs = append(errs, checkRefs(step.Value, field+".value", vars, factVars)...)
	}
	return errs
}

// checkRefs validates every variable reference inside v.
func checkRefs(v ir.IRValue, field string, vars, factVars map[string]bool) []ValidationError {
	switch t := v.(type) {
	case ir.IRString:
		if ref, ok := ir.RefOf(t); ok {
			return checkRef(ref, field, vars, factVars)
		}
	case ir.IRArray:
		var errs []ValidationError
		for i, e := range t {
			errs = append(errs, checkRefs(e, fmt.Sprintf("%s[%d]", field, i), vars, factVars)...)
		}
		return errs
	case ir.IRObject:
		var errs []ValidationError
		for _, k := range t.SortedKeys() {
			errs = append(errs, checkRefs(t[k], field+"."+k, vars, factVars)...)
		}
		return errs
	}
	return nil
}

func checkRef(ref, field string, vars, factVars map[string]bool) []ValidationError {
	if vars[ref] {
		return nil
	}
	variable, sub, ok := ir.ParseRef(ref)
	if !ok {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("%q is not a variable reference", ref),
			Code:    ErrUndefinedVariable,
		}}
	}
	if !vars[variable] {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("undefined variable %s", variable),
			Code:    ErrUndefinedVariable,
		}}
	}
	if sub != "" && !factVars[variable] {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("%s is not a fact variable; %s cannot be read", variable, ref),
			Code:    ErrUndefinedVariable,
		}}
	}
	return nil
}

// isValidType checks if a type string is valid for IR.
func isValidType(t string) bool {
	switch t {
	case "string", "int", "bool", "array", "object":
		return true
	}
	return false
}

// isFloatType checks if a type string represents a float type.
func isFloatType(t string) bool {
	switch t {
	case "float", "float32", "float64", "number", "double":
		return true
	}
	return false
}
