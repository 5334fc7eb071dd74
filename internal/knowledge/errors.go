package knowledge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/rete/internal/accessor"
)

// Sentinel errors. Use errors.Is to test for them.
var (
	// ErrUnwired reports a package whose accessors or functions could not
	// all be bound.
	ErrUnwired = errors.New("package is not wired")

	// ErrTypeInUse reports a type removal refused because rules match the
	// type or live facts have it.
	ErrTypeInUse = errors.New("type is in use")

	// ErrInvalidPackage reports a package marked invalid.
	ErrInvalidPackage = errors.New("package is invalid")
)

// WiringError lists what Wire could not bind.
type WiringError struct {
	Package   string
	Accessors []accessor.Entry
	Functions []string
	Err       error
}

func (e *WiringError) Error() string {
	var parts []string
	if len(e.Accessors) > 0 {
		names := make([]string, len(e.Accessors))
		for i, a := range e.Accessors {
			names[i] = a.Type + "." + a.Field
		}
		parts = append(parts, "accessors "+strings.Join(names, ", "))
	}
	if len(e.Functions) > 0 {
		parts = append(parts, "functions "+strings.Join(e.Functions, ", "))
	}
	msg := fmt.Sprintf("package %s: unbound %s", e.Package, strings.Join(parts, "; "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrUnwired) true for wiring errors.
func (e *WiringError) Is(target error) bool {
	return target == ErrUnwired
}

func (e *WiringError) Unwrap() error { return e.Err }

// Severity grades a build result.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Build result codes reported by Merge.
const (
	CodeTypeRedeclared       = "TYPE_REDECLARED"
	CodeGlobalTypeChanged    = "GLOBAL_TYPE_CHANGED"
	CodeFunctionRedeclared   = "FUNCTION_REDECLARED"
	CodeTemplateRedeclared   = "TEMPLATE_REDECLARED"
	CodeWindowRedeclared     = "WINDOW_REDECLARED"
	CodeAccumulateRedeclared = "ACCUMULATE_REDECLARED"
	CodeRuleReplaced         = "RULE_REPLACED"
)

// BuildResult is a non-fatal finding from merging packages.
type BuildResult struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Package  string   `json:"package"`
	Message  string   `json:"message"`
}

func (r BuildResult) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", r.Severity, r.Code, r.Package, r.Message)
}

func warning(pkg, code, format string, args ...any) BuildResult {
	return BuildResult{Severity: SeverityWarning, Code: code, Package: pkg, Message: fmt.Sprintf(format, args...)}
}
