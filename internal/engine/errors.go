package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/knowledge"
)

// ErrNilHandle is wrapped by the INVALID_HANDLE error for nil handles.
var ErrNilHandle = errors.New("nil fact handle")

// RuntimeError represents an error detected by a session.
//
// Runtime errors include:
//   - Invalid arguments: nil or foreign handles, nil facts
//   - Protected facts: deleting a logically inserted fact
//   - Evaluation faults: constraint or action failures, which poison the
//     session
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Handle is the fact handle ID involved, if any.
	Handle int64

	// Rule names the rule whose evaluation failed, if any.
	Rule string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidHandle indicates a nil handle or one not issued by the
	// session.
	ErrCodeInvalidHandle RuntimeErrorCode = "INVALID_HANDLE"

	// ErrCodeInvalidFact indicates a nil fact or one of no known type.
	ErrCodeInvalidFact RuntimeErrorCode = "INVALID_FACT"

	// ErrCodeLogicalFact indicates a delete of a logically inserted fact.
	ErrCodeLogicalFact RuntimeErrorCode = "LOGICAL_FACT"

	// ErrCodeEvaluationFault indicates a failed constraint evaluation or
	// action. The session is failed afterwards.
	ErrCodeEvaluationFault RuntimeErrorCode = "EVALUATION_FAULT"

	// ErrCodeSessionFailed indicates a call on a failed or disposed
	// session.
	ErrCodeSessionFailed RuntimeErrorCode = "SESSION_FAILED"

	// ErrCodeUnwiredPackage indicates a package whose accessors or
	// functions are not bound.
	ErrCodeUnwiredPackage RuntimeErrorCode = "UNWIRED_PACKAGE"

	// ErrCodeTypeInUse indicates a type removal refused by the knowledge
	// base.
	ErrCodeTypeInUse RuntimeErrorCode = "TYPE_IN_USE"

	// ErrCodeUnknownQuery indicates a query name with no compiled query.
	ErrCodeUnknownQuery RuntimeErrorCode = "UNKNOWN_QUERY"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Rule != "" {
		msg += fmt.Sprintf(" (rule=%s)", e.Rule)
	}
	if e.Handle != 0 {
		msg += fmt.Sprintf(" (handle=%d)", e.Handle)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsInvalidHandle returns true if the error is an invalid handle error.
// Uses errors.As to handle wrapped errors.
func IsInvalidHandle(err error) bool { return hasCode(err, ErrCodeInvalidHandle) }

// IsLogicalFact returns true if a delete was refused because the fact is
// logically justified.
func IsLogicalFact(err error) bool { return hasCode(err, ErrCodeLogicalFact) }

// IsEvaluationFault returns true if the error is an evaluation fault.
func IsEvaluationFault(err error) bool { return hasCode(err, ErrCodeEvaluationFault) }

// IsSessionFailed returns true if the session refused the call because it
// failed earlier or was disposed.
func IsSessionFailed(err error) bool { return hasCode(err, ErrCodeSessionFailed) }

// IsTypeInUse returns true if a type removal was refused.
func IsTypeInUse(err error) bool {
	return hasCode(err, ErrCodeTypeInUse) || errors.Is(err, knowledge.ErrTypeInUse)
}

// IsWiringFault returns true if the error stems from an unbound package
// or accessor slot.
func IsWiringFault(err error) bool {
	return hasCode(err, ErrCodeUnwiredPackage) ||
		errors.Is(err, knowledge.ErrUnwired) ||
		errors.Is(err, accessor.ErrUnwired)
}

// Classify maps knowledge base errors onto runtime error codes. Errors
// that already are runtime errors, and nil, are returned as they are.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return err
	}
	switch {
	case errors.Is(err, knowledge.ErrUnwired):
		return &RuntimeError{Code: ErrCodeUnwiredPackage, Message: "package is not wired", Err: err}
	case errors.Is(err, knowledge.ErrTypeInUse):
		return &RuntimeError{Code: ErrCodeTypeInUse, Message: "type is in use", Err: err}
	}
	return err
}

func invalidHandle(id int64, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: ErrCodeInvalidHandle, Message: fmt.Sprintf(format, args...), Handle: id}
}

func invalidFact(format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: ErrCodeInvalidFact, Message: fmt.Sprintf(format, args...)}
}

func evaluationFault(rule string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeEvaluationFault, Message: "evaluation failed", Rule: rule, Err: err}
}
