package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/engine"
	"github.com/roach88/rete/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s%v\n", event.Seq, event.Event, event.Rule, event.Facts)
		}
	}
	return buf.String()
}

// assertFactCount checks the number of facts in working memory.
func assertFactCount(sess *engine.Session, assertion Assertion) error {
	if got := sess.GetFactCount(); got != assertion.Count {
		return &AssertionError{
			Type:     AssertFactCount,
			Expected: fmt.Sprintf("%d facts", assertion.Count),
			Actual:   fmt.Sprintf("%d facts", got),
		}
	}
	return nil
}

// assertFired checks fired rules: the exact sequence when Rules is set,
// otherwise the number of firings of Rule.
func assertFired(trace []TraceEvent, fired []string, assertion Assertion) error {
	if len(assertion.Rules) > 0 {
		if !slices.Equal(fired, assertion.Rules) {
			return &AssertionError{
				Type:     AssertFired,
				Expected: fmt.Sprintf("rules fired in order %v", assertion.Rules),
				Actual:   fmt.Sprintf("%v", fired),
				Trace:    trace,
			}
		}
		return nil
	}

	count := 0
	for _, rule := range fired {
		if rule == assertion.Rule {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertFired,
			Expected: fmt.Sprintf("%d firings of %s", assertion.Count, assertion.Rule),
			Actual:   fmt.Sprintf("%d firings", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceContains checks that the trace holds an event of the rule
// whose facts start with the expected labels.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	event := assertion.Event
	if event == "" {
		event = "fired"
	}
	for _, e := range trace {
		if e.Rule == assertion.Rule && e.Event == event && hasPrefix(e.Facts, assertion.Facts) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s %s%v", event, assertion.Rule, assertion.Facts),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func hasPrefix(facts, want []string) bool {
	return len(want) <= len(facts) && slices.Equal(facts[:len(want)], want)
}

// assertQuery evaluates a query and compares its rows.
func assertQuery(sess *engine.Session, assertion Assertion) error {
	if msg := checkQuery(sess, assertion.Query, assertion.Rows); msg != "" {
		return &AssertionError{
			Type:     AssertQuery,
			Expected: fmt.Sprintf("query %s rows %v", assertion.Query, assertion.Rows),
			Actual:   msg,
		}
	}
	return nil
}

// checkQuery compares query rows against expected rows; each expected
// row is a subset match of variable values. Returns "" on a match.
func checkQuery(sess *engine.Session, name string, want []map[string]any) string {
	rows, err := sess.GetQueryResults(name)
	if err != nil {
		return err.Error()
	}
	if len(rows) != len(want) {
		return fmt.Sprintf("query %s returned %d rows, want %d", name, len(rows), len(want))
	}
	for i, expected := range want {
		for _, ref := range slices.Sorted(maps.Keys(expected)) {
			exp, err := convertToIRValue(expected[ref])
			if err != nil {
				return fmt.Sprintf("row %d: %s: %v", i, ref, err)
			}
			got, err := rows[i].Value(ref)
			if err != nil {
				return fmt.Sprintf("row %d: %v", i, err)
			}
			if !ir.Equal(exp, got) {
				return fmt.Sprintf("row %d: %s = %s, want %s", i, ref, ir.String(got), ir.String(exp))
			}
		}
	}
	return ""
}

// assertObjectsOfType checks the facts of a type: their count, or the
// field values of each in working memory order (subset match).
func assertObjectsOfType(sess *engine.Session, assertion Assertion) error {
	objects := sess.GetObjectsOfType(assertion.FactType)
	if len(assertion.Objects) == 0 {
		if len(objects) != assertion.Count {
			return &AssertionError{
				Type:     AssertObjectsOfType,
				Expected: fmt.Sprintf("%d facts of type %s", assertion.Count, assertion.FactType),
				Actual:   fmt.Sprintf("%d facts", len(objects)),
			}
		}
		return nil
	}

	if len(objects) != len(assertion.Objects) {
		return &AssertionError{
			Type:     AssertObjectsOfType,
			Expected: fmt.Sprintf("%d facts of type %s", len(assertion.Objects), assertion.FactType),
			Actual:   fmt.Sprintf("%d facts", len(objects)),
		}
	}
	for i, want := range assertion.Objects {
		rec, ok := objects[i].(*accessor.Record)
		if !ok {
			return fmt.Errorf("objects_of_type: fact %d of %s is %T, not a record", i, assertion.FactType, objects[i])
		}
		fields, err := convertArgsToIRObject(want)
		if err != nil {
			return fmt.Errorf("objects_of_type: object %d: %w", i, err)
		}
		if !matchFields(rec.Fields, fields) {
			return &AssertionError{
				Type:     AssertObjectsOfType,
				Expected: fmt.Sprintf("%s[%d] with %s", assertion.FactType, i, ir.String(fields)),
				Actual:   rec.String(),
			}
		}
	}
	return nil
}

// matchFields checks if actual contains all expected fields (subset
// match). Extra fields in actual are ignored.
func matchFields(actual, expected ir.IRObject) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			got = ir.IRNull{}
		}
		if !ir.Equal(got, want) {
			return false
		}
	}
	return true
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Session *engine.Session
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides the session for working memory assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFired:
			err = assertFired(result.Trace, result.Fired(), assertion)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertFactCount, AssertQuery, AssertObjectsOfType:
			if actx == nil || actx.Session == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a session", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertFactCount:
				err = assertFactCount(actx.Session, assertion)
			case AssertQuery:
				err = assertQuery(actx.Session, assertion)
			default:
				err = assertObjectsOfType(actx.Session, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
