package engine

import (
	"fmt"
	"sort"

	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/network"
)

// Row is one result of a query: the match tuple and the query's
// variables bound against it.
type Row struct {
	rule  *network.Rule
	tuple *network.Tuple
}

// Vars returns the variables the query binds, sorted.
func (r Row) Vars() []string {
	out := make([]string, 0, len(r.rule.Vars))
	for name := range r.rule.Vars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Value returns a variable's value. ref may name a field of a fact
// variable ("$p.name").
func (r Row) Value(ref string) (ir.IRValue, error) {
	v, err := r.rule.Var(ref)
	if err != nil {
		return nil, err
	}
	return v.Read(r.tuple)
}

// Get returns a variable's value as plain Go, or nil when it cannot be
// read.
func (r Row) Get(ref string) any {
	v, err := r.Value(ref)
	if err != nil {
		return nil
	}
	return ir.ToGo(v)
}

// Int returns an integer variable, typically an accumulate result.
func (r Row) Int(ref string) (int64, error) {
	v, err := r.Value(ref)
	if err != nil {
		return 0, err
	}
	n, ok := v.(ir.IRInt)
	if !ok {
		return 0, fmt.Errorf("%s is %s, not int", ref, ir.Kind(v))
	}
	return int64(n), nil
}

// Fact returns the object a fact variable is bound to.
func (r Row) Fact(ref string) (any, error) {
	v, err := r.rule.Var(ref)
	if err != nil {
		return nil, err
	}
	return v.Object(r.tuple)
}

// Tuple returns the row's match tuple.
func (r Row) Tuple() *network.Tuple { return r.tuple }

// GetQueryResults returns the current rows of a query in match order.
// Queries are kept up to date by propagation; reading them does not
// fire rules.
func (s *Session) GetQueryResults(name string) ([]Row, error) {
	if s.disposed {
		return nil, &RuntimeError{Code: ErrCodeSessionFailed, Message: "session is disposed"}
	}
	q, ok := s.kb.Query(name)
	if !ok {
		return nil, &RuntimeError{Code: ErrCodeUnknownQuery, Message: fmt.Sprintf("no query named %s", name)}
	}
	tuples := s.rt.QueryResults(q.Terminal)
	rows := make([]Row, len(tuples))
	for i, t := range tuples {
		rows[i] = Row{rule: q, tuple: t}
	}
	s.logger.Debug("query evaluated", "query", name, "rows", len(rows))
	return rows, nil
}
