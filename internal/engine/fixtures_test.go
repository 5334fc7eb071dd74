package engine

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/knowledge"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type Person struct {
	Name   string
	Age    int
	Likes  string
	Status string
}

type Cheese struct {
	Type  string
	Price int
}

type Alert struct {
	Msg string
}

type Unregistered struct{}

func newProvider() *accessor.ReflectProvider {
	p := accessor.NewReflectProvider()
	p.MustRegister("Person", Person{}).
		MustRegister("Cheese", Cheese{}).
		MustRegister("Alert", Alert{}).
		MustRegister("String", "")
	return p
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newKB(t *testing.T, def ir.PackageDef, opts ...knowledge.Option) *knowledge.KnowledgeBase {
	t.Helper()
	kb := knowledge.New(newProvider(), knowledge.WithLogger(discard))
	addPackage(t, kb, def, opts...)
	return kb
}

func addPackage(t *testing.T, kb *knowledge.KnowledgeBase, def ir.PackageDef, opts ...knowledge.Option) {
	t.Helper()
	u, err := knowledge.NewUnwired(def)
	require.NoError(t, err)
	pkg, err := kb.Wire(u, opts...)
	require.NoError(t, err)
	_, err = kb.AddPackage(pkg)
	require.NoError(t, err)
}

func newSession(t *testing.T, kb *knowledge.KnowledgeBase, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(kb, append([]SessionOption{WithLogger(discard)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Dispose)
	return s
}

func match(typeName, as string, cs ...ir.Constraint) ir.Pattern {
	return ir.Pattern{Type: typeName, Var: as, Constraints: cs}
}

func where(field string, op ir.Op, v ir.IRValue) ir.Constraint {
	return ir.Constraint{Field: field, Op: op, Value: v}
}

func join(field string, op ir.Op, ref string) ir.Constraint {
	return ir.Constraint{Field: field, Op: op, Ref: ref}
}

// countQuery counts every fact of typeName into $count.
func countQuery(name, typeName string) ir.RuleDef {
	return ir.RuleDef{
		Name: name,
		Kind: ir.KindQuery,
		Patterns: []ir.Pattern{{
			Kind:       ir.PatternAccumulate,
			Type:       typeName,
			Accumulate: &ir.AccumulateSpec{Function: "count", Result: "$count"},
		}},
	}
}

func queryCount(t *testing.T, s *Session, name string) int64 {
	t.Helper()
	rows, err := s.GetQueryResults(name)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	n, err := rows[0].Int("$count")
	require.NoError(t, err)
	return n
}

// adultAlert derives an Alert for every adult, held by truth maintenance.
func adultAlert() ir.RuleDef {
	return ir.RuleDef{
		Name:     "adultAlert",
		Patterns: []ir.Pattern{match("Person", "$p", where("age", ir.OpGe, ir.IRInt(18)))},
		Actions: []ir.ActionStep{{
			Op:     ir.ActionInsertLogical,
			Type:   "Alert",
			Fields: ir.IRObject{"msg": ir.IRString("$p.name")},
		}},
	}
}
