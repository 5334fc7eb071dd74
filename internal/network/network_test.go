package network

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/memory"
)

type storeBindings struct {
	store    *accessor.Store
	provider accessor.Provider
}

func (b storeBindings) Binding(typeName, field string) (*accessor.Binding, error) {
	if slot, ok := b.store.Lookup(typeName, field); ok && slot.Wired() {
		return slot, nil
	}
	acc, err := b.provider.Accessor(typeName, field)
	if err != nil {
		return nil, err
	}
	slot := b.store.Get(typeName, field)
	slot.Bind(acc)
	return slot, nil
}

type recordingSink struct {
	active map[string][]*Tuple
	events []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{active: make(map[string][]*Tuple)}
}

func (s *recordingSink) Activate(rule *Rule, _ NodeID, t *Tuple) error {
	s.active[rule.Name] = append(s.active[rule.Name], t)
	s.events = append(s.events, "+"+rule.Name+t.String())
	return nil
}

func (s *recordingSink) Deactivate(rule *Rule, _ NodeID, t *Tuple) {
	list := s.active[rule.Name]
	for i, x := range list {
		if x == t {
			s.active[rule.Name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	s.events = append(s.events, "-"+rule.Name+t.String())
}

func (s *recordingSink) count(rule string) int {
	return len(s.active[rule])
}

// fixture is a network with one live runtime over a working memory.
type fixture struct {
	t    *testing.T
	net  *Network
	opts RuleOptions
	mem  *memory.Memory
	sink *recordingSink
	rt   *Runtime
	seq  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	records := accessor.NewRecordProvider()
	records.Declare("Person", "name", "age", "likes")
	records.Declare("Cheese", "type", "price")
	records.Declare("Word", "text")

	f := &fixture{
		t:   t,
		net: New(),
		opts: RuleOptions{
			Package:      "test",
			Bindings:     storeBindings{store: accessor.NewStore(), provider: records},
			Windows:      map[string]ir.WindowDecl{"lastTwo": {Name: "lastTwo", Type: "Cheese", Length: 2}},
			Accumulators: Builtins(),
		},
		mem:  memory.New(),
		sink: newRecordingSink(),
	}
	rt, err := NewRuntime(f.net, f.sink, f.mem)
	require.NoError(t, err)
	f.rt = rt
	return f
}

func (f *fixture) add(def ir.RuleDef) *Rule {
	f.t.Helper()
	rule, created, err := f.net.AddRule(def, f.opts)
	require.NoError(f.t, err)
	require.NoError(f.t, f.rt.Init(created, f.mem))
	return rule
}

func (f *fixture) remove(name string) {
	f.t.Helper()
	removed, err := f.net.RemoveRule(name)
	require.NoError(f.t, err)
	f.rt.Drop(removed)
}

func (f *fixture) insert(typeName string, fields ir.IRObject) *memory.FactHandle {
	f.t.Helper()
	f.seq++
	h, _ := f.mem.Insert(accessor.NewRecord(typeName, fields), []string{typeName}, f.seq)
	require.NoError(f.t, f.rt.Assert(h))
	return h
}

func (f *fixture) retract(h *memory.FactHandle) {
	f.t.Helper()
	require.NoError(f.t, f.rt.Retract(h))
	f.mem.Remove(h)
}

func (f *fixture) update(h *memory.FactHandle, field string, v ir.IRValue) {
	f.t.Helper()
	require.NoError(f.t, f.rt.Retract(h))
	h.Object().(*accessor.Record).Fields[field] = v
	f.seq++
	f.mem.Touch(h, f.seq)
	require.NoError(f.t, f.rt.Assert(h))
}

func person(name string, age int64) ir.IRObject {
	return ir.IRObject{"name": ir.IRString(name), "age": ir.IRInt(age)}
}

func adults(name string) ir.RuleDef {
	return ir.RuleDef{
		Name: name,
		Patterns: []ir.Pattern{{
			Type: "Person", Var: "$p",
			Constraints: []ir.Constraint{{Field: "age", Op: ir.OpGe, Value: ir.IRInt(18)}},
		}},
	}
}

func TestAlphaFilter(t *testing.T) {
	f := newFixture(t)
	f.add(adults("adults"))

	f.insert("Person", person("a", 30))
	f.insert("Person", person("b", 10))
	assert.Equal(t, 1, f.sink.count("adults"))
}

func TestAlphaNodesShared(t *testing.T) {
	f := newFixture(t)
	r1 := f.add(adults("r1"))
	r2 := f.add(adults("r2"))

	// type node and alpha node are shared, terminals are not
	assert.Equal(t, r1.Nodes()[:2], r2.Nodes()[:2])
	alpha := f.net.Node(r1.Nodes()[1])
	assert.Equal(t, KindAlpha, alpha.Kind)
	assert.Equal(t, 2, alpha.Refs())

	f.insert("Person", person("a", 30))
	assert.Equal(t, 1, f.sink.count("r1"))
	assert.Equal(t, 1, f.sink.count("r2"))

	f.remove("r1")
	assert.False(t, alpha.Removed())
	assert.Equal(t, 1, alpha.Refs())
	assert.Zero(t, f.sink.count("r1"))
	assert.Equal(t, 1, f.sink.count("r2"))

	f.remove("r2")
	assert.True(t, alpha.Removed())
	_, ok := f.net.TypeNode("Person")
	assert.False(t, ok)
}

func TestBetaNodesShared(t *testing.T) {
	f := newFixture(t)
	def := func(name string) ir.RuleDef {
		return ir.RuleDef{Name: name, Patterns: []ir.Pattern{
			{Type: "Person", Bindings: []ir.Binding{{Var: "$likes", Field: "likes"}}},
			{Type: "Cheese", Constraints: []ir.Constraint{{Field: "type", Op: ir.OpEq, Ref: "$likes"}}},
		}}
	}
	r1 := f.add(def("r1"))
	r2 := f.add(def("r2"))
	assert.Equal(t, r1.Nodes()[:len(r1.Nodes())-1], r2.Nodes()[:len(r2.Nodes())-1])
	assert.NotEqual(t, r1.Terminal, r2.Terminal)
}

func TestJoinAndRetract(t *testing.T) {
	f := newFixture(t)
	f.add(ir.RuleDef{Name: "likes", Patterns: []ir.Pattern{
		{Type: "Person", Var: "$p"},
		{Type: "Cheese", Constraints: []ir.Constraint{{Field: "type", Op: ir.OpEq, Ref: "$p.likes"}}},
	}})

	f.insert("Person", ir.IRObject{"name": ir.IRString("a"), "likes": ir.IRString("brie")})
	f.insert("Person", ir.IRObject{"name": ir.IRString("b"), "likes": ir.IRString("stilton")})
	brie := f.insert("Cheese", ir.IRObject{"type": ir.IRString("brie")})
	f.insert("Cheese", ir.IRObject{"type": ir.IRString("gouda")})
	assert.Equal(t, 1, f.sink.count("likes"))

	f.retract(brie)
	assert.Zero(t, f.sink.count("likes"))
}

func TestIndexedJoinMemoriesEmptyAfterRetract(t *testing.T) {
	f := newFixture(t)
	rule := f.add(ir.RuleDef{Name: "same", Patterns: []ir.Pattern{
		{Type: "Word", Bindings: []ir.Binding{{Var: "$text", Field: "text"}}},
		{Type: "Cheese", Constraints: []ir.Constraint{{Field: "type", Op: ir.OpEq, Ref: "$text"}}},
	}})
	join := f.net.Node(f.net.Node(rule.Terminal).Parent)
	assert.Equal(t, 0, join.Index)

	w := f.insert("Word", ir.IRObject{"text": ir.IRString("brie")})
	c := f.insert("Cheese", ir.IRObject{"type": ir.IRString("brie")})
	assert.Equal(t, 1, f.sink.count("same"))

	f.retract(c)
	f.retract(w)
	assert.Zero(t, f.sink.count("same"))

	m := f.rt.beta[join.ID]
	assert.Zero(t, m.left.len())
	assert.Zero(t, m.right.len())
	assert.Empty(t, m.leftIdx)
	assert.Empty(t, m.rightIdx)
	assert.Empty(t, m.outByRight)
}

func TestRetractAfterInPlaceMutation(t *testing.T) {
	f := newFixture(t)
	f.add(adults("adults"))

	h := f.insert("Person", person("a", 30))
	require.Equal(t, 1, f.sink.count("adults"))

	// Mutate without telling the network, then retract.
	h.Object().(*accessor.Record).Fields["age"] = ir.IRInt(5)
	f.retract(h)
	assert.Zero(t, f.sink.count("adults"))
}

func TestNotNode(t *testing.T) {
	f := newFixture(t)
	f.add(ir.RuleDef{Name: "noCheese", Patterns: []ir.Pattern{{Kind: ir.PatternNot, Type: "Cheese"}}})
	assert.Equal(t, 1, f.sink.count("noCheese"))

	c1 := f.insert("Cheese", ir.IRObject{"type": ir.IRString("brie")})
	assert.Zero(t, f.sink.count("noCheese"))
	c2 := f.insert("Cheese", ir.IRObject{"type": ir.IRString("gouda")})

	f.retract(c1)
	assert.Zero(t, f.sink.count("noCheese"))
	f.retract(c2)
	assert.Equal(t, 1, f.sink.count("noCheese"))
}

func TestNotNodeWithJoin(t *testing.T) {
	f := newFixture(t)
	f.add(ir.RuleDef{Name: "unmatched", Patterns: []ir.Pattern{
		{Type: "Person", Bindings: []ir.Binding{{Var: "$likes", Field: "likes"}}},
		{Kind: ir.PatternNot, Type: "Cheese", Constraints: []ir.Constraint{{Field: "type", Op: ir.OpEq, Ref: "$likes"}}},
	}})

	f.insert("Person", ir.IRObject{"likes": ir.IRString("brie")})
	f.insert("Person", ir.IRObject{"likes": ir.IRString("gouda")})
	assert.Equal(t, 2, f.sink.count("unmatched"))

	brie := f.insert("Cheese", ir.IRObject{"type": ir.IRString("brie")})
	assert.Equal(t, 1, f.sink.count("unmatched"))

	f.update(brie, "type", ir.IRString("gouda"))
	assert.Equal(t, 1, f.sink.count("unmatched"))
	lone := f.sink.active["unmatched"][0]
	assert.Equal(t, ir.IRString("brie"), lone.At(1).Handle().Object().(*accessor.Record).Get("likes"))
}

func TestExistsNode(t *testing.T) {
	f := newFixture(t)
	f.add(ir.RuleDef{Name: "anyCheese", Patterns: []ir.Pattern{{Kind: ir.PatternExists, Type: "Cheese"}}})
	assert.Zero(t, f.sink.count("anyCheese"))

	c1 := f.insert("Cheese", ir.IRObject{"type": ir.IRString("brie")})
	c2 := f.insert("Cheese", ir.IRObject{"type": ir.IRString("gouda")})
	assert.Equal(t, 1, f.sink.count("anyCheese"))

	f.retract(c1)
	assert.Equal(t, 1, f.sink.count("anyCheese"))
	f.retract(c2)
	assert.Zero(t, f.sink.count("anyCheese"))
}

func TestAccumulateQuery(t *testing.T) {
	f := newFixture(t)
	q := f.add(ir.RuleDef{Name: "countPerson", Kind: ir.KindQuery, Patterns: []ir.Pattern{{
		Kind: ir.PatternAccumulate, Type: "Person",
		Accumulate: &ir.AccumulateSpec{Function: "count", Result: "$n"},
	}}})

	count := func() ir.IRValue {
		rows := f.rt.QueryResults(q.Terminal)
		require.Len(t, rows, 1)
		v, err := q.Vars["$n"].Read(rows[0])
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, ir.IRInt(0), count())
	a := f.insert("Person", person("a", 1))
	f.insert("Person", person("b", 2))
	assert.Equal(t, ir.IRInt(2), count())
	f.retract(a)
	assert.Equal(t, ir.IRInt(1), count())
}

func TestAccumulateMinSkipsEmpty(t *testing.T) {
	f := newFixture(t)
	q := f.add(ir.RuleDef{Name: "youngest", Kind: ir.KindQuery, Patterns: []ir.Pattern{{
		Kind: ir.PatternAccumulate, Type: "Person",
		Accumulate: &ir.AccumulateSpec{Function: "min", Field: "age", Result: "$age"},
	}}})
	assert.Empty(t, f.rt.QueryResults(q.Terminal))

	f.insert("Person", person("a", 40))
	f.insert("Person", person("b", 20))
	rows := f.rt.QueryResults(q.Terminal)
	require.Len(t, rows, 1)
	assert.Equal(t, ir.IRInt(20), rows[0].Value())
}

func TestWindow(t *testing.T) {
	f := newFixture(t)
	q := f.add(ir.RuleDef{Name: "recent", Kind: ir.KindQuery, Patterns: []ir.Pattern{{
		Kind: ir.PatternAccumulate, Type: "Cheese", Window: "lastTwo",
		Accumulate: &ir.AccumulateSpec{Function: "sum", Field: "price", Result: "$total"},
	}}})

	for _, price := range []int64{1, 2, 4} {
		f.insert("Cheese", ir.IRObject{"price": ir.IRInt(price)})
	}
	rows := f.rt.QueryResults(q.Terminal)
	require.Len(t, rows, 1)
	assert.Equal(t, ir.IRInt(6), rows[0].Value())
}

func TestRuleAddedToLiveRuntime(t *testing.T) {
	f := newFixture(t)
	f.add(adults("first"))
	f.insert("Person", person("a", 30))
	f.insert("Person", person("b", 40))
	f.insert("Person", person("c", 3))

	f.add(adults("second"))
	assert.Equal(t, 2, f.sink.count("second"))

	f.add(ir.RuleDef{Name: "pairs", Patterns: []ir.Pattern{
		{Type: "Person", Constraints: []ir.Constraint{{Field: "age", Op: ir.OpGe, Value: ir.IRInt(18)}}},
		{Type: "Person", Constraints: []ir.Constraint{{Field: "age", Op: ir.OpLt, Value: ir.IRInt(18)}}},
	}})
	assert.Equal(t, 2, f.sink.count("pairs"))
}

func TestZeroPatternRule(t *testing.T) {
	f := newFixture(t)
	f.add(ir.RuleDef{Name: "always"})
	require.Equal(t, 1, f.sink.count("always"))
	assert.Equal(t, 0, f.sink.active["always"][0].Level())
}

func TestEvalError(t *testing.T) {
	f := newFixture(t)
	f.add(adults("adults"))

	f.seq++
	h, _ := f.mem.Insert(accessor.NewRecord("Person", ir.IRObject{"age": ir.IRString("old")}), []string{"Person"}, f.seq)
	err := f.rt.Assert(h)
	var evalErr *EvalError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, KindAlpha, evalErr.Kind)
	var cmpErr *ir.CompareError
	assert.True(t, errors.As(err, &cmpErr))
}

func TestUnwiredSlotFaults(t *testing.T) {
	f := newFixture(t)
	rule := f.add(adults("adults"))
	alpha := f.net.Node(rule.Nodes()[1])
	alpha.Test.Field.Bind(nil)

	f.seq++
	h, _ := f.mem.Insert(accessor.NewRecord("Person", person("a", 30)), []string{"Person"}, f.seq)
	assert.ErrorIs(t, f.rt.Assert(h), accessor.ErrUnwired)
}

func TestCompileErrorsLeaveNetworkUnchanged(t *testing.T) {
	f := newFixture(t)
	before := f.net.Describe()

	cases := []ir.RuleDef{
		{Name: "badField", Patterns: []ir.Pattern{{Type: "Person", Constraints: []ir.Constraint{{Field: "height", Op: ir.OpEq, Value: ir.IRInt(1)}}}}},
		{Name: "badType", Patterns: []ir.Pattern{{Type: "Wine"}}},
		{Name: "unbound", Patterns: []ir.Pattern{{Type: "Person", Constraints: []ir.Constraint{{Field: "name", Op: ir.OpEq, Ref: "$x"}}}}},
		{Name: "badFn", Patterns: []ir.Pattern{{Kind: ir.PatternAccumulate, Type: "Person", Accumulate: &ir.AccumulateSpec{Function: "median", Result: "$m"}}}},
		{Name: "badWindow", Patterns: []ir.Pattern{{Type: "Person", Window: "lastTwo"}}},
		{Name: "notBinds", Patterns: []ir.Pattern{{Kind: ir.PatternNot, Type: "Person", Var: "$p"}}},
	}
	for _, def := range cases {
		t.Run(def.Name, func(t *testing.T) {
			_, _, err := f.net.AddRule(def, f.opts)
			require.Error(t, err)
			assert.Equal(t, before, f.net.Describe())
			_, ok := f.net.Rule(def.Name)
			assert.False(t, ok)
		})
	}

	f.add(adults("dup"))
	_, _, err := f.net.AddRule(adults("dup"), f.opts)
	assert.Error(t, err)
}

func TestRuleVar(t *testing.T) {
	f := newFixture(t)
	rule := f.add(adults("adults"))

	ref, err := rule.Var("$p.name")
	require.NoError(t, err)
	assert.Equal(t, VarField, ref.Kind)
	assert.Equal(t, 1, ref.Level)

	_, err = rule.Var("$q")
	assert.Error(t, err)
	_, err = rule.Var("name")
	assert.Error(t, err)

	f.insert("Person", person("ann", 30))
	tuple := f.sink.active["adults"][0]
	v, err := ref.Read(tuple)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("ann"), v)

	obj, err := rule.Vars["$p"].Object(tuple)
	require.NoError(t, err)
	assert.IsType(t, &accessor.Record{}, obj)
}

func TestDescribe(t *testing.T) {
	f := newFixture(t)
	f.add(adults("adults"))
	out := f.net.Describe()
	for _, want := range []string{"root", "type", "Person", "alpha", "age >= 18", "join", "terminal", "adults"} {
		assert.Contains(t, out, want, fmt.Sprintf("topology:\n%s", out))
	}
}
