package knowledge

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/network"
)

type fakeSession struct {
	added   [][]network.NodeID
	removed [][]network.NodeID
	counts  map[string]int
}

func (s *fakeSession) NetworkChanged(added, removed []network.NodeID) error {
	s.added = append(s.added, added)
	s.removed = append(s.removed, removed)
	return nil
}

func (s *fakeSession) CountType(typeName string) int { return s.counts[typeName] }

func personRule(name string, minAge int64) ir.RuleDef {
	return ir.RuleDef{
		Name: name,
		Patterns: []ir.Pattern{{
			Type:        "Person",
			Var:         "$p",
			Constraints: []ir.Constraint{{Field: "age", Op: ir.OpGe, Value: ir.IRInt(minAge)}},
		}},
	}
}

func TestAddPackageCompilesRules(t *testing.T) {
	kb := New(personProvider())
	sess := &fakeSession{}
	require.NoError(t, kb.Attach(sess, nil))
	assert.Equal(t, 1, kb.Sessions())

	u, err := NewUnwired(ir.PackageDef{Name: "people", Rules: []ir.RuleDef{personRule("adult", 18), personRule("senior", 65)}})
	require.NoError(t, err)
	pkg, err := kb.Wire(u)
	require.NoError(t, err)

	results, err := kb.AddPackage(pkg)
	require.NoError(t, err)
	assert.Empty(t, results)

	names := []string{}
	for _, r := range kb.Rules() {
		names = append(names, r.Name)
		assert.Equal(t, "people", r.Package)
	}
	assert.Equal(t, []string{"adult", "senior"}, names)
	require.Len(t, sess.added, 1)
	assert.NotEmpty(t, sess.added[0])
	assert.Equal(t, []string{"Person"}, kb.Types())

	got, ok := kb.Package("people")
	require.True(t, ok)
	assert.Same(t, pkg, got)
}

func TestAddPackageMergesSameName(t *testing.T) {
	kb := New(personProvider())
	sess := &fakeSession{}
	require.NoError(t, kb.Attach(sess, nil))

	first := wired(t, ir.PackageDef{
		Name:    "people",
		Globals: []ir.GlobalDecl{{Name: "out", Type: "list"}},
		Rules:   []ir.RuleDef{personRule("adult", 18), personRule("senior", 65)},
	}, kb.Provider())
	_, err := kb.AddPackage(first)
	require.NoError(t, err)

	second := wired(t, ir.PackageDef{
		Name:    "people",
		Globals: []ir.GlobalDecl{{Name: "out", Type: "string"}},
		Rules:   []ir.RuleDef{personRule("adult", 21), personRule("child", 0)},
	}, kb.Provider())
	results, err := kb.AddPackage(second)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, CodeGlobalTypeChanged, results[0].Code)
	assert.Equal(t, SeverityWarning, results[0].Severity)

	merged, ok := kb.Package("people")
	require.True(t, ok)
	assert.Same(t, first, merged)

	var names []string
	for _, r := range merged.Rules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"adult", "senior", "child"}, names)

	adult, ok := kb.Network().Rule("adult")
	require.True(t, ok)
	if diff := cmp.Diff(personRule("adult", 21), adult.Def); diff != "" {
		t.Errorf("replaced rule mismatch (-want +got):\n%s", diff)
	}

	// The second add removed the old adult rule's private nodes.
	require.Len(t, sess.removed, 2)
	assert.NotEmpty(t, sess.removed[1])
	assert.Equal(t, "string", kb.Globals()[0].Type)
}

func TestRuleReplacedAcrossPackages(t *testing.T) {
	kb := New(personProvider())
	_, err := kb.AddPackage(wired(t, ir.PackageDef{Name: "a", Rules: []ir.RuleDef{personRule("adult", 18)}}, kb.Provider()))
	require.NoError(t, err)

	results, err := kb.AddPackage(wired(t, ir.PackageDef{Name: "b", Rules: []ir.RuleDef{personRule("adult", 21)}}, kb.Provider()))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, CodeRuleReplaced, results[0].Code)

	a, _ := kb.Package("a")
	assert.Empty(t, a.Rules())
	r, _ := kb.Network().Rule("adult")
	assert.Equal(t, "b", r.Package)
}

func TestRemoveRuleAndPackage(t *testing.T) {
	kb := New(personProvider())
	sess := &fakeSession{}
	require.NoError(t, kb.Attach(sess, nil))
	_, err := kb.AddPackage(wired(t, ir.PackageDef{Name: "people", Rules: []ir.RuleDef{personRule("adult", 18), personRule("senior", 65)}}, kb.Provider()))
	require.NoError(t, err)
	before := kb.Network().Len()

	require.NoError(t, kb.RemoveRule("senior"))
	assert.Error(t, kb.RemoveRule("senior"))
	_, ok := kb.Network().Rule("senior")
	assert.False(t, ok)
	pkg, _ := kb.Package("people")
	_, ok = pkg.Rule("senior")
	assert.False(t, ok)
	assert.Equal(t, before, kb.Network().Len())
	require.Len(t, sess.removed, 2)
	assert.NotEmpty(t, sess.removed[1])

	require.NoError(t, kb.RemovePackage("people"))
	assert.Empty(t, kb.Rules())
	assert.Empty(t, kb.Packages())
	assert.Empty(t, kb.Network().Types())
	assert.Error(t, kb.RemovePackage("people"))

	kb.Detach(sess)
	assert.Zero(t, kb.Sessions())
}

func TestRemoveType(t *testing.T) {
	provider := personProvider()
	kb := New(provider)
	sess := &fakeSession{counts: map[string]int{}}
	require.NoError(t, kb.Attach(sess, nil))

	_, err := kb.AddPackage(wired(t, ir.PackageDef{
		Name:  "people",
		Types: []ir.TypeDecl{{Name: "Person", Fields: []ir.FieldDecl{{Name: "name", Type: "string"}, {Name: "age", Type: "int"}}}},
		Rules: []ir.RuleDef{personRule("adult", 18)},
	}, kb.Provider()))
	require.NoError(t, err)

	err = kb.RemoveType("Person")
	assert.True(t, errors.Is(err, ErrTypeInUse))

	require.NoError(t, kb.RemoveRule("adult"))
	sess.counts["Person"] = 2
	err = kb.RemoveType("Person")
	assert.True(t, errors.Is(err, ErrTypeInUse))
	assert.ErrorContains(t, err, "2 live facts")

	sess.counts["Person"] = 0
	require.NoError(t, kb.RemoveType("Person"))
	_, ok := kb.Store().Lookup("Person", "age")
	assert.False(t, ok)
	pkg, _ := kb.Package("people")
	_, ok = pkg.Type("Person")
	assert.False(t, ok)

	assert.Error(t, kb.RemoveType("Person"))
}

func TestBindingResolvesLazily(t *testing.T) {
	kb := New(personProvider())

	b, err := kb.Binding("Person", "name")
	require.NoError(t, err)
	assert.True(t, b.Wired())

	again, err := kb.Binding("Person", "name")
	require.NoError(t, err)
	assert.Same(t, b, again)

	_, err = kb.Binding("Person", "height")
	assert.True(t, errors.Is(err, accessor.ErrUnknownField))
}

func TestTemplateAndFunctionLookup(t *testing.T) {
	kb := New(accessor.NewRecordProvider())
	u, err := NewUnwired(sampleDef())
	require.NoError(t, err)
	called := false
	pkg, err := kb.Wire(u, WithFunction("announce", func(Context) error {
		called = true
		return nil
	}))
	require.NoError(t, err)
	_, err = kb.AddPackage(pkg)
	require.NoError(t, err)

	tmpl, ok := kb.Template("Alert")
	require.True(t, ok)
	assert.Equal(t, ir.IRInt(1), tmpl.Defaults["level"])

	fn, ok := kb.Function("cheese", "announce")
	require.True(t, ok)
	require.NoError(t, fn(nil))
	assert.True(t, called)

	_, ok = kb.Query("likes")
	assert.False(t, ok)
}
