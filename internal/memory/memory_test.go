package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	Name string
	Age  int
}

func TestInsertAllocatesHandles(t *testing.T) {
	m := New()
	a := &person{Name: "a"}
	b := &person{Name: "b"}

	ha, created := m.Insert(a, []string{"Person"}, 1)
	require.True(t, created)
	hb, created := m.Insert(b, []string{"Person"}, 2)
	require.True(t, created)

	assert.Equal(t, int64(1), ha.ID())
	assert.Equal(t, int64(2), hb.ID())
	assert.Equal(t, "Person", ha.Type())
	assert.Same(t, a, ha.Object())
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, []any{a, b}, m.Objects())
}

func TestInsertSameObjectReturnsExistingHandle(t *testing.T) {
	m := New()
	p := &person{Name: "a"}
	h1, _ := m.Insert(p, []string{"Person"}, 1)
	h2, created := m.Insert(p, []string{"Person"}, 2)

	assert.False(t, created)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, m.Count())

	// Distinct pointers with equal contents are distinct facts.
	h3, created := m.Insert(&person{Name: "a"}, []string{"Person"}, 3)
	assert.True(t, created)
	assert.NotSame(t, h1, h3)
}

func TestValueFactsAreAlwaysNew(t *testing.T) {
	m := New()
	h1, _ := m.Insert("cheddar", []string{"String"}, 1)
	h2, created := m.Insert("cheddar", []string{"String"}, 2)
	assert.True(t, created)
	assert.NotSame(t, h1, h2)

	p1, _ := m.Insert(person{Name: "a"}, []string{"Person"}, 3)
	p2, created := m.Insert(person{Name: "a"}, []string{"Person"}, 4)
	assert.True(t, created)
	assert.NotEqual(t, p1.ID(), p2.ID())
	assert.Equal(t, 4, m.Count())

	_, ok := m.Lookup("cheddar")
	assert.False(t, ok)
}

func TestReferenceFactsMatchByIdentity(t *testing.T) {
	m := New()
	list := []string{"x"}
	s1, _ := m.Insert(list, []string{"List"}, 1)
	s2, created := m.Insert(list, []string{"List"}, 2)
	assert.False(t, created)
	assert.Same(t, s1, s2)

	// An equal slice with its own backing array is another fact.
	s3, created := m.Insert([]string{"x"}, []string{"List"}, 3)
	assert.True(t, created)
	assert.NotSame(t, s1, s3)

	tags := map[string]int{"a": 1}
	t1, _ := m.Insert(tags, []string{"Tags"}, 4)
	found, ok := m.Lookup(tags)
	require.True(t, ok)
	assert.Same(t, t1, found)

	m.Remove(t1)
	_, ok = m.Lookup(tags)
	assert.False(t, ok)
}

func TestRemoveInvalidatesHandle(t *testing.T) {
	m := New()
	p := &person{Name: "a"}
	h, _ := m.Insert(p, []string{"Person"}, 1)

	m.Remove(h)
	assert.True(t, h.Deleted())
	assert.Nil(t, h.Object())
	assert.False(t, m.Owns(h))
	assert.True(t, m.Issued(h))
	assert.Zero(t, m.Count())
	assert.Empty(t, m.OfType("Person"))

	_, ok := m.Lookup(p)
	assert.False(t, ok)
	_, ok = m.Handle(h.ID())
	assert.False(t, ok)

	// Removing again is harmless.
	m.Remove(h)

	// Reinserting the object yields a new handle; IDs are not reused.
	h2, created := m.Insert(p, []string{"Person"}, 2)
	assert.True(t, created)
	assert.Equal(t, int64(2), h2.ID())
}

func TestReplaceChangesTypeFamily(t *testing.T) {
	m := New()
	h, _ := m.Insert("a", []string{"String"}, 1)

	m.Replace(h, &person{Name: "a"}, []string{"Person"}, 5)
	assert.Equal(t, int64(1), h.ID())
	assert.Equal(t, int64(5), h.Recency())
	assert.Equal(t, "Person", h.Type())
	assert.Empty(t, m.OfType("String"))
	assert.Equal(t, []*FactHandle{h}, m.OfType("Person"))

	_, ok := m.Lookup("a")
	assert.False(t, ok)
}

func TestOfTypeIncludesSupertypes(t *testing.T) {
	m := New()
	h1, _ := m.Insert(&person{Name: "a"}, []string{"Person", "Named"}, 1)
	h2, _ := m.Insert("b", []string{"String", "Named"}, 2)

	assert.Equal(t, []*FactHandle{h1, h2}, m.OfType("Named"))
	assert.Equal(t, 1, m.CountType("Person"))
	assert.Equal(t, []*FactHandle{h1, h2}, m.Handles())
}

func TestOwnsRejectsForeignHandles(t *testing.T) {
	m1, m2 := New(), New()
	h, _ := m1.Insert("x", []string{"String"}, 1)
	assert.True(t, m1.Owns(h))
	assert.False(t, m2.Owns(h))
	assert.False(t, m2.Issued(h))
	assert.False(t, m1.Owns(nil))
}

func TestGlobals(t *testing.T) {
	m := New()
	m.SetGlobal("list", []string{})
	m.SetGlobal("count", 3)

	v, ok := m.Global("count")
	require.True(t, ok)
	assert.Equal(t, 3, v)
	_, ok = m.Global("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"count", "list"}, m.Globals())
}
