package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/knowledge"
)

const peopleSpec = "testdata/specs/people.cue"

// peopleFunctions binds the functions people.cue declares. audit always
// fails, so rules calling it fault the session.
func peopleFunctions() Option {
	return WithFunctions(map[string]knowledge.Function{
		"audit": func(knowledge.Context) error { return errors.New("audit refused") },
	})
}

func intp(n int) *int { return &n }

func TestRun_Adults(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/adults.yaml")
	require.NoError(t, err)

	result, err := Run(scenario, peopleFunctions())
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	assert.Equal(t, []string{"cheese-lover", "adult", "adult"}, result.Fired())
	assert.Equal(t, map[string]int{"Adult": 1, "Cheese": 1, "Person": 2}, result.State)
	require.Len(t, result.Trace, 7)
	assert.Equal(t, TraceEvent{Seq: 1, Event: "created", Rule: "adult", Facts: []string{"bob"}}, result.Trace[0])
	assert.Equal(t, TraceEvent{Seq: 7, Event: "created", Rule: "cheese-lover", Facts: []string{"bob", "brie"}}, result.Trace[6])
}

func TestRun_Errors(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/errors.yaml")
	require.NoError(t, err)

	result, err := Run(scenario, peopleFunctions())
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 4)
	assert.Equal(t, "cancelled", result.Trace[1].Event)
	failed := result.Trace[3]
	assert.Equal(t, "failed", failed.Event)
	assert.Equal(t, "expensive", failed.Rule)
	assert.Contains(t, failed.Error, "audit refused")
	assert.Empty(t, result.Fired())
}

func TestRun_UnexpectedStepErrors(t *testing.T) {
	scenario := &Scenario{
		Name:        "unexpected",
		Description: "step failures are reported, not returned",
		Specs:       []string{peopleSpec},
		Steps: []Step{
			{Insert: &InsertStep{Type: "Person", Fields: map[string]any{"name": "a", "shoe": 42}}},
			{Insert: &InsertStep{Type: "Person", As: "ok", Fields: map[string]any{"name": "b", "age": 20}}},
			{Delete: &DeleteStep{Fact: "ok", ExpectError: "INVALID_HANDLE"}},
			{Fire: &FireStep{Expect: intp(3)}},
		},
		Assertions: []Assertion{{Type: AssertFactCount, Count: 1}},
	}

	result, err := Run(scenario, peopleFunctions())
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "steps[0] insert: INVALID_FACT")
	assert.Equal(t, "steps[2] delete: expected error INVALID_HANDLE, got no error", result.Errors[1])
	assert.Equal(t, "steps[3] fire: expected 3 firings, got 0", result.Errors[2])
	assert.Contains(t, result.Errors[3], "Assertion failed: fact_count")
}

func TestRun_Strategy(t *testing.T) {
	steps := []Step{
		{Insert: &InsertStep{Type: "Person", As: "a", Fields: map[string]any{"name": "a", "age": 20}}},
		{Insert: &InsertStep{Type: "Person", As: "b", Fields: map[string]any{"name": "b", "age": 30}}},
		{Fire: &FireStep{Max: 1}},
	}
	tests := []struct {
		strategy string
		want     string
	}{
		{"", "a"},
		{"fifo", "a"},
		{"lifo", "b"},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			scenario := &Scenario{
				Name:        "strategy",
				Description: "tie-break by strategy",
				Specs:       []string{peopleSpec},
				Strategy:    tt.strategy,
				Steps:       steps,
				Assertions: []Assertion{
					{Type: AssertTraceContains, Rule: "adult", Facts: []string{tt.want}},
					{Type: AssertFired, Rule: "adult", Count: 1},
				},
			}
			result, err := Run(scenario, peopleFunctions())
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_UnknownStrategy(t *testing.T) {
	scenario := &Scenario{
		Name:       "bad",
		Specs:      []string{peopleSpec},
		Strategy:   "random",
		Steps:      []Step{{Fire: &FireStep{}}},
		Assertions: []Assertion{{Type: AssertFactCount}},
	}
	_, err := Run(scenario, peopleFunctions())
	require.Error(t, err)
}

func TestRun_UnwiredFunction(t *testing.T) {
	scenario := &Scenario{
		Name:       "unwired",
		Specs:      []string{peopleSpec},
		Steps:      []Step{{Fire: &FireStep{}}},
		Assertions: []Assertion{{Type: AssertFactCount}},
	}
	_, err := Run(scenario)
	require.Error(t, err)
	assert.ErrorIs(t, err, knowledge.ErrUnwired)
}

func TestRun_FallbackFunction(t *testing.T) {
	scenario := &Scenario{
		Name:  "fallback",
		Specs: []string{peopleSpec},
		Steps: []Step{
			{Insert: &InsertStep{Type: "Cheese", Fields: map[string]any{"type": "gold", "price": 500}}},
			{Fire: &FireStep{Expect: intp(1)}},
		},
		Assertions: []Assertion{{Type: AssertFactCount, Count: 1}},
	}

	var called []string
	fallback := func(c knowledge.Context) error {
		called = append(called, c.Rule())
		return nil
	}
	result, err := Run(scenario, WithFallbackFunction(fallback))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"expensive"}, called)

	// An explicit binding wins over the fallback.
	called = nil
	result, err = Run(scenario, peopleFunctions(), WithFallbackFunction(fallback))
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Empty(t, called)
}

func TestRun_InvalidSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
name: "bad"
rules: r: {when: [{type: "P", where: [{field: "x", op: "~", value: 1}]}]}
`), 0644))

	scenario := &Scenario{
		Name:       "invalid",
		Specs:      []string{path},
		Steps:      []Step{{Fire: &FireStep{}}},
		Assertions: []Assertion{{Type: AssertFactCount}},
	}
	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid package")
	assert.Contains(t, err.Error(), "[E2")
}

func TestRun_GlobalsAndTemplates(t *testing.T) {
	scenario := &Scenario{
		Name:        "globals",
		Description: "append reaches scenario globals",
		Specs:       []string{peopleSpec},
		Globals:     map[string]any{"lovers": []any{}},
		Steps: []Step{
			{Insert: &InsertStep{Type: "Person", As: "p", Fields: map[string]any{"name": "p", "age": 5, "likes": "feta"}}},
			{Insert: &InsertStep{Type: "Cheese", As: "c", Fields: map[string]any{"type": "feta", "price": 3}}},
			{Insert: &InsertStep{Type: "Adult", Fields: map[string]any{"name": "stated"}}},
			{Fire: &FireStep{Expect: intp(1)}},
		},
		Assertions: []Assertion{
			{Type: AssertObjectsOfType, FactType: "Adult", Objects: []map[string]any{{"name": "stated", "level": 1}}},
			{Type: AssertQuery, Query: "adults", Rows: []map[string]any{{"$name": "stated"}}},
		},
	}

	var lovers any
	result, err := run(scenario, func(h *Harness) {
		lovers, _ = h.session.GetGlobal("lovers")
	}, peopleFunctions())
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []any{"p"}, lovers)
}

func TestConvertToIRValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want ir.IRValue
	}{
		{"nil", nil, ir.IRNull{}},
		{"string", "x", ir.IRString("x")},
		{"int", 7, ir.IRInt(7)},
		{"integral float", 3.0, ir.IRInt(3)},
		{"bool", true, ir.IRBool(true)},
		{"list", []any{1, "a"}, ir.IRArray{ir.IRInt(1), ir.IRString("a")}},
		{"map", map[string]any{"k": 2.0}, ir.IRObject{"k": ir.IRInt(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertToIRValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := convertToIRValue(1.5)
	assert.ErrorContains(t, err, "floats are forbidden")
	_, err = convertToIRValue([]any{"a", 0.25})
	assert.ErrorContains(t, err, "array[1]")
}

func TestDiscoverScenarios(t *testing.T) {
	files, err := DiscoverScenarios("testdata/scenarios", "testdata/scenarios/adults.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("testdata", "scenarios", "adults.yaml"),
		filepath.Join("testdata", "scenarios", "errors.yaml"),
	}, files)

	_, err = DiscoverScenarios("testdata/nope")
	var nf *ScenarioNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "testdata/nope", nf.Path)
}

func TestRunAll(t *testing.T) {
	paths := []string{
		"testdata/scenarios/adults.yaml",
		"testdata/broken/typo.yaml",
		"testdata/scenarios/errors.yaml",
	}
	results, err := RunAll(context.Background(), paths, 2, peopleFunctions())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Passed())
	assert.Equal(t, "adults", results[0].Scenario.Name)
	assert.False(t, results[1].Passed())
	assert.ErrorContains(t, results[1].Err, "failed to parse YAML")
	assert.True(t, results[2].Passed())
	for i, r := range results {
		assert.Equal(t, paths[i], r.Path)
	}
}

func TestRunAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunAll(ctx, []string{"testdata/scenarios/adults.yaml"}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
