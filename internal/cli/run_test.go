package cli

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rete/internal/engine"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/store"
)

func runShop(t *testing.T, dir string, args ...string) (*RunResult, CLIResponse, error) {
	t.Helper()
	base := []string{"--format", "json", "run", filepath.Join(dir, "rules"), "--facts", filepath.Join(dir, "facts.yaml")}
	out, err := execute(t, append(base, args...)...)
	var result RunResult
	resp := decodeData(t, out, &result)
	return &result, resp, err
}

func TestRunFiresRules(t *testing.T) {
	dir := shopDir(t)

	result, resp, err := runShop(t, dir, "--session", "s1", "--query", "adults")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "s1", resp.Session)

	assert.Equal(t, "s1", result.Session)
	assert.Equal(t, 2, result.Fired)
	assert.Equal(t, 3, result.FactCount)
	assert.Equal(t, map[string]int{"Adult": 1, "Person": 2}, result.Facts)
	require.Len(t, result.Queries["adults"], 1)
	assert.Equal(t, "bob", result.Queries["adults"][0]["$name"])
	assert.Equal(t, map[string]any{"seen": []any{"bob"}}, result.Globals)
	assert.Empty(t, result.Error)
}

func TestRunTextOutput(t *testing.T) {
	dir := shopDir(t)

	out, err := execute(t, "run", filepath.Join(dir, "rules"),
		"--facts", filepath.Join(dir, "facts.yaml"), "--session", "s1", "--query", "adults")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Session s1 fired 2 rule(s)")
	assert.Contains(t, out, "Facts (3):")
	assert.Contains(t, out, "  Person: 2")
	assert.Contains(t, out, "Query adults (1 row(s)):")
	assert.Contains(t, out, `{"$name":"bob"}`)
	assert.Contains(t, out, "seen = [bob]")
}

func TestRunMax(t *testing.T) {
	dir := shopDir(t)

	result, _, err := runShop(t, dir, "--max", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Fired)
}

func TestRunGeneratedSession(t *testing.T) {
	dir := shopDir(t)

	result, resp, err := runShop(t, dir)
	require.NoError(t, err)
	id, err := uuid.Parse(result.Session)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, result.Session, resp.Session)
}

func TestRunMetrics(t *testing.T) {
	dir := shopDir(t)

	result, _, err := runShop(t, dir, "--metrics")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"adult": 1, "greet": 1}, result.Metrics)
}

func TestRunStrategy(t *testing.T) {
	dir := shopDir(t)

	_, _, err := runShop(t, dir, "--strategy", "lifo")
	require.NoError(t, err)

	out, err := execute(t, "run", filepath.Join(dir, "rules"), "--strategy", "random")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "random")
}

func TestRunRecordsToDatabase(t *testing.T) {
	dir := shopDir(t)
	dbPath := filepath.Join(dir, "rete.db")

	_, _, err := runShop(t, dir, "--db", dbPath, "--session", "nightly")
	require.NoError(t, err)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	state, err := st.GetSessionState(t.Context(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, 2, state.Created)
	assert.Equal(t, 2, state.Fired)
	assert.True(t, state.Complete())

	records, err := st.ListPackages(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "org.example.shop", records[0].Name)

	// Running again under the same ID replaces the log.
	_, _, err = runShop(t, dir, "--db", dbPath, "--session", "nightly", "--max", "1")
	require.NoError(t, err)
	state, err = st.GetSessionState(t.Context(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Fired)
}

func TestRunWithoutFacts(t *testing.T) {
	dir := shopDir(t)

	out, err := execute(t, "--format", "json", "run", filepath.Join(dir, "rules"))
	require.NoError(t, err)
	var result RunResult
	decodeData(t, out, &result)
	assert.Equal(t, 0, result.Fired)
	assert.Equal(t, 0, result.FactCount)
}

func TestRunActionFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules/strict.cue", `name: "org.example.strict"

types: Person: {fields: {name: string, age: int}}

globals: name: "list"

rules: "tag": {
	when: [{type: "Person", as: "$p"}]
	then: [{op: "append", global: "name", value: "$p.name"}]
}
`)
	writeFile(t, dir, "facts.yaml", `globals:
  name: fixed
facts:
  - type: Person
    fields: {name: ann, age: 3}
`)

	result, resp, err := runShop(t, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, string(engine.ErrCodeEvaluationFault), result.ErrorCode)
	assert.Equal(t, string(engine.ErrCodeEvaluationFault), resp.Error.Code)
	assert.Contains(t, result.Error, "not a list")
	assert.Equal(t, 0, result.Fired)
}

func TestRunInvalidPackage(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.cue", invalidPackage)

	_, err := execute(t, "run", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E207")
}

func TestRunNonExistentPath(t *testing.T) {
	_, err := execute(t, "run", "/nonexistent/rules")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
}

func TestRunBadFacts(t *testing.T) {
	tests := []struct {
		name  string
		facts string
		want  string
	}{
		{"unknown key", "fact:\n  - type: Person\n", "field fact not found"},
		{"missing type", "facts:\n  - fields: {name: a}\n", "facts[0]: type is required"},
		{"unknown type", "facts:\n  - type: Robot\n", "facts[0]"},
		{"unknown field", "facts:\n  - type: Person\n    fields: {shoe: 42}\n", "Person.shoe"},
		{"float", "facts:\n  - type: Person\n    fields: {age: 1.5}\n", "floats are forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := shopDir(t)
			writeFile(t, dir, "facts.yaml", tt.facts)

			_, err := execute(t, "run", filepath.Join(dir, "rules"), "--facts", filepath.Join(dir, "facts.yaml"))
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), ErrCodeInput)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunUnknownQuery(t *testing.T) {
	dir := shopDir(t)

	_, err := execute(t, "run", filepath.Join(dir, "rules"), "--query", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestFactFileRecordsUseTemplateDefaults(t *testing.T) {
	dir := shopDir(t)
	result, errs := LoadPackages([]string{filepath.Join(dir, "rules")}, LoadModeFailFast)
	require.Empty(t, errs)
	kb, _, _, err := buildKnowledgeBase(result.Packages, newLogger(&RootOptions{}, io.Discard))
	require.NoError(t, err)

	ff := &FactFile{Facts: []FactSpec{{Type: "Adult", Fields: map[string]any{"name": "amy"}}}}
	records, err := ff.Records(kb)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ir.IRString("amy"), records[0].Get("name"))
	assert.Equal(t, ir.IRInt(1), records[0].Get("level"))
}
