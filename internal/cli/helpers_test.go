package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// shopPackage is a small package: adults get a logical Adult fact and are
// appended to the seen global; every Adult calls notify.
const shopPackage = `name: "org.example.shop"

types: Person: {fields: {name: string, age: int}}

templates: Adult: {fields: {name: string, level: int | *1}}

globals: seen: "list"

functions: notify: {description: "logs the adult"}

rules: {
	"adult": {
		when: [{type: "Person", as: "$p", where: [{field: "age", op: ">=", value: 18}]}]
		then: [
			{op: "insertLogical", type: "Adult", fields: {name: "$p.name"}},
			{op: "append", global: "seen", value: "$p.name"},
		]
	}
	"greet": {
		when: [{type: "Adult"}]
		call: "notify"
	}
}

queries: adults: {
	when: [{type: "Adult", bind: {"$name": "name"}}]
}
`

// invalidPackage uses an unknown operator; it compiles but fails
// validation.
const invalidPackage = `name: "org.example.bad"

types: Person: {fields: {name: string, age: int}}

rules: "odd": {
	when: [{type: "Person", where: [{field: "age", op: "~", value: 1}]}]
	then: [{op: "insert", type: "Person", fields: {name: "x"}}]
}
`

const shopFacts = `globals:
  seen: []
facts:
  - type: Person
    fields: {name: bob, age: 30}
  - type: Person
    fields: {name: tim, age: 10}
`

// writeFile writes content to name under dir, creating parents.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// shopDir returns a directory holding shop.cue and facts.yaml.
func shopDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "rules/shop.cue", shopPackage)
	writeFile(t, dir, "facts.yaml", shopFacts)
	return dir
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// executeCommand runs a single subcommand built from opts.
func executeCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// decodeData decodes a JSON CLIResponse and its data into data.
func decodeData(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var raw struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), "output: %s", out)
	if data != nil {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return raw.CLIResponse
}
