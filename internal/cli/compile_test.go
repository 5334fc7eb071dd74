package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rete/internal/knowledge"
	"github.com/roach88/rete/internal/store"
)

func TestCompileValidPackage(t *testing.T) {
	dir := shopDir(t)

	out, err := execute(t, "compile", filepath.Join(dir, "rules"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compiled 1 package(s)")
	assert.Contains(t, out, "org.example.shop: 2 rule(s), 1 query(ies)")
}

func TestCompileValidPackageJSON(t *testing.T) {
	dir := shopDir(t)

	out, err := execute(t, "--format", "json", "compile", filepath.Join(dir, "rules"))
	require.NoError(t, err)

	var result CompilationResult
	resp := decodeData(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, result.Packages, 1)
	p := result.Packages[0]
	assert.Equal(t, "org.example.shop", p.Name)
	assert.Equal(t, filepath.Join(dir, "rules", "shop.cue"), p.Source)
	assert.Equal(t, 2, p.Rules)
	assert.Equal(t, 1, p.Queries)
	assert.NotEmpty(t, p.Digest)
}

func TestCompileOutputToFile(t *testing.T) {
	dir := shopDir(t)
	outFile := filepath.Join(dir, "shop"+CompiledExt)

	out, err := execute(t, "compile", filepath.Join(dir, "rules"), "--output", outFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 1 package(s) to "+outFile)

	f, err := os.Open(outFile)
	require.NoError(t, err)
	defer f.Close()
	u, err := knowledge.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, "org.example.shop", u.Name())
	assert.Len(t, u.Rules(), 3)

	// The encoded file loads like its source.
	result, errs := LoadPackages([]string{outFile}, LoadModeFailFast)
	require.Empty(t, errs)
	require.Len(t, result.Packages, 1)
	assert.Equal(t, outFile, result.Sources["org.example.shop"])
}

func TestCompileToDatabase(t *testing.T) {
	dir := shopDir(t)
	dbPath := filepath.Join(dir, "rete.db")

	out, err := execute(t, "--format", "json", "compile", filepath.Join(dir, "rules"), "--db", dbPath)
	require.NoError(t, err)
	var result CompilationResult
	decodeData(t, out, &result)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	records, err := st.ListPackages(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "org.example.shop", records[0].Name)
	assert.Equal(t, result.Packages[0].Digest, records[0].Digest)

	// Compiling the same package again stores nothing new.
	_, err = execute(t, "compile", filepath.Join(dir, "rules"), "--db", dbPath)
	require.NoError(t, err)
	records, err = st.ListPackages(t.Context())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCompileNetwork(t *testing.T) {
	dir := shopDir(t)

	out, err := execute(t, "compile", filepath.Join(dir, "rules"), "--network")
	require.NoError(t, err)
	assert.Contains(t, out, "Network:")
	for _, want := range []string{"root", "Person", "age >= 18", "terminal", "adult", "query"} {
		assert.Contains(t, out, want)
	}

	out, err = execute(t, "--format", "json", "compile", filepath.Join(dir, "rules"))
	require.NoError(t, err)
	var result CompilationResult
	decodeData(t, out, &result)
	assert.Empty(t, result.Network)
}

func TestCompileNonExistentPath(t *testing.T) {
	_, err := execute(t, "compile", "/nonexistent/path")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
}

func TestCompileEmptyDirectory(t *testing.T) {
	_, err := execute(t, "compile", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNoFiles)
}

func TestCompileInvalidPackage(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.cue", invalidPackage)

	out, err := execute(t, "compile", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "✗ Compilation failed")
	assert.Contains(t, out, "E207")
	assert.Contains(t, out, "org.example.bad: ")
}

func TestCompileInvalidPackageJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.cue", invalidPackage)

	out, err := execute(t, "--format", "json", "compile", dir)
	require.Error(t, err)

	var errs []CLIError
	resp := decodeData(t, out, &errs)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E207", resp.Error.Code)
	require.NotEmpty(t, errs)
}

func TestCompileSyntaxErrorCollectsAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.cue", "name: \"a\"\nrules: {\n")
	writeFile(t, dir, "b.cue", "name: \"b\"\ntypes: {\n")
	writeFile(t, dir, "c.cue", shopPackage)

	out, err := execute(t, "--format", "json", "compile", dir)
	require.Error(t, err)
	var errs []CLIError
	decodeData(t, out, &errs)
	assert.Len(t, errs, 2)
}

func TestCompileDuplicatePackage(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.cue", shopPackage)
	writeFile(t, dir, "b.cue", shopPackage)

	out, err := execute(t, "compile", dir)
	require.Error(t, err)
	assert.Contains(t, out, ErrCodeDuplicate)
	assert.Contains(t, out, "org.example.shop defined in")
}

func TestCompileVerboseOutput(t *testing.T) {
	dir := shopDir(t)

	out, err := execute(t, "--verbose", "compile", filepath.Join(dir, "rules"))
	require.NoError(t, err)
	assert.Contains(t, out, "digest ")
}

func TestFindPackageFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "root.cue", "")
	writeFile(t, dir, "notcue.txt", "")
	writeFile(t, dir, "sub/nested.cue", "")
	writeFile(t, dir, "sub/built"+CompiledExt, "")

	files, err := FindPackageFiles(dir, filepath.Join(dir, "root.cue"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "root.cue"),
		filepath.Join(dir, "sub", "built"+CompiledExt),
		filepath.Join(dir, "sub", "nested.cue"),
	}, files)

	// A named file is taken whatever its extension.
	files, err = FindPackageFiles(filepath.Join(dir, "notcue.txt"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestLoadPackages_EmptyCompiledFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty"+CompiledExt, "")

	_, errs := LoadPackages([]string{path}, LoadModeCollectAll)
	require.Len(t, errs, 1)
	var loadErr *LoadError
	require.ErrorAs(t, errs[0], &loadErr)
	assert.Equal(t, ErrCodeLoadFailed, loadErr.Code)
}

func TestMapFieldToErrorCode(t *testing.T) {
	tests := []struct {
		field    string
		expected string
	}{
		{"cue", ErrCodeBuildFailed},
		{"name", ErrCodePackageName},
		{"type", ErrCodeInvalidType},
		{"when", ErrCodeInvalidWhen},
		{"adult.when", ErrCodeInvalidWhen},
		{"when.type", ErrCodeInvalidWhen},
		{"where.field", ErrCodeInvalidWhere},
		{"value", ErrCodeInvalidWhere},
		{"then.op", ErrCodeInvalidThen},
		{"unknown", ErrCodeGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.expected, MapFieldToErrorCode(tt.field))
		})
	}
}

func TestSummarize(t *testing.T) {
	dir := shopDir(t)
	result, errs := LoadPackages([]string{filepath.Join(dir, "rules")}, LoadModeFailFast)
	require.Empty(t, errs)

	s := summarize(result.Packages[0], "shop.cue")
	assert.Equal(t, PackageSummary{Name: "org.example.shop", Source: "shop.cue", Rules: 2, Queries: 1, Types: 1}, s)
}
