package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/rete/internal/compiler"
	"github.com/roach88/rete/internal/knowledge"
	"github.com/roach88/rete/internal/store"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output   string // encoded package file path
	Database string // package store to save into
	Network  bool   // include the node network topology
}

// CompilationResult summarizes the compiled packages.
type CompilationResult struct {
	Packages []PackageSummary        `json:"packages"`
	Warnings []compiler.CycleWarning `json:"warnings,omitempty"`
	Build    []knowledge.BuildResult `json:"build,omitempty"`
	Output   string                  `json:"output,omitempty"`
	Database string                  `json:"database,omitempty"`
	Network  string                  `json:"network,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <path>...",
		Short: "Compile CUE rule packages",
		Long: `Compile CUE rule packages, validate them, and wire them against a
record provider.

With --output the packages are encoded into one package file, which run,
test and compile accept in place of CUE sources. With --db they are saved
in a package store, keyed by content digest. With --network the shared
node network built for all packages is printed, one node per line.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "encoded package file path ("+CompiledExt+")")
	cmd.Flags().StringVar(&opts.Database, "db", "", "package store to save the packages in")
	cmd.Flags().BoolVar(&opts.Network, "network", false, "print the node network topology")

	return cmd
}

func runCompile(opts *CompileOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	loadResult, loadErrors := LoadPackages(paths, LoadModeCollectAll)
	if loadResult == nil {
		code, message := parseCompileError(loadErrors[0])
		return outputCompileError(formatter, code, message, nil)
	}
	formatter.VerboseLog("Found %d package file(s)", loadResult.FileCount)
	if len(loadErrors) > 0 {
		return outputCompileErrors(formatter, loadErrors)
	}

	validationErrs, warnings := checkPackages(loadResult)
	if len(validationErrs) > 0 {
		errs := make([]error, len(validationErrs))
		for i, e := range validationErrs {
			errs[i] = e
		}
		return outputCompileErrors(formatter, errs)
	}

	kb, wired, build, err := buildKnowledgeBase(loadResult.Packages, logger)
	if err != nil {
		return outputCompileError(formatter, ErrCodeWiring, err.Error(), nil)
	}

	result := &CompilationResult{Warnings: warnings, Build: build}
	if opts.Network {
		result.Network = kb.Network().Describe()
	}
	for i, u := range loadResult.Packages {
		formatter.VerboseLog("Compiled package: %s", u.Name())
		summary := summarize(u, loadResult.Sources[u.Name()])
		if summary.Digest, err = knowledge.Digest(wired[i]); err != nil {
			return outputCompileError(formatter, ErrCodeGeneric, err.Error(), nil)
		}
		result.Packages = append(result.Packages, summary)
	}

	if opts.Output != "" {
		if err := writePackages(opts.Output, wired); err != nil {
			return outputCompileError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
		result.Output = opts.Output
	}

	if opts.Database != "" {
		if err := savePackages(cmd.Context(), opts.Database, wired); err != nil {
			return outputCompileError(formatter, ErrCodeDatabase, err.Error(), nil)
		}
		result.Database = opts.Database
	}

	return outputCompileSuccess(formatter, result)
}

// writePackages encodes the packages one after another into a file.
func writePackages(path string, pkgs []*knowledge.Package) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, p := range pkgs {
		if err := knowledge.Encode(w, p); err != nil {
			f.Close()
			return fmt.Errorf("encode %s: %w", p.Name(), err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func savePackages(ctx context.Context, path string, pkgs []*knowledge.Package) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	for _, p := range pkgs {
		if _, err := st.SavePackage(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d package(s)\n\n", len(result.Packages))

	fmt.Fprintln(w, "Packages:")
	for _, p := range result.Packages {
		fmt.Fprintf(w, "  %s: %d rule(s), %d query(ies), %d type(s)\n", p.Name, p.Rules, p.Queries, p.Types)
		if formatter.Verbose {
			fmt.Fprintf(w, "    digest %s\n", p.Digest)
		}
	}
	fmt.Fprintln(w)

	if len(result.Warnings) > 0 || len(result.Build) > 0 {
		fmt.Fprintln(w, "Warnings:")
		for _, cw := range result.Warnings {
			fmt.Fprintf(w, "  %s: %s\n", cw.Level, cw.Message)
		}
		for _, b := range result.Build {
			fmt.Fprintf(w, "  %s\n", b)
		}
		fmt.Fprintln(w)
	}

	if result.Network != "" {
		fmt.Fprintln(w, "Network:")
		fmt.Fprint(w, result.Network)
		fmt.Fprintln(w)
	}

	if result.Output != "" {
		fmt.Fprintf(w, "Wrote %d package(s) to %s\n", len(result.Packages), result.Output)
	}
	if result.Database != "" {
		fmt.Fprintf(w, "Saved %d package(s) to %s\n", len(result.Packages), result.Database)
	}
	return nil
}

// outputCompileError outputs a single compilation error.
func outputCompileError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Compilation errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputCompileErrors outputs multiple compilation errors.
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	if formatter.Format == "json" {
		cliErrors := make([]CLIError, len(errs))
		for i, err := range errs {
			code, message := parseCompileError(err)
			cliErrors[i] = CLIError{Code: code, Message: message}
		}
		if err := formatter.Failure(cliErrors, cliErrors[0].Code, cliErrors[0].Message); err != nil {
			return err
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		code, message := parseCompileError(err)
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n",
				loadErr.Pos.Filename(),
				loadErr.Pos.Line(),
				loadErr.Pos.Column())
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", code, message)
	}

	// Compilation errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
}

// parseCompileError extracts error code and message from an error.
func parseCompileError(err error) (string, string) {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	var ve compiler.ValidationError
	if errors.As(err, &ve) {
		return ve.Code, ve.Field + ": " + ve.Message
	}
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return MapFieldToErrorCode(compileErr.Field), compileErr.Message
	}
	return ErrCodeGeneric, err.Error()
}
