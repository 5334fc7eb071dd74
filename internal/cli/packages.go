package cli

import (
	"fmt"
	"log/slog"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/compiler"
	"github.com/roach88/rete/internal/knowledge"
)

// PackageSummary describes one loaded package.
type PackageSummary struct {
	Name    string `json:"name"`
	Source  string `json:"source"`
	Rules   int    `json:"rules"`
	Queries int    `json:"queries"`
	Types   int    `json:"types"`
	Digest  string `json:"digest,omitempty"`
}

func summarize(u *knowledge.UnwiredPackage, source string) PackageSummary {
	s := PackageSummary{Name: u.Name(), Source: source, Types: len(u.Types())}
	for _, r := range u.Rules() {
		if r.IsQuery() {
			s.Queries++
		} else {
			s.Rules++
		}
	}
	return s
}

// checkPackages validates every loaded definition and analyzes its rules
// for activation cycles. Error fields are prefixed with the package name.
func checkPackages(result *LoadResult) ([]compiler.ValidationError, []compiler.CycleWarning) {
	var errs []compiler.ValidationError
	var warnings []compiler.CycleWarning
	for _, def := range result.Defs() {
		for _, e := range compiler.Validate(&def) {
			e.Field = def.Name + ": " + e.Field
			errs = append(errs, e)
		}
		warnings = append(warnings, compiler.AnalyzeCycles(&def)...)
	}
	return errs, warnings
}

// loggingFunctions binds every function a package declares to a stand-in
// that logs the call. The CLI has no Go code to run for them.
func loggingFunctions(u *knowledge.UnwiredPackage, logger *slog.Logger) knowledge.Option {
	fns := make(map[string]knowledge.Function)
	for _, decl := range u.Functions() {
		name := decl.Name
		fns[name] = func(ctx knowledge.Context) error {
			logger.Info("function called", "function", name, "rule", ctx.Rule())
			return nil
		}
	}
	return knowledge.WithFunctions(fns)
}

// buildKnowledgeBase wires the packages against a record provider and
// adds them to a new knowledge base in order.
func buildKnowledgeBase(pkgs []*knowledge.UnwiredPackage, logger *slog.Logger) (*knowledge.KnowledgeBase, []*knowledge.Package, []knowledge.BuildResult, error) {
	kb := knowledge.New(accessor.NewRecordProvider(), knowledge.WithLogger(logger))
	wired := make([]*knowledge.Package, 0, len(pkgs))
	var results []knowledge.BuildResult
	for _, u := range pkgs {
		pkg, err := kb.Wire(u, loggingFunctions(u, logger))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("wire %s: %w", u.Name(), err)
		}
		r, err := kb.AddPackage(pkg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("add %s: %w", u.Name(), err)
		}
		results = append(results, r...)
		wired = append(wired, pkg)
	}
	return kb, wired, results, nil
}
