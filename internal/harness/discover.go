package harness

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ScenarioNotFoundError is returned when a scenario path doesn't exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario path %q does not exist", e.Path)
}

// DiscoverScenarios expands paths into scenario files. A file is taken
// as is; a directory contributes every .yaml or .yml file below it.
// The result is sorted and free of duplicates.
func DiscoverScenarios(paths ...string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return nil, &ScenarioNotFoundError{Path: path}
		}
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if ext := strings.ToLower(filepath.Ext(p)); ext == ".yaml" || ext == ".yml" {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

// FileResult is the outcome of running one scenario file.
type FileResult struct {
	Path     string
	Scenario *Scenario
	Result   *Result
	// Err is set when the scenario could not be loaded or run.
	Err error
}

// Passed reports whether the scenario ran and all its checks held.
func (r FileResult) Passed() bool {
	return r.Err == nil && r.Result != nil && r.Result.Pass
}

// RunAll loads and runs scenario files concurrently, at most limit at a
// time (limit <= 0 means no limit). Results keep the order of paths.
// Each scenario has its own store, knowledge base and session, so runs
// share nothing. Cancelling ctx skips scenarios not yet started.
func RunAll(ctx context.Context, paths []string, limit int, opts ...Option) ([]FileResult, error) {
	results := make([]FileResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i].Path = path
			scenario, err := LoadScenario(path)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Scenario = scenario
			results[i].Result, results[i].Err = Run(scenario, opts...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
