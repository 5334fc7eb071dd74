package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue/token"

	"github.com/roach88/rete/internal/compiler"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/knowledge"
)

// CompiledExt is the file extension of encoded packages written by
// `rete compile`.
const CompiledExt = ".rpkg"

// LoadMode controls how errors are handled during package loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the packages loaded from the given paths.
type LoadResult struct {
	// Packages in load order: files sorted by path, and within a
	// compiled file in stream order.
	Packages []*knowledge.UnwiredPackage
	// Sources maps package names to the file they came from.
	Sources   map[string]string
	FileCount int
}

// Defs returns the definitions of the loaded packages.
func (r *LoadResult) Defs() []ir.PackageDef {
	out := make([]ir.PackageDef, len(r.Packages))
	for i, p := range r.Packages {
		out[i] = p.Def()
	}
	return out
}

// LoadError represents an error that occurred during package loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadPackages loads rule packages from files and directories. A .cue
// file holds one package definition; a .rpkg file holds one or more
// encoded packages. Directories contribute every such file below them.
//
// CUE packages are compiled but not validated; callers run
// compiler.Validate on Defs. Encoded packages were validated when they
// were compiled.
//
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func LoadPackages(paths []string, mode LoadMode) (*LoadResult, []error) {
	files, err := FindPackageFiles(paths...)
	if err != nil {
		return nil, []error{err}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no .cue or %s files found in %v", CompiledExt, paths)}}
	}

	result := &LoadResult{Sources: make(map[string]string), FileCount: len(files)}
	var errs []error
	for _, file := range files {
		pkgs, err := loadFile(file)
		if err != nil {
			errs = append(errs, err)
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		for _, p := range pkgs {
			if prev, ok := result.Sources[p.Name()]; ok {
				errs = append(errs, &LoadError{
					Code:    ErrCodeDuplicate,
					Message: fmt.Sprintf("package %s defined in %s and %s", p.Name(), prev, file),
				})
				if mode == LoadModeFailFast {
					return result, errs
				}
				continue
			}
			result.Sources[p.Name()] = file
			result.Packages = append(result.Packages, p)
		}
	}
	return result, errs
}

func loadFile(path string) ([]*knowledge.UnwiredPackage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading %s: %v", path, err)}
	}

	if filepath.Ext(path) == CompiledExt {
		return decodeAll(path, data)
	}

	def, err := compiler.CompileSource(path, data)
	if err != nil {
		return nil, convertCompileError(err, path)
	}
	u, err := knowledge.NewUnwired(*def)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return []*knowledge.UnwiredPackage{u}, nil
}

// decodeAll reads the concatenated packages of a compiled file.
func decodeAll(path string, data []byte) ([]*knowledge.UnwiredPackage, error) {
	r := bytes.NewReader(data)
	var out []*knowledge.UnwiredPackage
	for r.Len() > 0 {
		u, err := knowledge.Decode(r)
		if err != nil {
			if errors.Is(err, io.EOF) && len(out) > 0 {
				break
			}
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("%s: %v", path, err)}
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("%s: empty package file", path)}
	}
	return out, nil
}

// FindPackageFiles expands paths into .cue and .rpkg files, sorted and
// without duplicates. Named files are taken whatever their extension.
func FindPackageFiles(paths ...string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("path not found: %s", path)}
		}
		if err != nil {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing %s: %v", path, err)}
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if ext := filepath.Ext(p); !info.IsDir() && (ext == ".cue" || ext == CompiledExt) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No package files found
	ErrCodeLoadFailed  = "E004" // Encoded package unreadable
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE evaluation failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeDuplicate   = "E008" // Package name loaded twice
	ErrCodeWiring      = "E009" // Package could not be wired or added
	ErrCodeInput       = "E010" // Fact file unreadable or invalid
	ErrCodeDatabase    = "E011" // Database error

	// Package compile errors
	ErrCodePackageName = "E101" // Missing package name
	ErrCodeInvalidType = "E104" // Invalid field type (e.g., float)

	// Rule compile errors
	ErrCodeInvalidWhen  = "E110" // Invalid when clause
	ErrCodeInvalidWhere = "E112" // Invalid where clause or value
	ErrCodeInvalidThen  = "E113" // Invalid then clause
)

// MapFieldToErrorCode maps a compiler error field to an error code.
// Fields of rule sections may carry the rule name as a prefix
// ("adult.when").
func MapFieldToErrorCode(field string) string {
	switch {
	case field == "cue":
		return ErrCodeBuildFailed
	case field == "name":
		return ErrCodePackageName
	case field == "type":
		return ErrCodeInvalidType
	case strings.HasPrefix(field, "where") || field == "value":
		return ErrCodeInvalidWhere
	case strings.HasPrefix(field, "then"):
		return ErrCodeInvalidThen
	case strings.HasPrefix(field, "when") || strings.HasSuffix(field, ".when"):
		return ErrCodeInvalidWhen
	default:
		return ErrCodeGeneric
	}
}
