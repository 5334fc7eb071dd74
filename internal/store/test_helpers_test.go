package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/knowledge"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// peopleDef declares Person and Adult records and one rule deriving an
// Adult for every Person aged 18 or more.
func peopleDef() ir.PackageDef {
	return ir.PackageDef{
		Name: "people",
		Types: []ir.TypeDecl{
			{Name: "Person", Fields: []ir.FieldDecl{{Name: "name", Type: "string"}, {Name: "age", Type: "int"}}},
			{Name: "Adult", Fields: []ir.FieldDecl{{Name: "name", Type: "string"}}},
		},
		Rules: []ir.RuleDef{{
			Name:     "adult",
			Salience: 5,
			Patterns: []ir.Pattern{{
				Type:        "Person",
				Var:         "$p",
				Constraints: []ir.Constraint{{Field: "age", Op: ir.OpGe, Value: ir.IRInt(18)}},
			}},
			Actions: []ir.ActionStep{{Op: ir.ActionInsertLogical, Type: "Adult", Fields: ir.IRObject{"name": ir.IRString("$p.name")}}},
		}},
	}
}

// wirePackage wires def against p.
func wirePackage(t *testing.T, p accessor.Provider, def ir.PackageDef, opts ...knowledge.Option) *knowledge.Package {
	t.Helper()
	u, err := knowledge.NewUnwired(def)
	if err != nil {
		t.Fatalf("NewUnwired() failed: %v", err)
	}
	pkg, err := knowledge.Wire(u, p, opts...)
	if err != nil {
		t.Fatalf("Wire() failed: %v", err)
	}
	return pkg
}

func person(name string, age int) *accessor.Record {
	return accessor.NewRecord("Person", ir.IRObject{"name": ir.IRString(name), "age": ir.IRInt(age)})
}

func createTestFirings(session string, rules ...string) []Firing {
	out := make([]Firing, len(rules))
	for i, r := range rules {
		out[i] = Firing{
			Session:    session,
			Seq:        int64(i + 1),
			Event:      EventCreated,
			Rule:       r,
			Package:    "people",
			Activation: int64(i + 1),
			Facts:      []int64{int64(i + 1)},
		}
	}
	return out
}

func writeTestFirings(t *testing.T, s *Store, firings []Firing) {
	t.Helper()
	if _, err := s.WriteFirings(context.Background(), firings); err != nil {
		t.Fatalf("WriteFirings() failed: %v", err)
	}
}
