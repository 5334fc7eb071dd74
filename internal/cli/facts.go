package cli

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/knowledge"
)

// FactFile is the YAML input of `rete run`:
//
//	globals:
//	  seen: []
//	facts:
//	  - type: Person
//	    fields: {name: bob, age: 30}
type FactFile struct {
	Globals map[string]any `yaml:"globals,omitempty"`
	Facts   []FactSpec     `yaml:"facts"`
}

// FactSpec is one record fact to insert.
type FactSpec struct {
	Type   string         `yaml:"type"`
	Fields map[string]any `yaml:"fields"`
}

// LoadFactFile reads a fact file. Unknown keys are rejected.
func LoadFactFile(path string) (*FactFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fact file: %w", err)
	}
	var ff FactFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&ff); err != nil {
		return nil, fmt.Errorf("failed to parse fact file: %w", err)
	}
	for i, f := range ff.Facts {
		if f.Type == "" {
			return nil, fmt.Errorf("facts[%d]: type is required", i)
		}
	}
	return &ff, nil
}

// Records builds the records to insert, filling in template defaults and
// rejecting fields the type does not declare.
func (ff *FactFile) Records(kb *knowledge.KnowledgeBase) ([]*accessor.Record, error) {
	out := make([]*accessor.Record, 0, len(ff.Facts))
	for i, f := range ff.Facts {
		declared, err := kb.Provider().Fields(f.Type)
		if err != nil {
			return nil, fmt.Errorf("facts[%d]: %w", i, err)
		}
		values := ir.IRObject{}
		if tmpl, ok := kb.Template(f.Type); ok {
			values = tmpl.Defaults.Clone()
		}
		for _, name := range slices.Sorted(maps.Keys(f.Fields)) {
			if !slices.Contains(declared, name) {
				return nil, fmt.Errorf("facts[%d]: %w: %s.%s", i, accessor.ErrUnknownField, f.Type, name)
			}
			v, err := yamlToIR(f.Fields[name])
			if err != nil {
				return nil, fmt.Errorf("facts[%d].%s: %w", i, name, err)
			}
			values[name] = v
		}
		out = append(out, accessor.NewRecord(f.Type, values))
	}
	return out, nil
}

// yamlToIR converts a decoded YAML value. Integral floats become ints.
func yamlToIR(v any) (ir.IRValue, error) {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return ir.IRInt(int64(val)), nil
		}
		return nil, fmt.Errorf("floats are forbidden: %v", val)
	case []any:
		arr := make(ir.IRArray, len(val))
		for i, e := range val {
			iv, err := yamlToIR(e)
			if err != nil {
				return nil, err
			}
			arr[i] = iv
		}
		return arr, nil
	case map[string]any:
		obj := make(ir.IRObject, len(val))
		for k, e := range val {
			iv, err := yamlToIR(e)
			if err != nil {
				return nil, err
			}
			obj[k] = iv
		}
		return obj, nil
	}
	return ir.FromGo(v)
}
