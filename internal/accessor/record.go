package accessor

import (
	"fmt"
	"sync"

	"github.com/roach88/rete/internal/ir"
)

// Record is an untyped fact: a type name plus field values. Fact
// templates and YAML fact files produce records.
type Record struct {
	Type   string
	Fields ir.IRObject
}

// NewRecord creates a record. A nil fields object is replaced by an
// empty one.
func NewRecord(typeName string, fields ir.IRObject) *Record {
	if fields == nil {
		fields = ir.IRObject{}
	}
	return &Record{Type: typeName, Fields: fields}
}

// Get returns a field value, IRNull when absent.
func (r *Record) Get(field string) ir.IRValue {
	if v, ok := r.Fields[field]; ok && v != nil {
		return v
	}
	return ir.IRNull{}
}

func (r *Record) String() string {
	return r.Type + ir.String(r.Fields)
}

// RecordProvider serves *Record facts of declared types.
type RecordProvider struct {
	mu    sync.RWMutex
	types map[string][]string
}

// NewRecordProvider creates an empty provider.
func NewRecordProvider() *RecordProvider {
	return &RecordProvider{types: make(map[string][]string)}
}

// Declare registers a record type and its fields. Declaring a type again
// replaces its field list.
func (p *RecordProvider) Declare(typeName string, fields ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types[typeName] = append([]string(nil), fields...)
}

// Declared reports whether typeName has been declared.
func (p *RecordProvider) Declared(typeName string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.types[typeName]
	return ok
}

// TypesOf returns the record's type when it is declared.
func (p *RecordProvider) TypesOf(fact any) []string {
	r, ok := fact.(*Record)
	if !ok || r == nil || !p.Declared(r.Type) {
		return nil
	}
	return []string{r.Type}
}

// Fields returns the declared fields.
func (p *RecordProvider) Fields(typeName string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fields, ok := p.types[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return append([]string(nil), fields...), nil
}

// New returns an empty record of a declared type.
func (p *RecordProvider) New(typeName string) (any, error) {
	if !p.Declared(typeName) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return NewRecord(typeName, nil), nil
}

// Accessor returns an accessor over a declared field. Undeclared fields
// are rejected so that typos in rules surface at wiring time.
func (p *RecordProvider) Accessor(typeName, field string) (*FieldAccessor, error) {
	fields, err := p.Fields(typeName)
	if err != nil {
		return nil, err
	}

	acc := &FieldAccessor{Type: typeName, Field: field}
	if field == This {
		acc.Read = func(fact any) (ir.IRValue, error) {
			r, err := asRecord(fact, typeName)
			if err != nil {
				return nil, err
			}
			return r.Fields.Clone(), nil
		}
		acc.Write = func(any, ir.IRValue) error {
			return fmt.Errorf("%w: %s.this", ErrReadOnly, typeName)
		}
		return acc, nil
	}

	declared := false
	for _, f := range fields {
		if f == field {
			declared = true
			break
		}
	}
	if !declared {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, typeName, field)
	}

	acc.Read = func(fact any) (ir.IRValue, error) {
		r, err := asRecord(fact, typeName)
		if err != nil {
			return nil, err
		}
		return r.Get(field), nil
	}
	acc.Write = func(fact any, v ir.IRValue) error {
		r, err := asRecord(fact, typeName)
		if err != nil {
			return err
		}
		if r.Fields == nil {
			r.Fields = ir.IRObject{}
		}
		if v == nil {
			v = ir.IRNull{}
		}
		r.Fields[field] = v
		return nil
	}
	return acc, nil
}

func asRecord(fact any, typeName string) (*Record, error) {
	r, ok := fact.(*Record)
	if !ok || r == nil {
		return nil, fmt.Errorf("fact %T is not a %s record", fact, typeName)
	}
	if r.Type != typeName {
		return nil, fmt.Errorf("record is %s, want %s", r.Type, typeName)
	}
	return r, nil
}
