package accessor

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/roach88/rete/internal/ir"
)

// ReflectProvider serves registered Go types through reflection.
//
// Struct fields are exposed under their `rule:"name"` tag, or under the Go
// field name with a lower-cased first letter. `rule:"-"` hides a field,
// and unexported fields are never exposed. Non-struct types (strings,
// ints) expose only the "this" pseudo-field.
//
// Interfaces registered with RegisterInterface act as supertypes: a fact
// belongs to every registered interface its Go type implements, and
// fields of an interface type are resolved against the dynamic type.
//
// Writes require the fact to be inserted as a pointer.
type ReflectProvider struct {
	mu     sync.RWMutex
	byName map[string]*reflectType
	byType map[reflect.Type]*reflectType
	ifaces []*reflectType
}

type reflectType struct {
	name   string
	typ    reflect.Type
	iface  bool
	fields []string
	index  map[string][]int
}

// NewReflectProvider creates an empty provider.
func NewReflectProvider() *ReflectProvider {
	return &ReflectProvider{
		byName: make(map[string]*reflectType),
		byType: make(map[reflect.Type]*reflectType),
	}
}

// Register exposes the Go type of sample under name. sample may be a
// value or a pointer; both forms of the type are recognised as facts.
func (p *ReflectProvider) Register(name string, sample any) error {
	t := reflect.TypeOf(sample)
	if t == nil {
		return fmt.Errorf("register %s: nil sample", name)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	rt := &reflectType{name: name, typ: t, index: make(map[string][]int)}
	if t.Kind() == reflect.Struct {
		collectFields(rt, t, nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byName[name]; exists {
		return fmt.Errorf("register %s: type name already registered", name)
	}
	if other, exists := p.byType[t]; exists {
		return fmt.Errorf("register %s: %s already registered as %s", name, t, other.name)
	}
	p.byName[name] = rt
	p.byType[t] = rt
	return nil
}

// RegisterInterface declares name as a supertype for every registered
// type implementing the interface. iface must be a nil pointer to the
// interface, e.g. (*Shape)(nil).
func (p *ReflectProvider) RegisterInterface(name string, iface any) error {
	t := reflect.TypeOf(iface)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Interface {
		return fmt.Errorf("register %s: want a pointer to an interface, got %v", name, t)
	}

	rt := &reflectType{name: name, typ: t.Elem(), iface: true}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byName[name]; exists {
		return fmt.Errorf("register %s: type name already registered", name)
	}
	p.byName[name] = rt
	p.ifaces = append(p.ifaces, rt)
	return nil
}

// MustRegister is like Register but panics on error.
// Use only in tests or static setup.
func (p *ReflectProvider) MustRegister(name string, sample any) *ReflectProvider {
	if err := p.Register(name, sample); err != nil {
		panic(err)
	}
	return p
}

func collectFields(rt *reflectType, t reflect.Type, prefix []int) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		idx := append(append([]int(nil), prefix...), i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			collectFields(rt, f.Type, idx)
			continue
		}
		if !f.IsExported() {
			continue
		}
		name := f.Tag.Get("rule")
		if name == "-" {
			continue
		}
		if name == "" {
			name = lowerFirst(f.Name)
		}
		if _, dup := rt.index[name]; dup {
			continue
		}
		rt.fields = append(rt.fields, name)
		rt.index[name] = idx
	}
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

// TypesOf returns the registered name of the fact's type followed by the
// registered interfaces it implements, in registration order.
func (p *ReflectProvider) TypesOf(fact any) []string {
	t := reflect.TypeOf(fact)
	if t == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	rt, ok := p.byType[base]
	if !ok {
		return nil
	}
	types := []string{rt.name}
	for _, iface := range p.ifaces {
		if t.Implements(iface.typ) || base.Implements(iface.typ) {
			types = append(types, iface.name)
		}
	}
	return types
}

// Fields lists the exposed fields of a struct type. Interfaces and scalar
// types report none.
func (p *ReflectProvider) Fields(typeName string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rt, ok := p.byName[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return append([]string(nil), rt.fields...), nil
}

// New returns a pointer to a zero value of a registered struct type.
func (p *ReflectProvider) New(typeName string) (any, error) {
	p.mu.RLock()
	rt, ok := p.byName[typeName]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	if rt.iface || rt.typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot instantiate %s (%s)", typeName, rt.typ)
	}
	return reflect.New(rt.typ).Interface(), nil
}

// Accessor resolves a field accessor for a registered type.
func (p *ReflectProvider) Accessor(typeName, field string) (*FieldAccessor, error) {
	p.mu.RLock()
	rt, ok := p.byName[typeName]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}

	acc := &FieldAccessor{Type: typeName, Field: field}
	switch {
	case field == This:
		acc.Read = func(fact any) (ir.IRValue, error) { return p.readThis(fact) }
		acc.Write = func(any, ir.IRValue) error {
			return fmt.Errorf("%w: %s.this", ErrReadOnly, typeName)
		}
	case rt.iface:
		acc.Read = func(fact any) (ir.IRValue, error) {
			idx, err := p.dynamicIndex(fact, typeName, field)
			if err != nil {
				return nil, err
			}
			return readField(fact, idx)
		}
		acc.Write = func(fact any, v ir.IRValue) error {
			idx, err := p.dynamicIndex(fact, typeName, field)
			if err != nil {
				return err
			}
			return writeField(fact, idx, v)
		}
	default:
		idx, ok := rt.index[field]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, typeName, field)
		}
		acc.Read = func(fact any) (ir.IRValue, error) {
			if err := checkType(fact, rt.typ); err != nil {
				return nil, err
			}
			return readField(fact, idx)
		}
		acc.Write = func(fact any, v ir.IRValue) error {
			if err := checkType(fact, rt.typ); err != nil {
				return err
			}
			return writeField(fact, idx, v)
		}
	}
	return acc, nil
}

func (p *ReflectProvider) readThis(fact any) (ir.IRValue, error) {
	rv := indirect(reflect.ValueOf(fact))
	if !rv.IsValid() {
		return ir.IRNull{}, nil
	}
	if rv.Kind() != reflect.Struct {
		return ir.FromGo(rv.Interface())
	}

	p.mu.RLock()
	rt, ok := p.byType[rv.Type()]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, rv.Type())
	}
	obj := make(ir.IRObject, len(rt.fields))
	for _, name := range rt.fields {
		v, err := ir.FromGo(rv.FieldByIndex(rt.index[name]).Interface())
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", rt.name, name, err)
		}
		obj[name] = v
	}
	return obj, nil
}

// dynamicIndex finds a field of an interface-typed fact through its
// registered concrete type.
func (p *ReflectProvider) dynamicIndex(fact any, typeName, field string) ([]int, error) {
	rv := indirect(reflect.ValueOf(fact))
	if !rv.IsValid() {
		return nil, fmt.Errorf("%s.%s: nil fact", typeName, field)
	}
	p.mu.RLock()
	rt, ok := p.byType[rv.Type()]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, rv.Type())
	}
	idx, ok := rt.index[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s (via %s)", ErrUnknownField, typeName, field, rt.name)
	}
	return idx, nil
}

func indirect(rv reflect.Value) reflect.Value {
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	return rv
}

func checkType(fact any, want reflect.Type) error {
	rv := indirect(reflect.ValueOf(fact))
	if !rv.IsValid() {
		return fmt.Errorf("nil fact, want %s", want)
	}
	if rv.Type() != want {
		return fmt.Errorf("fact is %s, want %s", rv.Type(), want)
	}
	return nil
}

func readField(fact any, idx []int) (ir.IRValue, error) {
	rv := indirect(reflect.ValueOf(fact))
	return ir.FromGo(rv.FieldByIndex(idx).Interface())
}

func writeField(fact any, idx []int, v ir.IRValue) error {
	rv := reflect.ValueOf(fact)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: fact %T is not a pointer", ErrReadOnly, fact)
	}
	fv := rv.Elem().FieldByIndex(idx)
	if !fv.CanSet() {
		return fmt.Errorf("%w: field %v", ErrReadOnly, idx)
	}
	return assign(fv, v)
}

// assign stores an IRValue into a settable reflect.Value, converting to
// the destination kind. Null stores the zero value.
func assign(dst reflect.Value, v ir.IRValue) error {
	if ir.IsNull(v) {
		dst.SetZero()
		return nil
	}
	switch dst.Kind() {
	case reflect.String:
		s, ok := v.(ir.IRString)
		if !ok {
			return kindMismatch(dst, v)
		}
		dst.SetString(string(s))
	case reflect.Bool:
		b, ok := v.(ir.IRBool)
		if !ok {
			return kindMismatch(dst, v)
		}
		dst.SetBool(bool(b))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := v.(ir.IRInt)
		if !ok {
			return kindMismatch(dst, v)
		}
		if dst.OverflowInt(int64(n)) {
			return fmt.Errorf("%d overflows %s", n, dst.Type())
		}
		dst.SetInt(int64(n))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := v.(ir.IRInt)
		if !ok {
			return kindMismatch(dst, v)
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("%d overflows %s", n, dst.Type())
		}
		dst.SetUint(uint64(n))
	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)
	case reflect.Interface:
		val := ir.ToGo(v)
		rv := reflect.ValueOf(val)
		if !rv.Type().AssignableTo(dst.Type()) {
			return kindMismatch(dst, v)
		}
		dst.Set(rv)
	case reflect.Slice:
		arr, ok := v.(ir.IRArray)
		if !ok {
			return kindMismatch(dst, v)
		}
		out := reflect.MakeSlice(dst.Type(), len(arr), len(arr))
		for i, elem := range arr {
			if err := assign(out.Index(i), elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		dst.Set(out)
	case reflect.Map:
		obj, ok := v.(ir.IRObject)
		if !ok || dst.Type().Key().Kind() != reflect.String {
			return kindMismatch(dst, v)
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(obj))
		for k, elem := range obj {
			ev := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(ev, elem); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(dst.Type().Key()), ev)
		}
		dst.Set(out)
	default:
		return kindMismatch(dst, v)
	}
	return nil
}

func kindMismatch(dst reflect.Value, v ir.IRValue) error {
	return fmt.Errorf("cannot store %s value into %s", ir.Kind(v), strings.TrimPrefix(dst.Type().String(), "*"))
}
