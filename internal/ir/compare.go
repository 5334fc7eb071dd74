package ir

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Op is a constraint operator.
type Op string

// Constraint operators.
const (
	OpEq       Op = "=="
	OpNe       Op = "!="
	OpLt       Op = "<"
	OpLe       Op = "<="
	OpGt       Op = ">"
	OpGe       Op = ">="
	OpMatches  Op = "matches"
	OpContains Op = "contains"
)

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpMatches, OpContains:
		return true
	}
	return false
}

// Indexable reports whether constraints using op can be served by a hash
// index on the compared value.
func (op Op) Indexable() bool {
	return op == OpEq
}

// CompareError reports an operator applied to values it cannot compare,
// such as ordering a string against an int.
type CompareError struct {
	Op    Op
	Left  IRValue
	Right IRValue
	Msg   string
}

func (e *CompareError) Error() string {
	return fmt.Sprintf("cannot evaluate %s %s %s: %s", String(e.Left), e.Op, String(e.Right), e.Msg)
}

// Compare evaluates `left op right`.
//
// Equality never fails: values of different kinds are simply unequal.
// Ordering a null against anything is false. Ordering across other kinds
// is an error, as is an unknown operator or an invalid regular expression.
func Compare(op Op, left, right IRValue) (bool, error) {
	switch op {
	case OpEq:
		return Equal(left, right), nil
	case OpNe:
		return !Equal(left, right), nil
	case OpLt, OpLe, OpGt, OpGe:
		if IsNull(left) || IsNull(right) {
			return false, nil
		}
		c, err := order(left, right)
		if err != nil {
			return false, &CompareError{Op: op, Left: left, Right: right, Msg: err.Error()}
		}
		switch op {
		case OpLt:
			return c < 0, nil
		case OpLe:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case OpMatches:
		if IsNull(left) {
			return false, nil
		}
		s, ok1 := left.(IRString)
		pattern, ok2 := right.(IRString)
		if !ok1 || !ok2 {
			return false, &CompareError{Op: op, Left: left, Right: right, Msg: "matches needs string operands"}
		}
		re, err := compilePattern(string(pattern))
		if err != nil {
			return false, &CompareError{Op: op, Left: left, Right: right, Msg: err.Error()}
		}
		return re.MatchString(string(s)), nil
	case OpContains:
		switch l := left.(type) {
		case nil, IRNull:
			return false, nil
		case IRArray:
			for _, elem := range l {
				if Equal(elem, right) {
					return true, nil
				}
			}
			return false, nil
		case IRString:
			r, ok := right.(IRString)
			if !ok {
				return false, &CompareError{Op: op, Left: left, Right: right, Msg: "string contains needs a string operand"}
			}
			return strings.Contains(string(l), string(r)), nil
		case IRObject:
			r, ok := right.(IRString)
			if !ok {
				return false, &CompareError{Op: op, Left: left, Right: right, Msg: "object contains needs a string key"}
			}
			_, found := l[string(r)]
			return found, nil
		}
		return false, &CompareError{Op: op, Left: left, Right: right, Msg: "contains needs an array, string or object"}
	}
	return false, &CompareError{Op: op, Left: left, Right: right, Msg: "unknown operator"}
}

// order compares two non-null values of the same orderable kind.
func order(a, b IRValue) (int, error) {
	switch av := a.(type) {
	case IRInt:
		if bv, ok := b.(IRInt); ok {
			switch {
			case av < bv:
				return -1, nil
			case av > bv:
				return 1, nil
			}
			return 0, nil
		}
	case IRString:
		if bv, ok := b.(IRString); ok {
			return strings.Compare(string(av), string(bv)), nil
		}
	case IRBool:
		if bv, ok := b.(IRBool); ok {
			switch {
			case av == bv:
				return 0, nil
			case !bool(av):
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, fmt.Errorf("%s and %s are not mutually ordered", Kind(a), Kind(b))
}

// Equal reports deep equality of two values. Nil and IRNull are equal.
func Equal(a, b IRValue) bool {
	switch av := a.(type) {
	case nil, IRNull:
		return IsNull(b)
	case IRString:
		bv, ok := b.(IRString)
		return ok && av == bv
	case IRInt:
		bv, ok := b.(IRInt)
		return ok && av == bv
	case IRBool:
		bv, ok := b.(IRBool)
		return ok && av == bv
	case IRArray:
		bv, ok := b.(IRArray)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case IRObject:
		bv, ok := b.(IRObject)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, found := bv[k]
			if !found || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

// IndexKey returns a string that is equal for two values exactly when
// Equal reports them equal. Join memories hash on it.
func IndexKey(v IRValue) string {
	switch val := v.(type) {
	case nil, IRNull:
		return "n"
	case IRString:
		return "s" + string(val)
	case IRInt:
		return "i" + strconv.FormatInt(int64(val), 10)
	case IRBool:
		if val {
			return "bt"
		}
		return "bf"
	default:
		b, err := marshalCanonical(val)
		if err != nil {
			return fmt.Sprintf("?%T", v)
		}
		return Kind(val)[:1] + string(b)
	}
}

var patternCache sync.Map // string -> *regexp.Regexp

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}
