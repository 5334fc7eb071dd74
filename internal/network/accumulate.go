package network

import (
	"fmt"

	"github.com/roach88/rete/internal/ir"
)

// AccumulateFunction folds the values of the facts matched by an
// accumulate pattern. ok false means the pattern does not match, as for
// min over no facts.
type AccumulateFunction interface {
	Result(values []ir.IRValue) (result ir.IRValue, ok bool, err error)
}

// AccumulateFunc adapts a plain function to AccumulateFunction.
type AccumulateFunc func(values []ir.IRValue) (ir.IRValue, bool, error)

// Result calls f.
func (f AccumulateFunc) Result(values []ir.IRValue) (ir.IRValue, bool, error) {
	return f(values)
}

// Builtins returns the built-in accumulate functions: count, sum, min,
// max and collectList.
func Builtins() map[string]AccumulateFunction {
	return map[string]AccumulateFunction{
		"count":       AccumulateFunc(accCount),
		"sum":         AccumulateFunc(accSum),
		"min":         AccumulateFunc(func(v []ir.IRValue) (ir.IRValue, bool, error) { return accExtreme(v, ir.OpLt) }),
		"max":         AccumulateFunc(func(v []ir.IRValue) (ir.IRValue, bool, error) { return accExtreme(v, ir.OpGt) }),
		"collectList": AccumulateFunc(accCollect),
	}
}

func accCount(values []ir.IRValue) (ir.IRValue, bool, error) {
	return ir.IRInt(len(values)), true, nil
}

func accSum(values []ir.IRValue) (ir.IRValue, bool, error) {
	var sum ir.IRInt
	for _, v := range values {
		if ir.IsNull(v) {
			continue
		}
		n, ok := v.(ir.IRInt)
		if !ok {
			return nil, false, fmt.Errorf("sum: %s is not an int", ir.String(v))
		}
		sum += n
	}
	return sum, true, nil
}

func accExtreme(values []ir.IRValue, op ir.Op) (ir.IRValue, bool, error) {
	var best ir.IRValue
	for _, v := range values {
		if ir.IsNull(v) {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		better, err := ir.Compare(op, v, best)
		if err != nil {
			return nil, false, err
		}
		if better {
			best = v
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

func accCollect(values []ir.IRValue) (ir.IRValue, bool, error) {
	out := make(ir.IRArray, len(values))
	copy(out, values)
	return out, true, nil
}
