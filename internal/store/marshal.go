package store

import (
	"fmt"

	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/network"
)

// factIDs lists the fact IDs of a tuple from level 1 down. Levels
// without a fact (not, exists, accumulate) yield 0; fact IDs start at 1.
func factIDs(t *network.Tuple) []int64 {
	if t == nil {
		return []int64{}
	}
	handles := t.Handles()
	ids := make([]int64, len(handles))
	for i, h := range handles {
		if h != nil {
			ids[i] = h.ID()
		}
	}
	return ids
}

// marshalFactIDs converts fact IDs to canonical JSON TEXT for storage.
// 0 is stored as null.
func marshalFactIDs(ids []int64) (string, error) {
	arr := make(ir.IRArray, len(ids))
	for i, id := range ids {
		if id == 0 {
			arr[i] = ir.IRNull{}
			continue
		}
		arr[i] = ir.IRInt(id)
	}
	data, err := ir.MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("marshal facts: %w", err)
	}
	return string(data), nil
}

// unmarshalFactIDs parses stored fact IDs; null comes back as 0.
func unmarshalFactIDs(data string) ([]int64, error) {
	var arr ir.IRArray
	if err := arr.UnmarshalJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("unmarshal facts: %w", err)
	}
	ids := make([]int64, len(arr))
	for i, v := range arr {
		switch x := v.(type) {
		case ir.IRInt:
			ids[i] = int64(x)
		case ir.IRNull:
		default:
			return nil, fmt.Errorf("unmarshal facts: level %d: unexpected %s", i, ir.Kind(v))
		}
	}
	return ids, nil
}
