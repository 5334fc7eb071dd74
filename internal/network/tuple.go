package network

import (
	"fmt"
	"strings"

	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/memory"
)

// Tuple is a partial match: one level per matched pattern, linked to its
// parent. Level 0 is the session's root tuple. Levels produced by not
// and exists patterns carry no fact; accumulate levels carry the folded
// value.
type Tuple struct {
	parent *Tuple
	handle *memory.FactHandle
	value  ir.IRValue
	level  int
	seq    int64
	node   NodeID
	dead   bool

	children *orderedSet[*Tuple]
}

// Parent returns the tuple one level up, nil for the root tuple.
func (t *Tuple) Parent() *Tuple { return t.parent }

// Level returns the tuple's depth.
func (t *Tuple) Level() int { return t.level }

// Seq returns the tuple's creation sequence number within its session.
func (t *Tuple) Seq() int64 { return t.seq }

// Node returns the node that produced the tuple.
func (t *Tuple) Node() NodeID { return t.node }

// Handle returns the fact matched at this level, if any.
func (t *Tuple) Handle() *memory.FactHandle { return t.handle }

// Value returns the accumulate result at this level, if any.
func (t *Tuple) Value() ir.IRValue { return t.value }

// Live reports whether the tuple is still part of the network.
func (t *Tuple) Live() bool { return !t.dead }

// At returns the ancestor at the given level.
func (t *Tuple) At(level int) *Tuple {
	for cur := t; cur != nil; cur = cur.parent {
		if cur.level == level {
			return cur
		}
	}
	return nil
}

// Handles returns the facts of the tuple from level 1 down. Levels
// without a fact yield nil entries.
func (t *Tuple) Handles() []*memory.FactHandle {
	out := make([]*memory.FactHandle, t.level)
	for cur := t; cur != nil && cur.level > 0; cur = cur.parent {
		out[cur.level-1] = cur.handle
	}
	return out
}

// Contains reports whether h is matched at any level.
func (t *Tuple) Contains(h *memory.FactHandle) bool {
	for cur := t; cur != nil; cur = cur.parent {
		if cur.handle == h {
			return true
		}
	}
	return false
}

func (t *Tuple) String() string {
	var parts []string
	for _, h := range t.Handles() {
		if h == nil {
			parts = append(parts, "-")
			continue
		}
		parts = append(parts, fmt.Sprintf("%d", h.ID()))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (t *Tuple) addChild(c *Tuple) {
	if t.children == nil {
		t.children = newOrderedSet[*Tuple]()
	}
	t.children.add(c)
}

func (t *Tuple) removeChild(c *Tuple) {
	if t.children != nil {
		t.children.remove(c)
	}
}
