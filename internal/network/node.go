package network

import (
	"fmt"
	"strings"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
)

// NodeID addresses a node in the network arena. IDs are never reused.
type NodeID int32

const (
	// NoNode is the absent node.
	NoNode NodeID = -1

	// Root is the entry node. Its single output is the session's root
	// tuple, and every type node hangs off it.
	Root NodeID = 0
)

// Kind is a node's role.
type Kind uint8

// Node kinds.
const (
	KindRoot Kind = iota
	KindType
	KindAlpha
	KindWindow
	KindJoin
	KindNot
	KindExists
	KindAccumulate
	KindTerminal
	KindQuery
)

var kindNames = [...]string{"root", "type", "alpha", "window", "join", "not", "exists", "accumulate", "terminal", "query"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsAlpha reports whether nodes of this kind filter single facts.
func (k Kind) IsAlpha() bool {
	return k == KindType || k == KindAlpha || k == KindWindow
}

// IsBeta reports whether nodes of this kind combine tuples with facts.
func (k Kind) IsBeta() bool {
	return k == KindJoin || k == KindNot || k == KindExists || k == KindAccumulate
}

// IsTerminal reports whether nodes of this kind end a rule or query.
func (k Kind) IsTerminal() bool {
	return k == KindTerminal || k == KindQuery
}

// AlphaTest compares one field of a fact against a literal.
type AlphaTest struct {
	Field *accessor.Binding
	Op    ir.Op
	Value ir.IRValue
}

func (t AlphaTest) String() string {
	return fmt.Sprintf("%s %s %s", t.Field.Field, t.Op, ir.String(t.Value))
}

// VarKind says what a variable reference reads.
type VarKind uint8

// Variable kinds.
const (
	// VarFact is a whole fact bound with "as".
	VarFact VarKind = iota
	// VarField is a field of a matched fact.
	VarField
	// VarResult is the value of an accumulate level.
	VarResult
)

// VarRef locates a variable in a tuple.
type VarRef struct {
	Level int
	Kind  VarKind
	Type  string
	Field *accessor.Binding
}

// Read evaluates the reference against t. VarFact references read the
// fact through its "this" accessor.
func (r VarRef) Read(t *Tuple) (ir.IRValue, error) {
	at := t.At(r.Level)
	if at == nil {
		return nil, fmt.Errorf("tuple %s has no level %d", t, r.Level)
	}
	if r.Kind == VarResult {
		if at.value == nil {
			return ir.IRNull{}, nil
		}
		return at.value, nil
	}
	if at.handle == nil {
		return nil, fmt.Errorf("level %d has no fact", r.Level)
	}
	return r.Field.Read(at.handle.Object())
}

// Object returns the fact a VarFact reference names, or the value of any
// other reference converted to plain Go.
func (r VarRef) Object(t *Tuple) (any, error) {
	if r.Kind == VarFact {
		at := t.At(r.Level)
		if at == nil || at.handle == nil {
			return nil, fmt.Errorf("level %d has no fact", r.Level)
		}
		return at.handle.Object(), nil
	}
	v, err := r.Read(t)
	if err != nil {
		return nil, err
	}
	return ir.ToGo(v), nil
}

func (r VarRef) key() string {
	field := ""
	if r.Field != nil {
		field = r.Field.String()
	}
	return fmt.Sprintf("%d/%d/%s", r.Level, r.Kind, field)
}

// JoinTest compares a field of the right-hand fact with a variable bound
// at an earlier level: Right Op Left.
type JoinTest struct {
	Right *accessor.Binding
	Op    ir.Op
	Left  VarRef
}

func (j JoinTest) String() string {
	return fmt.Sprintf("%s %s L%d.%s", j.Right.Field, j.Op, j.Left.Level, leftFieldName(j.Left))
}

func leftFieldName(r VarRef) string {
	if r.Kind == VarResult || r.Field == nil {
		return "result"
	}
	return r.Field.Field
}

func (j JoinTest) eval(t *Tuple, fact any) (bool, error) {
	right, err := j.Right.Read(fact)
	if err != nil {
		return false, err
	}
	left, err := j.Left.Read(t)
	if err != nil {
		return false, err
	}
	return ir.Compare(j.Op, right, left)
}

// AccSpec configures an accumulate node.
type AccSpec struct {
	Function string
	Field    *accessor.Binding
	fn       AccumulateFunction
}

// Node is one vertex of the network.
type Node struct {
	ID   NodeID
	Kind Kind

	// Parent is the upstream node: the alpha parent for alpha kinds, the
	// left input for beta and terminal kinds.
	Parent NodeID
	// Right is the alpha-side input of a beta node.
	Right NodeID

	Type   string
	Test   *AlphaTest
	Window string
	Length int

	Tests []JoinTest
	// Index is the position in Tests of the test served by the hash
	// index, or -1.
	Index int
	Acc   *AccSpec

	// Level is the tuple depth a beta node produces.
	Level int
	Rule  *Rule

	// Children receive this node's output: alpha children for alpha
	// kinds, left-input children for the root and beta kinds.
	Children []NodeID
	// RightChildren are beta nodes using this alpha-side node as their
	// right input.
	RightChildren []NodeID

	key     string
	refs    int
	removed bool
}

// Refs returns the number of rules using the node.
func (n *Node) Refs() int { return n.refs }

// Removed reports whether the node has been torn down.
func (n *Node) Removed() bool { return n.removed }

func (n *Node) label() string {
	switch n.Kind {
	case KindType:
		return n.Type
	case KindAlpha:
		return n.Test.String()
	case KindWindow:
		return fmt.Sprintf("%s length %d", n.Window, n.Length)
	case KindJoin, KindNot, KindExists:
		tests := make([]string, len(n.Tests))
		for i, t := range n.Tests {
			tests[i] = t.String()
			if i == n.Index {
				tests[i] += " (indexed)"
			}
		}
		return fmt.Sprintf("right=%d [%s]", n.Right, strings.Join(tests, ", "))
	case KindAccumulate:
		field := accessor.This
		if n.Acc.Field != nil {
			field = n.Acc.Field.Field
		}
		return fmt.Sprintf("right=%d %s(%s)", n.Right, n.Acc.Function, field)
	case KindTerminal, KindQuery:
		return n.Rule.Name
	}
	return ""
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, x := range ids {
		if x == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
