package network

import (
	"fmt"
	"sort"

	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/memory"
)

// Sink receives the tuples that reach terminal nodes.
type Sink interface {
	// Activate is called when a tuple reaches a rule's terminal node.
	Activate(rule *Rule, node NodeID, t *Tuple) error
	// Deactivate is called when such a tuple is withdrawn.
	Deactivate(rule *Rule, node NodeID, t *Tuple)
}

// FactSource lists the live facts of a type. Runtimes read it when
// initialising nodes added after facts were inserted.
type FactSource interface {
	OfType(typeName string) []*memory.FactHandle
}

// EvalError reports a failure evaluating a node: an accessor error, an
// uncomparable operand or a failing accumulate function.
type EvalError struct {
	Node NodeID
	Kind Kind
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("%s node %d: %v", e.Kind, e.Node, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

type betaMemory struct {
	left     *orderedSet[*Tuple]
	leftIdx  map[string]*orderedSet[*Tuple]
	leftKey  map[*Tuple]string
	right    *orderedSet[*memory.FactHandle]
	rightIdx map[string]*orderedSet[*memory.FactHandle]
	rightKey map[*memory.FactHandle]string

	// join nodes: output tuples by the fact they matched
	outByRight map[*memory.FactHandle]*orderedSet[*Tuple]

	// not, exists and accumulate nodes: the facts each left tuple
	// matches, the reverse relation, and the single output per left tuple
	matches     map[*Tuple]*orderedSet[*memory.FactHandle]
	leftByRight map[*memory.FactHandle]*orderedSet[*Tuple]
	out         map[*Tuple]*Tuple
}

func newBetaMemory() *betaMemory {
	return &betaMemory{
		left:        newOrderedSet[*Tuple](),
		leftIdx:     make(map[string]*orderedSet[*Tuple]),
		leftKey:     make(map[*Tuple]string),
		right:       newOrderedSet[*memory.FactHandle](),
		rightIdx:    make(map[string]*orderedSet[*memory.FactHandle]),
		rightKey:    make(map[*memory.FactHandle]string),
		outByRight:  make(map[*memory.FactHandle]*orderedSet[*Tuple]),
		matches:     make(map[*Tuple]*orderedSet[*memory.FactHandle]),
		leftByRight: make(map[*memory.FactHandle]*orderedSet[*Tuple]),
		out:         make(map[*Tuple]*Tuple),
	}
}

func addTo[K comparable, V comparable](m map[K]*orderedSet[V], k K, v V) bool {
	s, ok := m[k]
	if !ok {
		s = newOrderedSet[V]()
		m[k] = s
	}
	return s.add(v)
}

func removeFrom[K comparable, V comparable](m map[K]*orderedSet[V], k K, v V) {
	if s, ok := m[k]; ok {
		s.remove(v)
		if s.len() == 0 {
			delete(m, k)
		}
	}
}

// Runtime holds one session's node memories over a shared Network.
// Not safe for concurrent use.
type Runtime struct {
	net  *Network
	sink Sink
	seq  int64
	root *Tuple

	ready      map[NodeID]bool
	alpha      map[NodeID]*orderedSet[*memory.FactHandle]
	beta       map[NodeID]*betaMemory
	produced   map[NodeID]*orderedSet[*Tuple]
	queries    map[NodeID]*orderedSet[*Tuple]
	retracting map[*memory.FactHandle]bool
}

// NewRuntime creates a runtime and initialises every live node.
func NewRuntime(net *Network, sink Sink, src FactSource) (*Runtime, error) {
	rt := &Runtime{
		net:        net,
		sink:       sink,
		ready:      map[NodeID]bool{Root: true},
		alpha:      make(map[NodeID]*orderedSet[*memory.FactHandle]),
		beta:       make(map[NodeID]*betaMemory),
		produced:   make(map[NodeID]*orderedSet[*Tuple]),
		queries:    make(map[NodeID]*orderedSet[*Tuple]),
		retracting: make(map[*memory.FactHandle]bool),
	}
	rt.root = &Tuple{node: Root}
	rt.produced[Root] = newOrderedSet[*Tuple]()
	rt.produced[Root].add(rt.root)

	ids := make([]NodeID, 0, net.Len())
	for _, n := range net.nodes[1:] {
		if !n.removed {
			ids = append(ids, n.ID)
		}
	}
	if err := rt.Init(ids, src); err != nil {
		return nil, err
	}
	return rt, nil
}

// Root returns the session's root tuple.
func (rt *Runtime) Root() *Tuple { return rt.root }

// Init brings nodes added to the network into this runtime by replaying
// their parents' memories. ids must be in creation order.
func (rt *Runtime) Init(ids []NodeID, src FactSource) error {
	for _, id := range ids {
		n := rt.net.Node(id)
		if n == nil || n.removed || rt.ready[id] {
			continue
		}
		if err := rt.initNode(n, src); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) initNode(n *Node, src FactSource) error {
	switch {
	case n.Kind == KindType:
		mem := newOrderedSet[*memory.FactHandle]()
		if src != nil {
			for _, h := range src.OfType(n.Type) {
				mem.add(h)
			}
		}
		rt.alpha[n.ID] = mem
		rt.ready[n.ID] = true

	case n.Kind == KindAlpha:
		mem := newOrderedSet[*memory.FactHandle]()
		for _, h := range rt.alpha[n.Parent].values() {
			ok, err := rt.alphaTest(n, h)
			if err != nil {
				return err
			}
			if ok {
				mem.add(h)
			}
		}
		rt.alpha[n.ID] = mem
		rt.ready[n.ID] = true

	case n.Kind == KindWindow:
		mem := newOrderedSet[*memory.FactHandle]()
		parent := rt.alpha[n.Parent].values()
		if len(parent) > n.Length {
			parent = parent[len(parent)-n.Length:]
		}
		for _, h := range parent {
			mem.add(h)
		}
		rt.alpha[n.ID] = mem
		rt.ready[n.ID] = true

	case n.Kind.IsBeta():
		rt.beta[n.ID] = newBetaMemory()
		rt.produced[n.ID] = newOrderedSet[*Tuple]()
		rt.ready[n.ID] = true
		m := rt.beta[n.ID]
		for _, h := range rt.alpha[n.Right].values() {
			key, err := rt.rightKeyOf(n, h)
			if err != nil {
				return err
			}
			m.addRight(h, key)
		}
		for _, t := range rt.produced[n.Parent].values() {
			if err := rt.leftAssert(n, t); err != nil {
				return err
			}
		}

	case n.Kind == KindQuery:
		mem := newOrderedSet[*Tuple]()
		for _, t := range rt.produced[n.Parent].values() {
			mem.add(t)
		}
		rt.queries[n.ID] = mem
		rt.ready[n.ID] = true

	case n.Kind == KindTerminal:
		rt.ready[n.ID] = true
		for _, t := range rt.produced[n.Parent].values() {
			if err := rt.sink.Activate(n.Rule, n.ID, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// Drop removes nodes torn down by the network. ids must be children
// first, as returned by Network.RemoveRule. Activations of removed
// terminal nodes are withdrawn.
func (rt *Runtime) Drop(ids []NodeID) {
	for _, id := range ids {
		if !rt.ready[id] {
			continue
		}
		n := rt.net.Node(id)
		delete(rt.ready, id)
		switch {
		case n.Kind == KindTerminal:
			for _, t := range rt.produced[n.Parent].values() {
				rt.sink.Deactivate(n.Rule, id, t)
			}
		case n.Kind == KindQuery:
			delete(rt.queries, id)
		case n.Kind.IsBeta():
			for _, t := range rt.produced[id].values() {
				t.dead = true
				if t.parent != nil {
					t.parent.removeChild(t)
				}
			}
			delete(rt.produced, id)
			delete(rt.beta, id)
		case n.Kind.IsAlpha():
			delete(rt.alpha, id)
		}
	}
}

// Assert propagates a newly inserted or updated fact.
func (rt *Runtime) Assert(h *memory.FactHandle) error {
	for _, typeName := range h.Types() {
		id, ok := rt.net.TypeNode(typeName)
		if !ok || !rt.ready[id] {
			continue
		}
		if err := rt.alphaAssert(rt.net.Node(id), h); err != nil {
			return err
		}
	}
	return nil
}

// Retract withdraws a fact from every memory it reached and retracts
// every tuple built on it.
func (rt *Runtime) Retract(h *memory.FactHandle) error {
	rt.retracting[h] = true
	defer delete(rt.retracting, h)
	for _, typeName := range h.Types() {
		id, ok := rt.net.TypeNode(typeName)
		if !ok {
			continue
		}
		if err := rt.alphaRetract(rt.net.Node(id), h); err != nil {
			return err
		}
	}
	return nil
}

// QueryResults returns the rows of a query node in creation order.
func (rt *Runtime) QueryResults(id NodeID) []*Tuple {
	rows := rt.queries[id].values()
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	return rows
}

// Size returns the number of entries held by a node: facts for alpha
// kinds, output tuples for beta kinds, rows for query nodes.
func (rt *Runtime) Size(id NodeID) int {
	if m, ok := rt.alpha[id]; ok {
		return m.len()
	}
	if m, ok := rt.queries[id]; ok {
		return m.len()
	}
	return rt.produced[id].len()
}

func (rt *Runtime) evalErr(n *Node, err error) error {
	return &EvalError{Node: n.ID, Kind: n.Kind, Err: err}
}

func (rt *Runtime) alphaTest(n *Node, h *memory.FactHandle) (bool, error) {
	v, err := n.Test.Field.Read(h.Object())
	if err != nil {
		return false, rt.evalErr(n, err)
	}
	ok, err := ir.Compare(n.Test.Op, v, n.Test.Value)
	if err != nil {
		return false, rt.evalErr(n, err)
	}
	return ok, nil
}

func (rt *Runtime) alphaAssert(n *Node, h *memory.FactHandle) error {
	mem := rt.alpha[n.ID]
	if mem == nil || mem.has(h) {
		return nil
	}
	if n.Kind == KindAlpha {
		ok, err := rt.alphaTest(n, h)
		if err != nil || !ok {
			return err
		}
	}
	mem.add(h)

	if n.Kind == KindWindow && mem.len() > n.Length {
		oldest := mem.values()[0]
		if err := rt.alphaRetract(n, oldest); err != nil {
			return err
		}
	}

	for _, c := range n.Children {
		if !rt.ready[c] {
			continue
		}
		if err := rt.alphaAssert(rt.net.Node(c), h); err != nil {
			return err
		}
	}
	for _, c := range n.RightChildren {
		if !rt.ready[c] {
			continue
		}
		if err := rt.rightAssert(rt.net.Node(c), h); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) alphaRetract(n *Node, h *memory.FactHandle) error {
	mem := rt.alpha[n.ID]
	if mem == nil || !mem.remove(h) {
		return nil
	}
	for _, c := range n.Children {
		if !rt.ready[c] {
			continue
		}
		if err := rt.alphaRetract(rt.net.Node(c), h); err != nil {
			return err
		}
	}
	for _, c := range n.RightChildren {
		if !rt.ready[c] {
			continue
		}
		if err := rt.rightRetract(rt.net.Node(c), h); err != nil {
			return err
		}
	}
	return nil
}

func (m *betaMemory) addRight(h *memory.FactHandle, key string) {
	m.right.add(h)
	m.rightKey[h] = key
	addTo(m.rightIdx, key, h)
}

func (m *betaMemory) removeRight(h *memory.FactHandle) bool {
	if !m.right.remove(h) {
		return false
	}
	removeFrom(m.rightIdx, m.rightKey[h], h)
	delete(m.rightKey, h)
	return true
}

func (m *betaMemory) addLeft(t *Tuple, key string) {
	m.left.add(t)
	m.leftKey[t] = key
	addTo(m.leftIdx, key, t)
}

func (m *betaMemory) removeLeft(t *Tuple) {
	if !m.left.remove(t) {
		return
	}
	removeFrom(m.leftIdx, m.leftKey[t], t)
	delete(m.leftKey, t)
}

func (rt *Runtime) rightKeyOf(n *Node, h *memory.FactHandle) (string, error) {
	if n.Index < 0 {
		return "", nil
	}
	v, err := n.Tests[n.Index].Right.Read(h.Object())
	if err != nil {
		return "", rt.evalErr(n, err)
	}
	return ir.IndexKey(v), nil
}

func (rt *Runtime) leftKeyOf(n *Node, t *Tuple) (string, error) {
	if n.Index < 0 {
		return "", nil
	}
	v, err := n.Tests[n.Index].Left.Read(t)
	if err != nil {
		return "", rt.evalErr(n, err)
	}
	return ir.IndexKey(v), nil
}

func (rt *Runtime) joinTests(n *Node, t *Tuple, h *memory.FactHandle) (bool, error) {
	fact := h.Object()
	for _, test := range n.Tests {
		ok, err := test.eval(t, fact)
		if err != nil {
			return false, rt.evalErr(n, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (rt *Runtime) rightAssert(n *Node, h *memory.FactHandle) error {
	m := rt.beta[n.ID]
	if m.right.has(h) {
		return nil
	}
	key, err := rt.rightKeyOf(n, h)
	if err != nil {
		return err
	}
	m.addRight(h, key)

	candidates := m.left.values()
	if n.Index >= 0 {
		candidates = m.leftIdx[key].values()
	}
	for _, t := range candidates {
		if t.dead {
			continue
		}
		ok, err := rt.joinTests(n, t, h)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch n.Kind {
		case KindJoin:
			if _, err := rt.emit(n, t, h, nil); err != nil {
				return err
			}
		case KindNot:
			if m.addMatch(t, h) && m.matches[t].len() == 1 {
				if out, ok := m.out[t]; ok {
					if err := rt.retractTuple(out); err != nil {
						return err
					}
				}
			}
		case KindExists:
			if m.addMatch(t, h) && m.matches[t].len() == 1 {
				out, err := rt.emit(n, t, nil, nil)
				if err != nil {
					return err
				}
				m.out[t] = out
			}
		case KindAccumulate:
			m.addMatch(t, h)
			if err := rt.accumulate(n, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rt *Runtime) rightRetract(n *Node, h *memory.FactHandle) error {
	m := rt.beta[n.ID]
	if !m.removeRight(h) {
		return nil
	}

	if n.Kind == KindJoin {
		outs := m.outByRight[h].values()
		delete(m.outByRight, h)
		for _, t := range outs {
			if err := rt.retractTuple(t); err != nil {
				return err
			}
		}
		return nil
	}

	lefts := m.leftByRight[h].values()
	delete(m.leftByRight, h)
	for _, t := range lefts {
		removeFrom(m.matches, t, h)
		if t.dead {
			continue
		}
		switch n.Kind {
		case KindNot:
			if m.matches[t].len() == 0 {
				out, err := rt.emit(n, t, nil, nil)
				if err != nil {
					return err
				}
				m.out[t] = out
			}
		case KindExists:
			if m.matches[t].len() == 0 {
				if out, ok := m.out[t]; ok {
					if err := rt.retractTuple(out); err != nil {
						return err
					}
				}
			}
		case KindAccumulate:
			if err := rt.accumulate(n, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *betaMemory) addMatch(t *Tuple, h *memory.FactHandle) bool {
	if !addTo(m.matches, t, h) {
		return false
	}
	addTo(m.leftByRight, h, t)
	return true
}

func (rt *Runtime) leftAssert(n *Node, t *Tuple) error {
	m := rt.beta[n.ID]
	key, err := rt.leftKeyOf(n, t)
	if err != nil {
		return err
	}
	m.addLeft(t, key)

	candidates := m.right.values()
	if n.Index >= 0 {
		candidates = m.rightIdx[key].values()
	}
	for _, h := range candidates {
		if rt.retracting[h] {
			continue
		}
		ok, err := rt.joinTests(n, t, h)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if n.Kind == KindJoin {
			if _, err := rt.emit(n, t, h, nil); err != nil {
				return err
			}
			if t.dead {
				return nil
			}
			continue
		}
		m.addMatch(t, h)
	}

	switch n.Kind {
	case KindNot:
		if m.matches[t].len() == 0 {
			out, err := rt.emit(n, t, nil, nil)
			if err != nil {
				return err
			}
			m.out[t] = out
		}
	case KindExists:
		if m.matches[t].len() > 0 {
			out, err := rt.emit(n, t, nil, nil)
			if err != nil {
				return err
			}
			m.out[t] = out
		}
	case KindAccumulate:
		return rt.accumulate(n, t)
	}
	return nil
}

func (rt *Runtime) leftRetract(n *Node, t *Tuple) {
	m := rt.beta[n.ID]
	m.removeLeft(t)
	for _, h := range m.matches[t].values() {
		removeFrom(m.leftByRight, h, t)
	}
	delete(m.matches, t)
	delete(m.out, t)
}

// accumulate replaces the output of left tuple t with a fresh result.
func (rt *Runtime) accumulate(n *Node, t *Tuple) error {
	m := rt.beta[n.ID]
	if old, ok := m.out[t]; ok {
		if err := rt.retractTuple(old); err != nil {
			return err
		}
	}

	facts := m.matches[t].values()
	values := make([]ir.IRValue, 0, len(facts))
	for _, h := range facts {
		v, err := n.Acc.Field.Read(h.Object())
		if err != nil {
			return rt.evalErr(n, err)
		}
		values = append(values, v)
	}
	result, ok, err := n.Acc.fn.Result(values)
	if err != nil {
		return rt.evalErr(n, fmt.Errorf("%s: %w", n.Acc.Function, err))
	}
	if !ok {
		return nil
	}
	out, err := rt.emit(n, t, nil, result)
	if err != nil {
		return err
	}
	m.out[t] = out
	return nil
}

// emit creates the output tuple of beta node n and passes it on.
func (rt *Runtime) emit(n *Node, parent *Tuple, h *memory.FactHandle, value ir.IRValue) (*Tuple, error) {
	rt.seq++
	t := &Tuple{parent: parent, handle: h, value: value, level: n.Level, seq: rt.seq, node: n.ID}
	parent.addChild(t)
	rt.produced[n.ID].add(t)
	if n.Kind == KindJoin {
		addTo(rt.beta[n.ID].outByRight, h, t)
	}
	return t, rt.propagate(n, t)
}

func (rt *Runtime) propagate(n *Node, t *Tuple) error {
	for _, c := range n.Children {
		if !rt.ready[c] {
			continue
		}
		child := rt.net.Node(c)
		switch {
		case child.Kind == KindTerminal:
			if err := rt.sink.Activate(child.Rule, c, t); err != nil {
				return err
			}
		case child.Kind == KindQuery:
			rt.queries[c].add(t)
		case child.Kind.IsBeta():
			if err := rt.leftAssert(child, t); err != nil {
				return err
			}
		}
		if t.dead {
			return nil
		}
	}
	return nil
}

// retractTuple withdraws t and everything built on it.
func (rt *Runtime) retractTuple(t *Tuple) error {
	if t.dead {
		return nil
	}
	t.dead = true

	for _, c := range t.children.values() {
		if err := rt.retractTuple(c); err != nil {
			return err
		}
	}

	n := rt.net.Node(t.node)
	for _, c := range n.Children {
		if !rt.ready[c] {
			continue
		}
		child := rt.net.Node(c)
		switch {
		case child.Kind == KindTerminal:
			rt.sink.Deactivate(child.Rule, c, t)
		case child.Kind == KindQuery:
			rt.queries[c].remove(t)
		case child.Kind.IsBeta():
			rt.leftRetract(child, t)
		}
	}

	if p := rt.produced[t.node]; p != nil {
		p.remove(t)
	}
	if t.parent != nil {
		t.parent.removeChild(t)
	}
	if m, ok := rt.beta[t.node]; ok {
		if n.Kind == KindJoin {
			removeFrom(m.outByRight, t.handle, t)
		} else if m.out[t.parent] == t {
			delete(m.out, t.parent)
		}
	}
	return nil
}
