// Package agenda holds the activations waiting to fire and decides their
// order.
//
// Activations are ordered by salience, highest first. Ties are broken by
// a pluggable Strategy; the default is FIFO, firing older matches first.
// The queue is a heap with index-stable removal, so actions that cancel
// or create activations while the agenda is being drained are safe.
package agenda

import (
	"container/heap"
	"fmt"

	"github.com/roach88/rete/internal/network"
)

// State is an activation's lifecycle stage.
type State uint8

// Activation states. An activation moves Created → Queued, then either
// Fired or Cancelled.
const (
	Created State = iota
	Queued
	Fired
	Cancelled
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Queued:
		return "queued"
	case Fired:
		return "fired"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", s)
}

// Activation is a match of a rule's conditions waiting to fire.
type Activation struct {
	ID       int64
	Rule     *network.Rule
	Node     network.NodeID
	Tuple    *network.Tuple
	Salience int
	// Seq orders activations by creation.
	Seq int64
	// Recency is the highest fact recency in the tuple.
	Recency int64

	state State
	index int
}

// State returns the activation's lifecycle stage.
func (a *Activation) State() State { return a.state }

func (a *Activation) String() string {
	return fmt.Sprintf("%s%s#%d", a.Rule.Name, a.Tuple, a.ID)
}

type key struct {
	node  network.NodeID
	tuple *network.Tuple
}

// Agenda is a session's activation queue. Not safe for concurrent use.
type Agenda struct {
	strategy Strategy
	listener Listener
	queue    queue
	byKey    map[key]*Activation
	nextID   int64
}

// New creates an agenda. A nil strategy selects FIFO; a nil listener
// receives nothing.
func New(strategy Strategy, listener Listener) *Agenda {
	if strategy == nil {
		strategy = FIFO{}
	}
	if listener == nil {
		listener = NopListener{}
	}
	a := &Agenda{
		strategy: strategy,
		listener: listener,
		byKey:    make(map[key]*Activation),
	}
	a.queue.strategy = strategy
	return a
}

// Strategy returns the conflict resolution strategy in use.
func (a *Agenda) Strategy() Strategy { return a.strategy }

// Add queues an activation for a tuple that reached a terminal node.
// Adding the same (node, tuple) twice returns the existing activation.
func (a *Agenda) Add(rule *network.Rule, node network.NodeID, t *network.Tuple) *Activation {
	k := key{node, t}
	if act, ok := a.byKey[k]; ok {
		return act
	}
	a.nextID++
	act := &Activation{
		ID:       a.nextID,
		Rule:     rule,
		Node:     node,
		Tuple:    t,
		Salience: rule.Salience,
		Seq:      t.Seq(),
		Recency:  recency(t),
		state:    Created,
		index:    -1,
	}
	a.byKey[k] = act
	a.listener.ActivationCreated(act)
	heap.Push(&a.queue, act)
	act.state = Queued
	return act
}

func recency(t *network.Tuple) int64 {
	var max int64
	for _, h := range t.Handles() {
		if h != nil && h.Recency() > max {
			max = h.Recency()
		}
	}
	return max
}

// Cancel withdraws the activation for (node, tuple). A queued activation
// is removed from the queue and becomes Cancelled. A fired activation is
// returned unchanged so that callers can release what it justified. ok
// is false when no activation exists.
func (a *Agenda) Cancel(node network.NodeID, t *network.Tuple) (act *Activation, ok bool) {
	k := key{node, t}
	act, ok = a.byKey[k]
	if !ok {
		return nil, false
	}
	delete(a.byKey, k)
	if act.state == Queued {
		heap.Remove(&a.queue, act.index)
		act.state = Cancelled
		a.listener.ActivationCancelled(act)
	}
	return act, true
}

// Pop removes and returns the next activation to fire, marking it
// Fired. It returns nil when the agenda is empty.
func (a *Agenda) Pop() *Activation {
	if a.queue.Len() == 0 {
		return nil
	}
	act := heap.Pop(&a.queue).(*Activation)
	act.state = Fired
	return act
}

// Peek returns the next activation without removing it.
func (a *Agenda) Peek() *Activation {
	if a.queue.Len() == 0 {
		return nil
	}
	return a.queue.items[0]
}

// Len returns the number of queued activations.
func (a *Agenda) Len() int { return a.queue.Len() }

// Queued returns the queued activations in firing order.
func (a *Agenda) Queued() []*Activation {
	cp := queue{strategy: a.strategy, items: append([]*Activation(nil), a.queue.items...)}
	out := make([]*Activation, 0, len(cp.items))
	for cp.Len() > 0 {
		act := heap.Pop(&cp).(*Activation)
		out = append(out, act)
	}
	// heap.Pop on the copy rewrote indexes; restore them.
	for i, act := range a.queue.items {
		act.index = i
	}
	return out
}

// Clear cancels every queued activation.
func (a *Agenda) Clear() {
	for _, act := range a.Queued() {
		a.Cancel(act.Node, act.Tuple)
	}
}

// Listener returns the agenda's listener.
func (a *Agenda) Listener() Listener { return a.listener }

// queue implements heap.Interface over activations.
type queue struct {
	strategy Strategy
	items    []*Activation
}

func (q *queue) Len() int { return len(q.items) }

func (q *queue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Salience != b.Salience {
		return a.Salience > b.Salience
	}
	if q.strategy.Less(a, b) {
		return true
	}
	if q.strategy.Less(b, a) {
		return false
	}
	return a.ID < b.ID
}

func (q *queue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *queue) Push(x any) {
	act := x.(*Activation)
	act.index = len(q.items)
	q.items = append(q.items, act)
}

func (q *queue) Pop() any {
	old := q.items
	n := len(old)
	act := old[n-1]
	old[n-1] = nil
	act.index = -1
	q.items = old[:n-1]
	return act
}
