// Package network builds and runs the Rete node network.
//
// A Network is the static, shareable part: an arena of nodes addressed by
// NodeID, shared between rules by structural key and reference counted.
// A Runtime holds one session's node memories and performs propagation.
//
// Facts enter through type nodes, pass chains of alpha nodes that test
// single facts against literals, and reach beta nodes as right input.
// Beta nodes combine them with partial matches (tuples) arriving on the
// left. Tuples that reach a terminal node become activations; tuples
// that reach a query node become query rows.
//
// Retraction walks recorded memberships and never re-evaluates a
// constraint, so facts mutated in place are still removed correctly.
package network

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
)

// Bindings resolves accessor slots while rules are compiled. The
// knowledge base implements it over its merged accessor store.
type Bindings interface {
	Binding(typeName, field string) (*accessor.Binding, error)
}

// RuleOptions supplies what compiling a rule needs beyond its definition.
type RuleOptions struct {
	Package      string
	Order        int
	Bindings     Bindings
	Windows      map[string]ir.WindowDecl
	Accumulators map[string]AccumulateFunction
}

// Rule is a compiled rule or query.
type Rule struct {
	Name     string
	Package  string
	Salience int
	NoLoop   bool
	Query    bool
	Order    int
	Def      ir.RuleDef

	// Terminal is the rule's terminal or query node.
	Terminal NodeID

	// Vars maps every variable the rule binds to its position.
	Vars map[string]VarRef

	nodes    []NodeID
	bindings Bindings
}

// Nodes returns the nodes the rule holds a reference on, parents first.
func (r *Rule) Nodes() []NodeID {
	return append([]NodeID(nil), r.nodes...)
}

// Var resolves a variable reference: "$name" for a bound variable or
// "$p.field" for a field of a fact bound with "as".
func (r *Rule) Var(ref string) (VarRef, error) {
	if v, ok := r.Vars[ref]; ok {
		return v, nil
	}
	name, field, ok := ir.ParseRef(ref)
	if !ok {
		return VarRef{}, fmt.Errorf("rule %s: %q is not a variable reference", r.Name, ref)
	}
	base, ok := r.Vars[name]
	if !ok {
		return VarRef{}, fmt.Errorf("rule %s: unbound variable %s", r.Name, name)
	}
	if field == "" {
		return base, nil
	}
	if base.Kind != VarFact {
		return VarRef{}, fmt.Errorf("rule %s: %s is not a fact variable", r.Name, name)
	}
	b, err := r.bindings.Binding(base.Type, field)
	if err != nil {
		return VarRef{}, fmt.Errorf("rule %s: %s: %w", r.Name, ref, err)
	}
	return VarRef{Level: base.Level, Kind: VarField, Type: base.Type, Field: b}, nil
}

// Network is the node arena shared by every session of a knowledge base.
//
// Not safe for concurrent mutation: the knowledge base serialises
// AddRule and RemoveRule, and sessions only read.
type Network struct {
	nodes []*Node
	byKey map[string]NodeID
	types map[string]NodeID
	rules map[string]*Rule
}

// New creates a network holding only the root node.
func New() *Network {
	root := &Node{ID: Root, Kind: KindRoot, Parent: NoNode, Right: NoNode, Index: -1}
	return &Network{
		nodes: []*Node{root},
		byKey: make(map[string]NodeID),
		types: make(map[string]NodeID),
		rules: make(map[string]*Rule),
	}
}

// Node returns the node with the given ID, or nil.
func (n *Network) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(n.nodes) {
		return nil
	}
	return n.nodes[id]
}

// Len returns the size of the arena, removed nodes included.
func (n *Network) Len() int { return len(n.nodes) }

// TypeNode returns the type node for typeName.
func (n *Network) TypeNode(typeName string) (NodeID, bool) {
	id, ok := n.types[typeName]
	return id, ok
}

// Types returns the types that have a type node, sorted.
func (n *Network) Types() []string {
	out := make([]string, 0, len(n.types))
	for t := range n.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Rule returns a compiled rule by name.
func (n *Network) Rule(name string) (*Rule, bool) {
	r, ok := n.rules[name]
	return r, ok
}

// Rules returns the compiled rules in declaration order.
func (n *Network) Rules() []*Rule {
	out := make([]*Rule, 0, len(n.rules))
	for _, r := range n.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RulesUsingType returns the names of rules with a pattern on typeName.
func (n *Network) RulesUsingType(typeName string) []string {
	var out []string
	for _, r := range n.Rules() {
		for _, t := range r.Def.Types() {
			if t == typeName {
				out = append(out, r.Name)
				break
			}
		}
	}
	return out
}

// AddRule compiles def into the network. It returns the rule and the
// nodes it created, in creation order, so that live sessions can
// initialise them. On error the network is left unchanged.
func (n *Network) AddRule(def ir.RuleDef, opts RuleOptions) (*Rule, []NodeID, error) {
	if _, exists := n.rules[def.Name]; exists {
		return nil, nil, fmt.Errorf("rule %s already exists", def.Name)
	}
	if opts.Bindings == nil {
		return nil, nil, fmt.Errorf("rule %s: no accessor bindings", def.Name)
	}

	c := &ruleCompiler{
		net:  n,
		opts: opts,
		rule: &Rule{
			Name:     def.Name,
			Package:  opts.Package,
			Salience: def.Salience,
			NoLoop:   def.NoLoop,
			Query:    def.IsQuery(),
			Order:    opts.Order,
			Def:      def,
			Vars:     make(map[string]VarRef),
			bindings: opts.Bindings,
		},
	}
	if err := c.compile(); err != nil {
		n.release(c.rule.nodes)
		return nil, nil, fmt.Errorf("rule %s: %w", def.Name, err)
	}
	n.rules[def.Name] = c.rule
	return c.rule, c.created, nil
}

// RemoveRule drops a rule and tears down every node no other rule uses.
// The removed nodes are returned children first.
func (n *Network) RemoveRule(name string) ([]NodeID, error) {
	r, ok := n.rules[name]
	if !ok {
		return nil, fmt.Errorf("rule %s not found", name)
	}
	delete(n.rules, name)
	return n.release(r.nodes), nil
}

func (n *Network) release(ids []NodeID) []NodeID {
	var removed []NodeID
	for i := len(ids) - 1; i >= 0; i-- {
		node := n.nodes[ids[i]]
		node.refs--
		if node.refs > 0 {
			continue
		}
		node.removed = true
		delete(n.byKey, node.key)
		if node.Kind == KindType {
			delete(n.types, node.Type)
		}
		if parent := n.Node(node.Parent); parent != nil {
			parent.Children = removeID(parent.Children, node.ID)
		}
		if right := n.Node(node.Right); right != nil {
			right.RightChildren = removeID(right.RightChildren, node.ID)
		}
		removed = append(removed, node.ID)
	}
	return removed
}

// Describe renders the live topology, one node per line.
func (n *Network) Describe() string {
	var b strings.Builder
	for _, node := range n.nodes {
		if node.removed {
			continue
		}
		fmt.Fprintf(&b, "%3d %-10s", node.ID, node.Kind)
		if node.Kind != KindRoot {
			fmt.Fprintf(&b, " parent=%-3d refs=%d", node.Parent, node.refs)
		}
		if label := node.label(); label != "" {
			fmt.Fprintf(&b, " %s", label)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type ruleCompiler struct {
	net     *Network
	opts    RuleOptions
	rule    *Rule
	created []NodeID
}

// use returns the node with key, creating it with build if needed, and
// takes a reference on it for the rule being compiled.
func (c *ruleCompiler) use(key string, build func() *Node) NodeID {
	n := c.net
	id, ok := n.byKey[key]
	if !ok {
		node := build()
		node.ID = NodeID(len(n.nodes))
		node.key = key
		n.nodes = append(n.nodes, node)
		n.byKey[key] = node.ID
		if parent := n.Node(node.Parent); parent != nil {
			parent.Children = append(parent.Children, node.ID)
		}
		if right := n.Node(node.Right); right != nil {
			right.RightChildren = append(right.RightChildren, node.ID)
		}
		if node.Kind == KindType {
			n.types[node.Type] = node.ID
		}
		c.created = append(c.created, node.ID)
		id = node.ID
	}
	n.nodes[id].refs++
	c.rule.nodes = append(c.rule.nodes, id)
	return id
}

func (c *ruleCompiler) compile() error {
	def := c.rule.Def
	left := Root
	for i, p := range def.Patterns {
		level := i + 1
		right, err := c.alphaChain(p)
		if err != nil {
			return fmt.Errorf("pattern %d (%s): %w", i, p.Type, err)
		}
		left, err = c.beta(p, left, right, level)
		if err != nil {
			return fmt.Errorf("pattern %d (%s): %w", i, p.Type, err)
		}
		if err := c.export(p, level); err != nil {
			return fmt.Errorf("pattern %d (%s): %w", i, p.Type, err)
		}
	}

	kind, prefix := KindTerminal, "terminal:"
	if def.IsQuery() {
		kind, prefix = KindQuery, "query:"
	}
	c.rule.Terminal = c.use(prefix+def.Name, func() *Node {
		return &Node{Kind: kind, Parent: left, Right: NoNode, Index: -1, Level: len(def.Patterns), Rule: c.rule}
	})
	return nil
}

func (c *ruleCompiler) binding(typeName, field string) (*accessor.Binding, error) {
	if field == "" {
		field = accessor.This
	}
	return c.opts.Bindings.Binding(typeName, field)
}

// alphaChain builds the type node, optional window and literal tests of a
// pattern, returning the last node.
func (c *ruleCompiler) alphaChain(p ir.Pattern) (NodeID, error) {
	if p.Type == "" {
		return NoNode, fmt.Errorf("pattern has no type")
	}
	// Check the type resolves before creating anything for it.
	if _, err := c.binding(p.Type, accessor.This); err != nil {
		return NoNode, err
	}
	top := c.use("type:"+p.Type, func() *Node {
		return &Node{Kind: KindType, Parent: Root, Right: NoNode, Index: -1, Type: p.Type}
	})

	if p.Window != "" {
		w, ok := c.opts.Windows[p.Window]
		if !ok {
			return NoNode, fmt.Errorf("unknown window %s", p.Window)
		}
		if w.Type != p.Type {
			return NoNode, fmt.Errorf("window %s is over %s, not %s", w.Name, w.Type, p.Type)
		}
		if w.Length <= 0 {
			return NoNode, fmt.Errorf("window %s has length %d", w.Name, w.Length)
		}
		parent := top
		key := fmt.Sprintf("window:%d:%s:%d", parent, w.Name, w.Length)
		top = c.use(key, func() *Node {
			return &Node{Kind: KindWindow, Parent: parent, Right: NoNode, Index: -1, Type: p.Type, Window: w.Name, Length: w.Length}
		})
	}

	for _, con := range p.Constraints {
		if con.IsJoin() {
			continue
		}
		if !con.Op.Valid() {
			return NoNode, fmt.Errorf("unknown operator %q", con.Op)
		}
		b, err := c.binding(p.Type, con.Field)
		if err != nil {
			return NoNode, err
		}
		value := con.Value
		if value == nil {
			value = ir.IRNull{}
		}
		parent := top
		key := fmt.Sprintf("alpha:%d:%s:%s:%s", parent, b.Field, con.Op, ir.IndexKey(value))
		top = c.use(key, func() *Node {
			return &Node{
				Kind: KindAlpha, Parent: parent, Right: NoNode, Index: -1, Type: p.Type,
				Test: &AlphaTest{Field: b, Op: con.Op, Value: value},
			}
		})
	}
	return top, nil
}

func (c *ruleCompiler) beta(p ir.Pattern, left, right NodeID, level int) (NodeID, error) {
	var tests []JoinTest
	index := -1
	for _, con := range p.Constraints {
		if !con.IsJoin() {
			continue
		}
		if !con.Op.Valid() {
			return NoNode, fmt.Errorf("unknown operator %q", con.Op)
		}
		ref, err := c.rule.Var(con.Ref)
		if err != nil {
			return NoNode, err
		}
		b, err := c.binding(p.Type, con.Field)
		if err != nil {
			return NoNode, err
		}
		if index < 0 && con.Op.Indexable() {
			index = len(tests)
		}
		tests = append(tests, JoinTest{Right: b, Op: con.Op, Left: ref})
	}

	var kind Kind
	switch p.PatternKind() {
	case ir.PatternMatch:
		kind = KindJoin
	case ir.PatternNot:
		kind = KindNot
	case ir.PatternExists:
		kind = KindExists
	case ir.PatternAccumulate:
		kind = KindAccumulate
	default:
		return NoNode, fmt.Errorf("unknown pattern kind %q", p.Kind)
	}

	var acc *AccSpec
	accKey := ""
	if kind == KindAccumulate {
		if p.Accumulate == nil {
			return NoNode, fmt.Errorf("accumulate pattern has no function")
		}
		fn, ok := c.opts.Accumulators[p.Accumulate.Function]
		if !ok {
			return NoNode, fmt.Errorf("unknown accumulate function %s", p.Accumulate.Function)
		}
		field, err := c.binding(p.Type, p.Accumulate.Field)
		if err != nil {
			return NoNode, err
		}
		acc = &AccSpec{Function: p.Accumulate.Function, Field: field, fn: fn}
		accKey = ":" + p.Accumulate.Function + "(" + field.Field + ")"
	}

	parts := make([]string, len(tests))
	for i, t := range tests {
		parts[i] = fmt.Sprintf("%s%s%s", t.Right.Field, t.Op, t.Left.key())
	}
	key := fmt.Sprintf("%s:%d:%d:[%s]%s", kind, left, right, strings.Join(parts, ","), accKey)
	return c.use(key, func() *Node {
		return &Node{Kind: kind, Parent: left, Right: right, Tests: tests, Index: index, Acc: acc, Level: level, Type: p.Type}
	}), nil
}

// export records the variables a pattern binds.
func (c *ruleCompiler) export(p ir.Pattern, level int) error {
	vars := c.rule.Vars
	declare := func(name string, ref VarRef) error {
		if _, dup := vars[name]; dup {
			return fmt.Errorf("variable %s bound twice", name)
		}
		vars[name] = ref
		return nil
	}

	switch p.PatternKind() {
	case ir.PatternMatch:
		if p.Var != "" {
			this, err := c.binding(p.Type, accessor.This)
			if err != nil {
				return err
			}
			if err := declare(p.Var, VarRef{Level: level, Kind: VarFact, Type: p.Type, Field: this}); err != nil {
				return err
			}
		}
		for _, bnd := range p.Bindings {
			b, err := c.binding(p.Type, bnd.Field)
			if err != nil {
				return err
			}
			if err := declare(bnd.Var, VarRef{Level: level, Kind: VarField, Type: p.Type, Field: b}); err != nil {
				return err
			}
		}
	case ir.PatternAccumulate:
		if p.Accumulate.Result != "" {
			if err := declare(p.Accumulate.Result, VarRef{Level: level, Kind: VarResult}); err != nil {
				return err
			}
		}
	default:
		if p.Var != "" || len(p.Bindings) > 0 {
			return fmt.Errorf("%s pattern cannot bind variables", p.PatternKind())
		}
	}
	return nil
}
