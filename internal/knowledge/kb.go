package knowledge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/network"
)

// Attachment is a live session of a knowledge base. The knowledge base
// tells attachments about network changes while holding its lock.
type Attachment interface {
	// NetworkChanged brings the session up to date after rules were added
	// or removed. removed is children first and is dropped before added,
	// which is in creation order, is initialised.
	NetworkChanged(added, removed []network.NodeID) error

	// CountType returns the number of live facts of a type.
	CountType(typeName string) int
}

// KnowledgeBase holds wired packages compiled into one shared network.
// Package operations are serialised; sessions read the network and must
// not run concurrently with package operations.
type KnowledgeBase struct {
	mu       sync.Mutex
	logger   *slog.Logger
	raw      accessor.Provider
	provider *accessor.Cached
	store    *accessor.Store
	net      *network.Network

	packages     map[string]*Package
	accumulators map[string]AccumulateFunction
	sessions     []Attachment
	order        int
}

// KBOption configures a knowledge base.
type KBOption func(*KnowledgeBase)

// WithLogger sets the logger for package operations.
func WithLogger(l *slog.Logger) KBOption {
	return func(kb *KnowledgeBase) {
		if l != nil {
			kb.logger = l
		}
	}
}

// New creates an empty knowledge base over a provider. Accessor lookups
// are cached per (type, field).
func New(p accessor.Provider, opts ...KBOption) *KnowledgeBase {
	kb := &KnowledgeBase{
		logger:       slog.Default(),
		raw:          p,
		provider:     accessor.NewCached(p),
		store:        accessor.NewStore(),
		net:          network.New(),
		packages:     make(map[string]*Package),
		accumulators: network.Builtins(),
	}
	for _, opt := range opts {
		opt(kb)
	}
	return kb
}

// Provider returns the knowledge base's cached provider.
func (kb *KnowledgeBase) Provider() accessor.Provider { return kb.provider }

// Wire wires an unwired package against the knowledge base's provider.
// Declared types and templates are registered first when the provider
// accepts declarations.
func (kb *KnowledgeBase) Wire(u *UnwiredPackage, opts ...Option) (*Package, error) {
	if u == nil {
		return nil, fmt.Errorf("wire: nil package")
	}
	declare(u, kb.raw)
	return Wire(u, kb.provider, opts...)
}

// Network returns the shared node network.
func (kb *KnowledgeBase) Network() *network.Network { return kb.net }

// Store returns the merged accessor slots of every package.
func (kb *KnowledgeBase) Store() *accessor.Store { return kb.store }

// Binding implements network.Bindings over the merged accessor store.
func (kb *KnowledgeBase) Binding(typeName, field string) (*accessor.Binding, error) {
	if b, ok := kb.store.Lookup(typeName, field); ok && b.Wired() {
		return b, nil
	}
	acc, err := kb.provider.Accessor(typeName, field)
	if err != nil {
		return nil, err
	}
	b := kb.store.Get(typeName, field)
	b.Bind(acc)
	return b, nil
}

// Attach registers a session and runs init under the knowledge base
// lock, so the network cannot change while the session builds its
// memories.
func (kb *KnowledgeBase) Attach(a Attachment, init func(*network.Network) error) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if init != nil {
		if err := init(kb.net); err != nil {
			return err
		}
	}
	kb.sessions = append(kb.sessions, a)
	return nil
}

// Detach unregisters a session.
func (kb *KnowledgeBase) Detach(a Attachment) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	for i, s := range kb.sessions {
		if s == a {
			kb.sessions = append(kb.sessions[:i:i], kb.sessions[i+1:]...)
			return
		}
	}
}

// Sessions returns the number of attached sessions.
func (kb *KnowledgeBase) Sessions() int {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.sessions)
}

// AddPackage adds a wired package. A package with the name of an existing
// one is merged into it: its rules replace same-named rules and attached
// sessions see the change immediately.
func (kb *KnowledgeBase) AddPackage(p *Package) ([]BuildResult, error) {
	if p == nil {
		return nil, fmt.Errorf("add package: nil package")
	}
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPackage, p.Name())
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	var results []BuildResult
	target, exists := kb.packages[p.Name()]
	if exists {
		results = target.Merge(p)
	} else {
		target = p
	}

	for _, r := range p.rules {
		if owner, ok := kb.net.Rule(r.Name); ok && owner.Package != p.Name() {
			results = append(results, warning(p.Name(), CodeRuleReplaced,
				"rule %s replaces the rule of package %s", r.Name, owner.Package))
		}
	}

	kb.store.Merge(p.store)
	for name, fn := range p.accumulators {
		kb.accumulators[name] = fn
	}

	kb.packages[target.Name()] = target

	var added, removed []network.NodeID
	var errs []error
	for _, r := range p.rules {
		if old, ok := kb.net.Rule(r.Name); ok {
			ids, err := kb.net.RemoveRule(r.Name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, ids...)
			if owner, ok := kb.packages[old.Package]; ok && owner != target {
				owner.RemoveRule(r.Name)
			}
		}
		_, ids, err := kb.net.AddRule(r, kb.ruleOptions(target.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		added = append(added, ids...)
	}

	if err := kb.notify(added, removed); err != nil {
		errs = append(errs, err)
	}
	kb.logger.Info("package added",
		"package", p.Name(),
		"merged", exists,
		"rules", len(p.rules),
		"nodes_added", len(added),
		"nodes_removed", len(removed),
		"warnings", len(results))
	return results, errors.Join(errs...)
}

func (kb *KnowledgeBase) ruleOptions(pkg string) network.RuleOptions {
	kb.order++
	return network.RuleOptions{
		Package:      pkg,
		Order:        kb.order,
		Bindings:     kb,
		Windows:      kb.windows(),
		Accumulators: kb.accumulators,
	}
}

func (kb *KnowledgeBase) windows() map[string]ir.WindowDecl {
	out := make(map[string]ir.WindowDecl)
	for _, name := range sortedKeys(kb.packages) {
		for _, w := range kb.packages[name].windows {
			out[w.Name] = w
		}
	}
	return out
}

func (kb *KnowledgeBase) notify(added, removed []network.NodeID) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	var errs []error
	for _, s := range kb.sessions {
		if err := s.NetworkChanged(added, removed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveRule removes a rule or query. Attached sessions lose its
// activations and any node no other rule shares.
func (kb *KnowledgeBase) RemoveRule(name string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return kb.removeRule(name)
}

func (kb *KnowledgeBase) removeRule(name string) error {
	r, ok := kb.net.Rule(name)
	if !ok {
		return fmt.Errorf("rule %s not found", name)
	}
	removed, err := kb.net.RemoveRule(name)
	if err != nil {
		return err
	}
	if p, ok := kb.packages[r.Package]; ok {
		p.RemoveRule(name)
	}
	kb.logger.Info("rule removed", "rule", name, "package", r.Package, "nodes_removed", len(removed))
	return kb.notify(nil, removed)
}

// RemoveType removes a type from every package and forgets its
// accessors. It fails with ErrTypeInUse while a rule matches the type or
// an attached session holds a fact of it.
func (kb *KnowledgeBase) RemoveType(typeName string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if rules := kb.net.RulesUsingType(typeName); len(rules) > 0 {
		return fmt.Errorf("%w: %s is matched by rules %v", ErrTypeInUse, typeName, rules)
	}
	for _, s := range kb.sessions {
		if n := s.CountType(typeName); n > 0 {
			return fmt.Errorf("%w: %s has %d live facts", ErrTypeInUse, typeName, n)
		}
	}

	found := false
	for _, name := range sortedKeys(kb.packages) {
		if err := kb.packages[name].RemoveType(typeName); err == nil {
			found = true
		} else if errors.Is(err, ErrTypeInUse) {
			return err
		}
	}
	if kb.store.RemoveType(typeName) > 0 {
		found = true
	}
	if !found {
		return fmt.Errorf("type %s not found", typeName)
	}
	kb.provider.Forget(typeName)
	kb.logger.Info("type removed", "type", typeName)
	return nil
}

// RemovePackage removes a package and all of its rules.
func (kb *KnowledgeBase) RemovePackage(name string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	p, ok := kb.packages[name]
	if !ok {
		return fmt.Errorf("package %s not found", name)
	}
	var removed []network.NodeID
	for _, r := range p.rules {
		if owner, ok := kb.net.Rule(r.Name); !ok || owner.Package != name {
			continue
		}
		ids, err := kb.net.RemoveRule(r.Name)
		if err != nil {
			return err
		}
		removed = append(removed, ids...)
	}
	delete(kb.packages, name)
	kb.logger.Info("package removed", "package", name, "nodes_removed", len(removed))
	return kb.notify(nil, removed)
}

// Package returns a package by name.
func (kb *KnowledgeBase) Package(name string) (*Package, bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	p, ok := kb.packages[name]
	return p, ok
}

// Packages returns the packages sorted by name.
func (kb *KnowledgeBase) Packages() []*Package {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	out := make([]*Package, 0, len(kb.packages))
	for _, name := range sortedKeys(kb.packages) {
		out = append(out, kb.packages[name])
	}
	return out
}

// Function returns the consequence function a rule of pkg calls.
func (kb *KnowledgeBase) Function(pkg, name string) (Function, bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	p, ok := kb.packages[pkg]
	if !ok {
		return nil, false
	}
	return p.Function(name)
}

// Template returns a fact template declared by any package.
func (kb *KnowledgeBase) Template(name string) (ir.FactTemplate, bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	for _, pkg := range sortedKeys(kb.packages) {
		if t, ok := kb.packages[pkg].Template(name); ok {
			return t, true
		}
	}
	return ir.FactTemplate{}, false
}

// Globals returns every declared global, sorted by name.
func (kb *KnowledgeBase) Globals() []ir.GlobalDecl {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	byName := make(map[string]ir.GlobalDecl)
	for _, p := range kb.packages {
		for _, g := range p.globals {
			byName[g.Name] = g
		}
	}
	out := make([]ir.GlobalDecl, 0, len(byName))
	for _, name := range sortedKeys(byName) {
		out = append(out, byName[name])
	}
	return out
}

// Rules returns the compiled rules and queries in declaration order.
func (kb *KnowledgeBase) Rules() []*network.Rule {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return kb.net.Rules()
}

// Query returns a compiled query by name.
func (kb *KnowledgeBase) Query(name string) (*network.Rule, bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	r, ok := kb.net.Rule(name)
	if !ok || !r.Query {
		return nil, false
	}
	return r, true
}

// Types returns the types known to any package or matched by a rule.
func (kb *KnowledgeBase) Types() []string {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	set := make(map[string]bool)
	for _, p := range kb.packages {
		for _, t := range p.types {
			set[t.Name] = true
		}
	}
	for _, t := range kb.net.Types() {
		set[t] = true
	}
	return sortedKeys(set)
}
