package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/rete/internal/ir"
)

// CycleWarning represents a potential activation cycle between rules.
//
// Cycles are warnings, not errors, because they may be intentional:
//   - Counters that stop at a bound
//   - Recursive derivations that reach a fixpoint
//   - Self-modifying rules guarded by no_loop
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["rule-a", "rule-b", "rule-a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles performs static cycle analysis on the rules of a package.
//
// A rule can activate another when one of its actions inserts or
// modifies a fact of a type the other matches positively (match, exists
// or accumulate patterns). Go consequence functions are opaque and add no
// edges.
//
// The algorithm:
//  1. Build the rule → rule activation graph
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or self-loops as a potential cycle
//
// Self-loops of no_loop rules are reported at "info" level: the engine
// suppresses the reactivation. A DAG returns an empty list.
func AnalyzeCycles(def *ir.PackageDef) []CycleWarning {
	if def == nil || len(def.Rules) == 0 {
		return []CycleWarning{}
	}

	graph, order := buildDependencyGraph(def.Rules)
	sccs := tarjanSCC(graph, order)

	noLoop := make(map[string]bool)
	for _, r := range def.Rules {
		noLoop[r.Name] = r.NoLoop
	}

	warnings := []CycleWarning{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph, noLoop))
		}
	}
	return warnings
}

// dependencyGraph maps rule name → rules its actions could activate.
type dependencyGraph map[string][]string

// buildDependencyGraph constructs the activation graph. order lists the
// rules in declaration order so that traversal is deterministic.
func buildDependencyGraph(rules []ir.RuleDef) (dependencyGraph, []string) {
	graph := make(dependencyGraph)
	order := make([]string, 0, len(rules))

	// type → rules matching it positively
	consumers := make(map[string][]string)
	for _, r := range rules {
		if r.IsQuery() {
			continue
		}
		order = append(order, r.Name)
		seen := make(map[string]bool)
		for _, p := range r.Patterns {
			if p.PatternKind() == ir.PatternNot || seen[p.Type] {
				continue
			}
			seen[p.Type] = true
			consumers[p.Type] = append(consumers[p.Type], r.Name)
		}
	}

	for _, r := range rules {
		if r.IsQuery() {
			continue
		}
		graph[r.Name] = []string{}
		added := make(map[string]bool)
		for _, typ := range producedTypes(r) {
			for _, target := range consumers[typ] {
				if added[target] {
					continue
				}
				added[target] = true
				graph[r.Name] = append(graph[r.Name], target)
			}
		}
	}
	return graph, order
}

// producedTypes lists the types a rule's actions insert or modify.
func producedTypes(r ir.RuleDef) []string {
	varTypes := make(map[string]string)
	for _, p := range r.Patterns {
		if p.Var != "" {
			varTypes[p.Var] = p.Type
		}
	}
	var out []string
	for _, step := range r.Actions {
		switch step.Op {
		case ir.ActionInsert, ir.ActionInsertLogical:
			out = append(out, step.Type)
		case ir.ActionModify:
			if t, ok := varTypes[step.Target]; ok {
				out = append(out, t)
			}
		}
	}
	return out
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of rule names.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph dependencyGraph, order []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack and create an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning.
func cycleSCCToWarning(scc []string, graph dependencyGraph, noLoop map[string]bool) CycleWarning {
	if len(scc) == 1 {
		name := scc[0]
		if noLoop[name] {
			return CycleWarning{
				Path:    []string{name, name},
				Message: fmt.Sprintf("Self-activating rule %s is guarded by no_loop", name),
				Level:   "info",
			}
		}
		return CycleWarning{
			Path:    []string{name, name},
			Message: fmt.Sprintf("Self-activating rule detected: %s → %s", name, name),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Potential activation cycle detected: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructCyclePath builds a cycle path from an SCC, starting at its
// last member (the first one Tarjan visited) and following edges within
// the SCC until it returns to the start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[len(scc)-1]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
