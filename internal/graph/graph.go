// Package graph builds the service dependency DAG and answers gating and
// ordering questions over it. Grounded in the original Rust implementation's
// graph.rs (petgraph DiGraphMap + toposort); Go has no petgraph equivalent in
// the example pack, so the graph is a plain adjacency map walked with Kahn's
// algorithm (spec.md §9 "Cyclic/self-referential structures").
package graph

import (
	"fmt"
	"strings"

	"github.com/loykin/micromux/internal/spec"
)

// UnknownDependencyError reports a depends_on reference to a service that
// does not exist.
type UnknownDependencyError struct {
	From string
	To   string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("service %q depends on unknown service %q", e.From, e.To)
}

// CycleError reports a dependency cycle, with the cycle's path for
// diagnostics (spec.md §8 scenario 4: `Cycle{path:[a,b,a]}`).
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Graph is the order-independent DAG over service names.
type Graph struct {
	order []string            // declaration order of nodes, used for stable ties
	deps  map[string][]string // service -> its declared dependencies, in order
	rdeps map[string][]string // service -> its dependents (reverse edges), in order
}

// Build constructs the graph from specs, in declaration order. Construction
// is two-phase — every node is added before any edge — so permuting the
// input order never changes the resulting edges or whether Build fails.
// When a failure has several candidates, which one is reported follows the
// input order: the first unknown dependency met, and the cycle path (which
// cycle, and from which node it starts).
func Build(specs []*spec.ServiceSpec) (*Graph, error) {
	g := &Graph{
		deps:  make(map[string][]string, len(specs)),
		rdeps: make(map[string][]string, len(specs)),
	}
	for _, s := range specs {
		g.order = append(g.order, s.Name)
		g.deps[s.Name] = nil
		g.rdeps[s.Name] = nil
	}
	for _, s := range specs {
		for _, d := range s.DependsOn {
			if _, ok := g.deps[d.Name]; !ok {
				return nil, &UnknownDependencyError{From: s.Name, To: d.Name}
			}
			g.deps[s.Name] = append(g.deps[s.Name], d.Name)
			g.rdeps[d.Name] = append(g.rdeps[d.Name], s.Name)
		}
	}
	if path := g.findCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}
	return g, nil
}

// Dependencies returns the declared dependency names of name, in
// declaration order.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns the services that declared name as a dependency.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.rdeps[name]...)
}

// GatingReady reports whether every entry in depends currently satisfies its
// condition against states, the current ActualState per service (spec.md
// §4.2).
func GatingReady(depends []spec.DependsOn, states map[string]spec.ActualState) bool {
	for _, d := range depends {
		st, ok := states[d.Name]
		if !ok {
			return false
		}
		if !conditionSatisfied(d.Condition, st) {
			return false
		}
	}
	return true
}

func conditionSatisfied(cond spec.Condition, st spec.ActualState) bool {
	switch cond {
	case spec.ConditionStarted:
		return st.Kind == spec.Running || (st.Kind == spec.Exited && st.ExitStatus.Success())
	case spec.ConditionHealthy:
		return st.Kind == spec.Running && st.Health == spec.HealthyState
	case spec.ConditionCompletedSuccessfully:
		return st.Kind == spec.Exited && st.ExitStatus.Success()
	default:
		return false
	}
}

// TopologicalOrder returns a stable dependency-respecting order: every
// service appears after all of its dependencies. Ties are broken by
// declaration order, so the result depends only on the edge set, not on
// incidental map iteration order (spec.md §4.2, §8).
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.order))
	for _, n := range g.order {
		indegree[n] = len(g.deps[n])
	}
	remaining := make(map[string]bool, len(g.order))
	for _, n := range g.order {
		remaining[n] = true
	}

	order := make([]string, 0, len(g.order))
	for len(remaining) > 0 {
		progressed := false
		for _, n := range g.order {
			if !remaining[n] || indegree[n] != 0 {
				continue
			}
			order = append(order, n)
			delete(remaining, n)
			for _, dep := range g.rdeps[n] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			// Build() already rejects cycles, so this only fires if the
			// caller constructed a Graph some other way; fail safe rather
			// than loop forever.
			for n := range remaining {
				order = append(order, n)
			}
			break
		}
	}
	return order
}

// findCycle runs a DFS looking for a back-edge and returns the cycle path
// (e.g. [a, b, a]) if one exists, or nil if the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.order))
	var stack []string

	var visit func(n string) []string
	visit = func(n string) []string {
		state[n] = visiting
		stack = append(stack, n)
		for _, next := range g.rdeps[n] {
			switch state[next] {
			case unvisited:
				if path := visit(next); path != nil {
					return path
				}
			case visiting:
				// Found the back-edge; extract the cycle from the stack.
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				cycle = append(cycle, next)
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for _, n := range g.order {
		if state[n] == unvisited {
			if path := visit(n); path != nil {
				return path
			}
		}
	}
	return nil
}
