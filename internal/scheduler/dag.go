// Package scheduler drives warehouse maintenance tasks on cron triggers and
// predecessor-completion triggers, enforcing per-task serialization and
// dependency order.
package scheduler

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrCycle means the declared predecessor edges contain a cycle.
var ErrCycle = errors.New("task graph contains a cycle")

type node struct {
	name         string
	preds        []string
	dependents   []string
	hasSchedule  bool
	component    int
}

// Graph is the explicit task dependency DAG with a computed topological
// activation order. Execution never relies on operators resuming nodes in a
// particular manual order.
type Graph struct {
	nodes map[string]*node
	order []string // topological, stable across builds
}

// buildGraph validates the declared task set: known predecessors, acyclic
// edges, and exactly one cron-scheduled root per connected component (the
// root may not itself have predecessors).
func buildGraph(specs []TaskSpec) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*node, len(specs))}
	for _, s := range specs {
		if _, dup := g.nodes[s.Name]; dup {
			return nil, errors.Errorf("duplicate task %q", s.Name)
		}
		g.nodes[s.Name] = &node{
			name:        s.Name,
			preds:       append([]string(nil), s.Predecessors...),
			hasSchedule: s.Schedule != nil,
			component:   -1,
		}
	}
	for _, n := range g.nodes {
		for _, p := range n.preds {
			pn, ok := g.nodes[p]
			if !ok {
				return nil, errors.Errorf("task %q declares unknown predecessor %q", n.name, p)
			}
			pn.dependents = append(pn.dependents, n.name)
		}
	}
	if err := g.topoSort(); err != nil {
		return nil, err
	}
	if err := g.validateRoots(); err != nil {
		return nil, err
	}
	return g, nil
}

// topoSort computes a deterministic topological order (Kahn's algorithm with
// lexicographic tie-breaking) and detects cycles.
func (g *Graph) topoSort() error {
	indegree := make(map[string]int, len(g.nodes))
	for name, n := range g.nodes {
		indegree[name] = len(n.preds)
	}
	var ready []string
	for name, d := range indegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	g.order = g.order[:0]
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		g.order = append(g.order, name)
		var next []string
		for _, dep := range g.nodes[name].dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		ready = mergeSorted(ready, next)
	}
	if len(g.order) != len(g.nodes) {
		var stuck []string
		for name, d := range indegree {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return errors.Wrapf(ErrCycle, "involving %v", stuck)
	}
	return nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	return append(append(out, a[i:]...), b[j:]...)
}

// validateRoots labels connected components (treating edges as undirected)
// and requires exactly one scheduled, predecessor-free root in each.
func (g *Graph) validateRoots() error {
	comp := 0
	for _, start := range g.order {
		if g.nodes[start].component >= 0 {
			continue
		}
		frontier := []string{start}
		g.nodes[start].component = comp
		var scheduled []string
		for len(frontier) > 0 {
			name := frontier[0]
			frontier = frontier[1:]
			n := g.nodes[name]
			if n.hasSchedule {
				scheduled = append(scheduled, name)
				if len(n.preds) > 0 {
					return errors.Errorf("task %q has both a schedule and predecessors", name)
				}
			}
			for _, peer := range append(append([]string(nil), n.preds...), n.dependents...) {
				if g.nodes[peer].component < 0 {
					g.nodes[peer].component = comp
					frontier = append(frontier, peer)
				}
			}
		}
		if len(scheduled) != 1 {
			return errors.Errorf("task component containing %q needs exactly one scheduled root, found %d", start, len(scheduled))
		}
		comp++
	}
	return nil
}

// Component returns the names of the root's connected component in
// topological activation order.
func (g *Graph) Component(root string) []string {
	n, ok := g.nodes[root]
	if !ok {
		return nil
	}
	var out []string
	for _, name := range g.order {
		if g.nodes[name].component == n.component {
			out = append(out, name)
		}
	}
	return out
}

// Roots returns the scheduled root of every component, in topological order.
func (g *Graph) Roots() []string {
	var out []string
	for _, name := range g.order {
		if g.nodes[name].hasSchedule {
			out = append(out, name)
		}
	}
	return out
}

// Predecessors returns the declared predecessors of a task.
func (g *Graph) Predecessors(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return append([]string(nil), n.preds...)
	}
	return nil
}
