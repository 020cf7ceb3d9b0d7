// Package graph builds and queries the immutable build DAG. Nodes live in an
// arena indexed by integer ID; workers share the graph read-only after
// construction.
package graph

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/anvil-build/anvil"
	"github.com/anvil-build/anvil/internal/corerr"
	gograph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Node is one vertex of the build graph, wrapping a target. The ID doubles as
// the index into the graph's node arena, so per-node scheduler state can live
// in plain slices.
type Node struct {
	id     int64
	Target *anvil.Target

	deps       []*Node // edge targets, materialized order
	dependents []*Node // reverse edges, lexical order
}

// ID implements gonum's graph.Node.
func (n *Node) ID() int64 { return n.id }

// DOTID implements dot.Node so exported graphs are labeled readably.
func (n *Node) DOTID() string { return string(n.Target.Label) }

func (n *Node) String() string { return string(n.Target.Label) }

// MissingDependencyError reports a dependency label that resolves to no
// declared target.
type MissingDependencyError struct {
	From    anvil.Label
	Missing anvil.Label
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("%s: missing dependency %q", e.From, e.Missing)
}

// DuplicateLabelError reports a label declared by more than one target.
type DuplicateLabelError struct {
	Label anvil.Label
}

func (e *DuplicateLabelError) Error() string {
	return fmt.Sprintf("duplicate label %q", e.Label)
}

// CycleError reports a dependency cycle. Path lists the labels along the
// cycle, ending with a repetition of the first.
type CycleError struct {
	Path []anvil.Label
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, l := range e.Path {
		parts[i] = string(l)
	}
	return "dependency cycle: " + strings.Join(parts, " → ")
}

// Options configures graph construction.
type Options struct {
	// BreakCycles strips the outgoing edges of every strongly-connected
	// component instead of failing, so bootstrap target sets can be built in
	// two passes. Off by default: a cycle is an error.
	BreakCycles bool
}

// Graph is the immutable build DAG. Read-only after New returns; all workers
// share it without locking.
type Graph struct {
	dg      *simple.DirectedGraph
	nodes   []*Node
	byLabel map[anvil.Label]*Node
	order   []*Node // stable topological order, leaves first
}

// New validates targets and constructs the DAG. Dependency edges point from a
// target to each of its dependencies.
func New(targets []*anvil.Target, opts *Options) (*Graph, error) {
	if opts == nil {
		opts = &Options{}
	}
	sorted := append([]*anvil.Target(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Label < sorted[j].Label })

	g := &Graph{
		dg:      simple.NewDirectedGraph(),
		byLabel: make(map[anvil.Label]*Node, len(sorted)),
	}
	for idx, t := range sorted {
		if _, ok := g.byLabel[t.Label]; ok {
			return nil, corerr.Wrap(corerr.Graph, &DuplicateLabelError{Label: t.Label})
		}
		n := &Node{id: int64(idx), Target: t}
		g.nodes = append(g.nodes, n)
		g.byLabel[t.Label] = n
		g.dg.AddNode(n)
	}

	for _, n := range g.nodes {
		deps := anvil.NewerRevisionGoesFirst(n.Target.Deps)
		for _, dep := range deps {
			if dep == n.Target.Label {
				return nil, corerr.Wrap(corerr.Graph, &CycleError{
					Path: []anvil.Label{n.Target.Label, n.Target.Label},
				})
			}
			d, ok := g.byLabel[dep]
			if !ok {
				return nil, corerr.Wrap(corerr.Graph, &MissingDependencyError{
					From:    n.Target.Label,
					Missing: dep,
				})
			}
			n.deps = append(n.deps, d)
			g.dg.SetEdge(g.dg.NewEdge(n, d))
		}
	}

	// topo.SortStabilized places a target before its dependencies; the order
	// is reversed below so the scheduler sees leaves first. Ties are sorted
	// descending here so they come out ascending after the reversal.
	byLabelOrder := func(nodes []gograph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].(*Node).Target.Label > nodes[j].(*Node).Target.Label
		})
	}
	sorted2, err := topo.SortStabilized(g.dg, byLabelOrder)
	if err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return nil, corerr.E(corerr.Internal, "topological sort: %w", err)
		}
		if !opts.BreakCycles {
			return nil, corerr.Wrap(corerr.Graph, &CycleError{Path: g.cyclePath(uo[0])})
		}
		for _, component := range uo { // cyclic component
			for _, n := range component {
				from := g.dg.From(n.ID())
				for from.Next() {
					g.dg.RemoveEdge(n.ID(), from.Node().ID())
				}
				g.nodes[n.ID()].deps = nil
			}
		}
		sorted2, err = topo.SortStabilized(g.dg, byLabelOrder)
		if err != nil {
			return nil, corerr.E(corerr.Internal, "could not break cycles: %w", err)
		}
	}

	g.order = make([]*Node, len(sorted2))
	for i, n := range sorted2 {
		g.order[len(sorted2)-1-i] = n.(*Node)
	}

	for _, n := range g.nodes {
		for to := g.dg.To(n.ID()); to.Next(); {
			n.dependents = append(n.dependents, g.nodes[to.Node().ID()])
		}
		sort.Slice(n.dependents, func(i, j int) bool {
			return n.dependents[i].Target.Label < n.dependents[j].Target.Label
		})
	}
	return g, nil
}

// cyclePath walks one strongly-connected component and returns a closed path
// through it, starting at the lexically smallest label.
func (g *Graph) cyclePath(component []gograph.Node) []anvil.Label {
	in := make(map[int64]bool, len(component))
	var start *Node
	for _, cn := range component {
		n := g.nodes[cn.ID()]
		in[n.id] = true
		if start == nil || n.Target.Label < start.Target.Label {
			start = n
		}
	}
	path := []anvil.Label{start.Target.Label}
	seen := map[int64]bool{start.id: true}
	cur := start
	for {
		var next *Node
		for _, d := range cur.deps {
			if !in[d.id] {
				continue
			}
			if next == nil || d.Target.Label < next.Target.Label {
				next = d
			}
		}
		if next == nil {
			// Single-node component: the self edge was already rejected.
			path = append(path, start.Target.Label)
			return path
		}
		path = append(path, next.Target.Label)
		if next == start {
			return path
		}
		if seen[next.id] {
			// Entered a sub-cycle not through start; close the path there.
			return path
		}
		seen[next.id] = true
		cur = next
	}
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns the node arena, indexed by ID.
func (g *Graph) Nodes() []*Node { return g.nodes }

// ByLabel returns the node for l, or nil.
func (g *Graph) ByLabel(l anvil.Label) *Node { return g.byLabel[l] }

// Order returns the stable topological order, leaves first.
func (g *Graph) Order() []*Node { return g.order }

// Leaves returns the nodes with no dependencies; these seed the scheduler's
// ready queue.
func (g *Graph) Leaves() []*Node {
	var leaves []*Node
	for _, n := range g.order {
		if len(n.deps) == 0 {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// Dependencies returns n's direct dependencies in materialized order.
func (g *Graph) Dependencies(n *Node) []*Node { return n.deps }

// Dependents returns the nodes depending directly on n, in lexical order.
// The scheduler promotes these when n completes.
func (g *Graph) Dependents(n *Node) []*Node { return n.dependents }

// ReverseDeps returns every node reachable from n via reverse edges within
// depth hops; depth < 0 means unlimited. n itself is not included.
func (g *Graph) ReverseDeps(n *Node, depth int) []*Node {
	seen := map[int64]bool{n.id: true}
	var result []*Node
	frontier := []*Node{n}
	for d := 0; len(frontier) > 0 && (depth < 0 || d < depth); d++ {
		var next []*Node
		for _, f := range frontier {
			for _, dep := range f.dependents {
				if seen[dep.id] {
					continue
				}
				seen[dep.id] = true
				result = append(result, dep)
				next = append(next, dep)
			}
		}
		frontier = next
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Target.Label < result[j].Target.Label
	})
	return result
}

// TransitiveClosure materializes the requested labels plus everything they
// transitively depend on, in stable topological order (leaves first).
func (g *Graph) TransitiveClosure(labels []anvil.Label) ([]*Node, error) {
	want := make(map[int64]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if want[n.id] {
			return
		}
		want[n.id] = true
		for _, d := range n.deps {
			visit(d)
		}
	}
	for _, l := range labels {
		n := g.byLabel[l]
		if n == nil {
			return nil, corerr.Wrap(corerr.Graph, &MissingDependencyError{Missing: l})
		}
		visit(n)
	}
	var result []*Node
	for _, n := range g.order {
		if want[n.id] {
			result = append(result, n)
		}
	}
	return result, nil
}

// KindFilter returns the subset of nodes whose target kind matches.
func KindFilter(nodes []*Node, kind anvil.TargetKind) []*Node {
	var result []*Node
	for _, n := range nodes {
		if n.Target.Kind == kind {
			result = append(result, n)
		}
	}
	return result
}

// AttributeFilter returns the subset of nodes whose option under key matches
// the glob pattern.
func AttributeFilter(nodes []*Node, key, pattern string) []*Node {
	var result []*Node
	for _, n := range nodes {
		v, ok := n.Target.Options[key]
		if !ok {
			continue
		}
		if matched, err := path.Match(pattern, v); err == nil && matched {
			result = append(result, n)
		}
	}
	return result
}

// DOT renders the graph in Graphviz format for debugging.
func (g *Graph) DOT() ([]byte, error) {
	return dot.Marshal(g.dg, "builddag", "", "  ")
}
