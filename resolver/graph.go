package resolver

import (
	"sort"
	"sync"

	"github.com/nodemesh/corebus/internal/logging"
)

var log = logging.Named("resolver")

// Graph is a directed graph of (name, version) plugin nodes, edges
// implied by each node's Lock (spec.md §3/§4.11). A zero Graph is not
// usable; use NewGraph.
type Graph struct {
	mu    sync.RWMutex
	nodes map[NodeKey]Metadata
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[NodeKey]Metadata)}
}

// AddNode inserts or replaces the node for m.Name/m.Version.
func (g *Graph) AddNode(m Metadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[NodeKey{Name: m.Name, Version: m.Version}] = m.clone()
}

// RemoveNode drops a node from the graph. It does not validate that no
// remaining node's Lock still points at it; use Validate for that.
func (g *Graph) RemoveNode(k NodeKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, k)
}

// Node returns the metadata for k, or ok=false if absent.
func (g *Graph) Node(k NodeKey) (Metadata, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.nodes[k]
	if !ok {
		return Metadata{}, false
	}
	return m.clone(), true
}

// Nodes returns every node key in the graph, in no particular order.
func (g *Graph) Nodes() []NodeKey {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]NodeKey, 0, len(g.nodes))
	for k := range g.nodes {
		out = append(out, k)
	}
	return out
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// edgesFrom returns the node keys k's Lock resolves to, skipping any
// dependency name whose locked target is not present in the graph (the
// caller is responsible for surfacing that via MissingDependencies).
func (g *Graph) edgesFrom(k NodeKey) []NodeKey {
	m, ok := g.nodes[k]
	if !ok {
		return nil
	}
	// Deterministic order: callers (topo sort, diff) depend on stable
	// iteration to produce reproducible plans.
	names := make([]Name, 0, len(m.Lock))
	for name := range m.Lock {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	out := make([]NodeKey, 0, len(names))
	for _, name := range names {
		dep := NodeKey{Name: name, Version: m.Lock[name]}
		if _, ok := g.nodes[dep]; ok {
			out = append(out, dep)
		}
	}
	return out
}

// Dependencies returns the node keys k directly depends on (edges out of
// k).
func (g *Graph) Dependencies(k NodeKey) []NodeKey {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgesFrom(k)
}

// Dependents returns every node that directly depends on k (edges into
// k).
func (g *Graph) Dependents(k NodeKey) []NodeKey {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []NodeKey
	keys := g.sortedKeys()
	for _, candidate := range keys {
		for _, dep := range g.edgesFrom(candidate) {
			if dep == k {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

func (g *Graph) sortedKeys() []NodeKey {
	keys := make([]NodeKey, 0, len(g.nodes))
	for k := range g.nodes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Version < keys[j].Version
	})
	return keys
}

// TopoSort returns every node in dependency-first order (a node's
// dependencies precede it), using Kahn's algorithm over out-degree edges
// as spec.md §4.11 prescribes. It returns a *CycleError if the graph is
// not a DAG.
func (g *Graph) TopoSort() ([]NodeKey, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	keys := g.sortedKeys()

	// inDeg here counts, for each node, how many of its dependencies have
	// not yet been emitted — i.e. the node's own out-edges not yet
	// "consumed". We walk dependencies-first by treating a node's
	// dependency count as its Kahn in-degree and relaxing dependents once
	// all of their dependencies are emitted.
	remaining := make(map[NodeKey]map[NodeKey]bool, len(keys))
	dependentsOf := make(map[NodeKey][]NodeKey, len(keys))
	for _, k := range keys {
		deps := g.edgesFrom(k)
		set := make(map[NodeKey]bool, len(deps))
		for _, d := range deps {
			set[d] = true
			dependentsOf[d] = append(dependentsOf[d], k)
		}
		remaining[k] = set
	}

	var queue []NodeKey
	for _, k := range keys {
		if len(remaining[k]) == 0 {
			queue = append(queue, k)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return less(queue[i], queue[j]) })

	var order []NodeKey
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		var freed []NodeKey
		for _, dependent := range dependentsOf[n] {
			set := remaining[dependent]
			if set == nil {
				continue
			}
			delete(set, n)
			if len(set) == 0 {
				freed = append(freed, dependent)
			}
		}
		sort.Slice(freed, func(i, j int) bool { return less(freed[i], freed[j]) })
		queue = append(queue, freed...)
		sort.Slice(queue, func(i, j int) bool { return less(queue[i], queue[j]) })
	}

	if len(order) != len(keys) {
		cycle := g.findCycleLocked()
		return nil, &CycleError{Cycle: cycle}
	}
	return order, nil
}

func less(a, b NodeKey) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Version < b.Version
}

// DetectCycle runs a DFS cycle search and returns the first cycle found,
// or nil if the graph is acyclic.
func (g *Graph) DetectCycle() []NodeKey {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycleLocked()
}

func (g *Graph) findCycleLocked() []NodeKey {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[NodeKey]int, len(g.nodes))
	var stack []NodeKey

	var visit func(k NodeKey) []NodeKey
	visit = func(k NodeKey) []NodeKey {
		color[k] = gray
		stack = append(stack, k)
		for _, dep := range g.edgesFrom(k) {
			switch color[dep] {
			case gray:
				// Found the back edge; extract the cycle from stack.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append([]NodeKey{}, stack[start:]...)
				return append(cycle, dep)
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[k] = black
		return nil
	}

	for _, k := range g.sortedKeys() {
		if color[k] == white {
			if c := visit(k); c != nil {
				return c
			}
		}
	}
	return nil
}

// Disputes returns a DisputeError for every plugin name with more than
// one version present in the graph.
func (g *Graph) Disputes() []DisputeError {
	g.mu.RLock()
	defer g.mu.RUnlock()

	byName := make(map[Name][]Metadata)
	for k, m := range g.nodes {
		byName[k.Name] = append(byName[k.Name], m)
	}
	var out []DisputeError
	names := make([]Name, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	for _, n := range names {
		metas := byName[n]
		if len(metas) <= 1 {
			continue
		}
		sort.Slice(metas, func(i, j int) bool {
			vi, erri := metas[i].parsedVersion()
			vj, errj := metas[j].parsedVersion()
			if erri != nil || errj != nil {
				return metas[i].Version < metas[j].Version
			}
			return vi.LessThan(vj)
		})
		versions := make([]string, len(metas))
		for i, m := range metas {
			versions[i] = m.Version
		}
		out = append(out, DisputeError{Name: n, Versions: versions})
	}
	return out
}

// MissingDependencies returns, for every node whose Lock references a
// name/version pair absent from the graph, a MissingDependencyError.
func (g *Graph) MissingDependencies() []MissingDependencyError {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []MissingDependencyError
	for _, k := range g.sortedKeys() {
		m := g.nodes[k]
		names := make([]Name, 0, len(m.Lock))
		for name := range m.Lock {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
		for _, name := range names {
			dep := NodeKey{Name: name, Version: m.Lock[name]}
			if _, ok := g.nodes[dep]; !ok {
				out = append(out, MissingDependencyError{From: k, Dep: dep})
			}
		}
	}
	return out
}

// Validate runs every structural invariant spec.md §3 requires and
// returns the first violation as a typed error, or nil if the graph is
// sound.
func (g *Graph) Validate() error {
	if disputes := g.Disputes(); len(disputes) > 0 {
		d := disputes[0]
		return &d
	}
	if missing := g.MissingDependencies(); len(missing) > 0 {
		return &missing[0]
	}
	if cycle := g.DetectCycle(); cycle != nil {
		return &CycleError{Cycle: cycle}
	}
	return nil
}

// dependencySubgraphKeys does a forward BFS from roots over dependency
// edges (k -> k's dependencies), returning every key reached including
// the roots.
func (g *Graph) dependencySubgraphKeys(roots []NodeKey) map[NodeKey]bool {
	seen := make(map[NodeKey]bool)
	queue := append([]NodeKey{}, roots...)
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if seen[k] {
			continue
		}
		seen[k] = true
		queue = append(queue, g.edgesFrom(k)...)
	}
	return seen
}

// dependentSubgraphKeys does a backward BFS from roots over dependent
// edges (k -> nodes that depend on k), returning every key reached
// including the roots.
func (g *Graph) dependentSubgraphKeys(roots []NodeKey) map[NodeKey]bool {
	// Precompute reverse adjacency once rather than calling Dependents
	// (itself O(n) per call) in a loop.
	reverse := make(map[NodeKey][]NodeKey, len(g.nodes))
	for _, k := range g.sortedKeys() {
		for _, dep := range g.edgesFrom(k) {
			reverse[dep] = append(reverse[dep], k)
		}
	}

	seen := make(map[NodeKey]bool)
	queue := append([]NodeKey{}, roots...)
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if seen[k] {
			continue
		}
		seen[k] = true
		queue = append(queue, reverse[k]...)
	}
	return seen
}

// Subgraph returns a deep-cloned Graph containing roots plus everything
// they transitively depend on (dependencies=true) or everything that
// transitively depends on them (dependencies=false), per spec.md §4.11
// ("subgraph of dependents/dependencies (BFS on inverted/forward
// adjacency)").
func (g *Graph) Subgraph(roots []NodeKey, dependencies bool) *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var keys map[NodeKey]bool
	if dependencies {
		keys = g.dependencySubgraphKeys(roots)
	} else {
		keys = g.dependentSubgraphKeys(roots)
	}

	out := NewGraph()
	for k := range keys {
		if m, ok := g.nodes[k]; ok {
			out.nodes[k] = m.clone()
		}
	}
	return out
}

// Clone returns a deep copy of g.
func (g *Graph) Clone() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := NewGraph()
	for k, m := range g.nodes {
		out.nodes[k] = m.clone()
	}
	return out
}
