package resolver

import (
	"reflect"
	"sort"
)

// Diff is the result of comparing two graphs of the same plugin universe
// (spec.md §4.11). Added/Removed/Modified are NodeKey sets; Modified
// means the same (name, version) node is present in both graphs but its
// provider, declared dependency ranges, or resolved lock differ.
type Diff struct {
	Added    []NodeKey
	Removed  []NodeKey
	Modified []NodeKey

	old *Graph
	new *Graph
}

// Diff compares g (the old graph) against next (the new graph).
func (g *Graph) Diff(next *Graph) *Diff {
	g.mu.RLock()
	next.mu.RLock()
	defer g.mu.RUnlock()
	defer next.mu.RUnlock()

	d := &Diff{old: g, new: next}

	oldKeys := g.sortedKeys()
	newKeys := next.sortedKeys()
	newSet := make(map[NodeKey]bool, len(newKeys))
	for _, k := range newKeys {
		newSet[k] = true
	}
	oldSet := make(map[NodeKey]bool, len(oldKeys))
	for _, k := range oldKeys {
		oldSet[k] = true
	}

	for _, k := range oldKeys {
		if !newSet[k] {
			d.Removed = append(d.Removed, k)
			continue
		}
		if nodeChanged(g.nodes[k], next.nodes[k]) {
			d.Modified = append(d.Modified, k)
		}
	}
	for _, k := range newKeys {
		if !oldSet[k] {
			d.Added = append(d.Added, k)
		}
	}

	sort.Slice(d.Added, func(i, j int) bool { return less(d.Added[i], d.Added[j]) })
	sort.Slice(d.Removed, func(i, j int) bool { return less(d.Removed[i], d.Removed[j]) })
	sort.Slice(d.Modified, func(i, j int) bool { return less(d.Modified[i], d.Modified[j]) })
	return d
}

func nodeChanged(a, b Metadata) bool {
	if a.Provider != b.Provider {
		return true
	}
	if !reflect.DeepEqual(a.Dependencies, b.Dependencies) {
		return true
	}
	if !reflect.DeepEqual(a.Lock, b.Lock) {
		return true
	}
	return false
}

// Plan is a topologically ordered activation/deactivation sequence
// derived from a Diff (spec.md §4.11: "Diff -> plan").
type Plan struct {
	// Deactivate lists nodes to tear down, dependents before their
	// dependencies, derived from the OLD graph's topological order
	// reversed and filtered to removed ∪ modified.
	Deactivate []NodeKey
	// Activate lists nodes to bring up, dependencies before their
	// dependents, derived from the NEW graph's topological order filtered
	// to added ∪ modified.
	Activate []NodeKey
}

// Sort computes the Plan for d. It fails with a *CycleError if either
// graph is not a DAG.
func (d *Diff) Sort() (*Plan, error) {
	changedOld := toSet(append(append([]NodeKey{}, d.Removed...), d.Modified...))
	changedNew := toSet(append(append([]NodeKey{}, d.Added...), d.Modified...))

	oldOrder, err := d.old.TopoSort()
	if err != nil {
		return nil, err
	}
	newOrder, err := d.new.TopoSort()
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for i := len(oldOrder) - 1; i >= 0; i-- {
		if changedOld[oldOrder[i]] {
			plan.Deactivate = append(plan.Deactivate, oldOrder[i])
		}
	}
	for _, k := range newOrder {
		if changedNew[k] {
			plan.Activate = append(plan.Activate, k)
		}
	}
	return plan, nil
}

func toSet(keys []NodeKey) map[NodeKey]bool {
	set := make(map[NodeKey]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
