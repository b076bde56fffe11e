package resolver

import "testing"

// TestDiffPlanReconcilesVersionBump mirrors spec.md §8 scenario 5
// ("Reconcile plan"): old graph {a@1, b@1 depends on a@1}, new graph
// {a@2, b@1 depends on a@2}. Expected plan: deactivate b@1, deactivate
// a@1, activate a@2, activate b@1.
func TestDiffPlanReconcilesVersionBump(t *testing.T) {
	oldGraph := NewGraph()
	oldGraph.AddNode(Metadata{Name: "a", Version: "1.0.0"})
	oldGraph.AddNode(Metadata{Name: "b", Version: "1.0.0", Lock: map[Name]string{"a": "1.0.0"}})

	newGraph := NewGraph()
	newGraph.AddNode(Metadata{Name: "a", Version: "2.0.0"})
	newGraph.AddNode(Metadata{Name: "b", Version: "1.0.0", Lock: map[Name]string{"a": "2.0.0"}})

	diff := oldGraph.Diff(newGraph)

	if len(diff.Removed) != 1 || diff.Removed[0] != (NodeKey{Name: "a", Version: "1.0.0"}) {
		t.Fatalf("got removed=%v, want [a@1.0.0]", diff.Removed)
	}
	if len(diff.Added) != 1 || diff.Added[0] != (NodeKey{Name: "a", Version: "2.0.0"}) {
		t.Fatalf("got added=%v, want [a@2.0.0]", diff.Added)
	}
	if len(diff.Modified) != 1 || diff.Modified[0] != (NodeKey{Name: "b", Version: "1.0.0"}) {
		t.Fatalf("got modified=%v, want [b@1.0.0] (its lock changed)", diff.Modified)
	}

	plan, err := diff.Sort()
	if err != nil {
		t.Fatalf("Sort: %v", err)
	}

	wantDeactivate := []NodeKey{{Name: "b", Version: "1.0.0"}, {Name: "a", Version: "1.0.0"}}
	if !keysEqual(plan.Deactivate, wantDeactivate) {
		t.Fatalf("got deactivate=%v, want %v", plan.Deactivate, wantDeactivate)
	}

	wantActivate := []NodeKey{{Name: "a", Version: "2.0.0"}, {Name: "b", Version: "1.0.0"}}
	if !keysEqual(plan.Activate, wantActivate) {
		t.Fatalf("got activate=%v, want %v", plan.Activate, wantActivate)
	}
}

func TestDiffNoChangeIsEmpty(t *testing.T) {
	g := NewGraph()
	g.AddNode(Metadata{Name: "a", Version: "1.0.0"})

	diff := g.Diff(g.Clone())
	if len(diff.Added) != 0 || len(diff.Removed) != 0 || len(diff.Modified) != 0 {
		t.Fatalf("expected empty diff against a clone, got %+v", diff)
	}
}

func keysEqual(got, want []NodeKey) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
