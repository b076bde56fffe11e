package resolver

import (
	"testing"

	"github.com/nodemesh/corebus/internal/config"
)

func TestNewWithConfigAppliesMaxStates(t *testing.T) {
	cfg := config.Resolver{MaxBacktrackStates: 5}
	r := NewWithConfig(cfg, NewMapProvider("builtin", nil))
	if r.MaxStates != 5 {
		t.Fatalf("got MaxStates=%d, want 5", r.MaxStates)
	}
}

// TestResolvePrefersLockedVersion mirrors spec.md §8 scenario 4
// ("Resolver preference"): requirements {p: "^1.0.0"}, provider offers
// p@1.0.0 and p@1.1.0, locked graph already pins p@1.0.0. Expected:
// p@1.0.0 is chosen, graph contains one node.
func TestResolvePrefersLockedVersion(t *testing.T) {
	provider := NewMapProvider("builtin", map[Name]map[string]map[Name]string{
		"p": {
			"1.0.0": {},
			"1.1.0": {},
		},
	})
	locked := NewGraph()
	locked.AddNode(Metadata{Name: "p", Version: "1.0.0"})

	r := New(provider)
	g, err := r.Resolve(map[Name]string{"p": "^1.0.0"}, locked)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g.Len() != 1 {
		t.Fatalf("got %d nodes, want 1", g.Len())
	}
	node, ok := g.Node(NodeKey{Name: "p", Version: "1.0.0"})
	if !ok {
		t.Fatalf("expected p@1.0.0 in resolved graph, got %v", g.Nodes())
	}
	if node.Provider != "builtin" {
		t.Fatalf("got provider %q, want builtin", node.Provider)
	}
}

func TestResolveWithoutLockPicksNewestSatisfying(t *testing.T) {
	provider := NewMapProvider("builtin", map[Name]map[string]map[Name]string{
		"p": {
			"1.0.0": {},
			"1.1.0": {},
			"2.0.0": {},
		},
	})

	r := New(provider)
	g, err := r.Resolve(map[Name]string{"p": "^1.0.0"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := g.Node(NodeKey{Name: "p", Version: "1.1.0"}); !ok {
		t.Fatalf("expected newest 1.x (1.1.0) chosen, got %v", g.Nodes())
	}
}

func TestResolveTransitiveDependency(t *testing.T) {
	provider := NewMapProvider("builtin", map[Name]map[string]map[Name]string{
		"app": {
			"1.0.0": {"lib": "^2.0.0"},
		},
		"lib": {
			"2.0.0": {},
			"2.1.0": {},
			"3.0.0": {},
		},
	})

	r := New(provider)
	g, err := r.Resolve(map[Name]string{"app": "^1.0.0"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g.Len() != 2 {
		t.Fatalf("got %d nodes, want 2 (app, lib)", g.Len())
	}
	appNode, ok := g.Node(NodeKey{Name: "app", Version: "1.0.0"})
	if !ok {
		t.Fatalf("expected app@1.0.0 present")
	}
	if appNode.Lock["lib"] != "2.1.0" {
		t.Fatalf("got app's lib lock=%q, want 2.1.0 (newest satisfying ^2.0.0)", appNode.Lock["lib"])
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("resolved graph failed validation: %v", err)
	}
}

func TestResolveConflictingTransitiveRangesIsUnresolvable(t *testing.T) {
	provider := NewMapProvider("builtin", map[Name]map[string]map[Name]string{
		"app": {
			"1.0.0": {"lib": "^1.0.0"},
		},
		"tool": {
			"1.0.0": {"lib": "^2.0.0"},
		},
		"lib": {
			"1.0.0": {},
			"2.0.0": {},
		},
	})

	r := New(provider)
	_, err := r.Resolve(map[Name]string{"app": "^1.0.0", "tool": "^1.0.0"}, nil)
	if err == nil {
		t.Fatal("expected an UnresolvableError for conflicting lib ranges")
	}
	if _, ok := err.(*UnresolvableError); !ok {
		t.Fatalf("got %T, want *UnresolvableError", err)
	}
}

func TestResolveDeterministicAcrossRuns(t *testing.T) {
	provider := NewMapProvider("builtin", map[Name]map[string]map[Name]string{
		"app": {
			"1.0.0": {"lib": "^1.0.0"},
		},
		"lib": {
			"1.0.0": {},
			"1.2.0": {},
			"1.1.0": {},
		},
	})

	r := New(provider)
	first, err := r.Resolve(map[Name]string{"app": "^1.0.0"}, nil)
	if err != nil {
		t.Fatalf("Resolve (first): %v", err)
	}
	second, err := r.Resolve(map[Name]string{"app": "^1.0.0"}, nil)
	if err != nil {
		t.Fatalf("Resolve (second): %v", err)
	}

	for _, k := range first.Nodes() {
		if _, ok := second.Node(k); !ok {
			t.Fatalf("node %v present in first resolve but not second", k)
		}
	}
	if first.Len() != second.Len() {
		t.Fatalf("got %d nodes first run, %d second run", first.Len(), second.Len())
	}
}
