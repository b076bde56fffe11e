package resolver

import (
	"fmt"
	"strings"
)

// CycleError reports that a graph operation (TopoSort, Validate)
// discovered a dependency cycle (spec.md §3 invariant: "no
// cycles").
type CycleError struct {
	Cycle []NodeKey
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, k := range e.Cycle {
		parts[i] = k.String()
	}
	return fmt.Sprintf("resolver: dependency cycle: %s", strings.Join(parts, " -> "))
}

// DisputeError reports more than one version of the same plugin name
// present in a graph simultaneously (spec.md §3 invariant: "no duplicate
// versions for the same name").
type DisputeError struct {
	Name     Name
	Versions []string
}

func (e *DisputeError) Error() string {
	return fmt.Sprintf("resolver: disputed versions for %q: %s", e.Name, strings.Join(e.Versions, ", "))
}

// MissingDependencyError reports that a node's lock points at a name/
// version pair with no corresponding node in the graph (spec.md §3
// invariant: "every declared dependency lock points to an existing node").
type MissingDependencyError struct {
	From NodeKey
	Dep  NodeKey
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("resolver: %s depends on missing node %s", e.From, e.Dep)
}

// UnresolvableError is the resolver's failure result (spec.md §4.11:
// "throw a typed unresolvable error"). It aggregates every diagnostic the
// backtracking search accumulated before giving up, so the orchestrator
// can report the full reason the deployment target is infeasible.
type UnresolvableError struct {
	Missing  []Name
	Cycles   [][]NodeKey
	Disputes []DisputeError
}

func (e *UnresolvableError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		names := make([]string, len(e.Missing))
		for i, n := range e.Missing {
			names[i] = string(n)
		}
		parts = append(parts, fmt.Sprintf("missing: %s", strings.Join(names, ", ")))
	}
	for _, c := range e.Cycles {
		parts = append(parts, (&CycleError{Cycle: c}).Error())
	}
	for _, d := range e.Disputes {
		parts = append(parts, d.Error())
	}
	if len(parts) == 0 {
		return "resolver: unresolvable dependency set"
	}
	return "resolver: unresolvable: " + strings.Join(parts, "; ")
}

// IsEmpty reports whether the diagnostics are all empty, meaning the
// search space was simply exhausted without a concrete conflict to name.
func (e *UnresolvableError) IsEmpty() bool {
	return len(e.Missing) == 0 && len(e.Cycles) == 0 && len(e.Disputes) == 0
}
