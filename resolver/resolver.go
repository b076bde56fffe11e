package resolver

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/nodemesh/corebus/internal/config"
)

// Resolver runs the backtracking, constraint-propagating search described
// in spec.md §4.11 over a fixed, ordered list of Providers.
type Resolver struct {
	providers []Provider
	// MaxStates caps the memoisation table before the resolver gives up
	// and returns UnresolvableError, guarding against pathological input
	// (0 means unbounded; mirrors internal/config.Resolver.MaxBacktrackStates).
	MaxStates int
}

// New returns a Resolver consulting providers in the given order — the
// first provider whose Provide(name) is non-nil wins for that name
// (spec.md §6).
func New(providers ...Provider) *Resolver {
	return &Resolver{providers: providers}
}

// NewWithConfig returns a Resolver whose MaxStates is taken from cfg
// (internal/config.Resolver.MaxBacktrackStates), so a long-lived bus
// process can bound backtracking the same way it bounds every other
// mux/rpc/bus tunable.
func NewWithConfig(cfg config.Resolver, providers ...Provider) *Resolver {
	r := New(providers...)
	r.MaxStates = cfg.MaxBacktrackStates
	return r
}

// candidate is one version a name could resolve to, with its own
// declared dependency ranges.
type candidate struct {
	version string
	deps    map[Name]string
}

func (r *Resolver) candidatesFor(name Name) []candidate {
	for _, p := range r.providers {
		versions := p.Provide(name)
		if versions == nil {
			continue
		}
		out := make([]candidate, 0, len(versions))
		for v, deps := range versions {
			out = append(out, candidate{version: v, deps: deps})
		}
		return out
	}
	return nil
}

// searchState is one step of the search: every name resolved so far, the
// merged range constraint active on every name (resolved or not), and
// the resolved dependency edges recorded per name (for building Lock at
// the end).
type searchState struct {
	assigned    map[Name]string          // name -> chosen version
	constraints map[Name]string          // name -> merged range string (comma-joined)
	deps        map[Name]map[Name]string // name -> its chosen version's declared deps
	providerOf  map[Name]string
}

func newSearchState() *searchState {
	return &searchState{
		assigned:    make(map[Name]string),
		constraints: make(map[Name]string),
		deps:        make(map[Name]map[Name]string),
		providerOf:  make(map[Name]string),
	}
}

func (s *searchState) clone() *searchState {
	out := newSearchState()
	for k, v := range s.assigned {
		out.assigned[k] = v
	}
	for k, v := range s.constraints {
		out.constraints[k] = v
	}
	for k, v := range s.deps {
		m := make(map[Name]string, len(v))
		for dn, dr := range v {
			m[dn] = dr
		}
		out.deps[k] = m
	}
	for k, v := range s.providerOf {
		out.providerOf[k] = v
	}
	return out
}

// fingerprint produces a stable string identifying this search state for
// memoisation (spec.md §4.11: "Memoise (graph_fingerprint,
// constraints_fingerprint) -> result").
func (s *searchState) fingerprint() string {
	names := make([]string, 0, len(s.constraints))
	for n := range s.constraints {
		names = append(names, string(n))
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('=')
		if v, ok := s.assigned[Name(n)]; ok {
			b.WriteString("@")
			b.WriteString(v)
		}
		b.WriteByte(':')
		b.WriteString(s.constraints[Name(n)])
		b.WriteByte(';')
	}
	return b.String()
}

func mergeRange(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "," + next
}

// Resolve finds a concrete version for every name in requirements (and
// transitively for everything they depend on), preferring versions fixed
// by locked (if non-nil), and returns the resulting graph with every
// node's Lock populated from the chosen assignment.
func (r *Resolver) Resolve(requirements map[Name]string, locked *Graph) (*Graph, error) {
	state := newSearchState()
	pending := make([]Name, 0, len(requirements))
	names := make([]string, 0, len(requirements))
	for n := range requirements {
		names = append(names, string(n))
	}
	sort.Strings(names)
	for _, n := range names {
		name := Name(n)
		state.constraints[name] = requirements[name]
		pending = append(pending, name)
	}

	memo := make(map[string]bool) // fingerprint -> known-failed
	diag := &UnresolvableError{}

	result := r.backtrack(state, pending, locked, memo, diag)
	if result == nil {
		if diag.IsEmpty() {
			diag.Missing = []Name{}
		}
		return nil, diag
	}
	return buildGraph(result), nil
}

func (r *Resolver) backtrack(state *searchState, pending []Name, locked *Graph, memo map[string]bool, diag *UnresolvableError) *searchState {
	if r.MaxStates > 0 && len(memo) >= r.MaxStates {
		return nil
	}

	// Drop already-assigned names from the pending queue (they may have
	// been resolved incidentally while satisfying another name's deps).
	var unresolved []Name
	for _, n := range pending {
		if _, ok := state.assigned[n]; !ok {
			unresolved = append(unresolved, n)
		}
	}
	if len(unresolved) == 0 {
		return state
	}

	fp := state.fingerprint()
	if failed, seen := memo[fp]; seen && failed {
		return nil
	}

	// MRV heuristic: resolve the name with the fewest matching candidates
	// first, since it is most likely to prune the search early.
	type scored struct {
		name  Name
		cands []candidate
	}
	var best *scored
	for _, n := range unresolved {
		cands := r.matchingCandidates(n, state, locked)
		if best == nil || len(cands) < len(best.cands) {
			best = &scored{name: n, cands: cands}
		}
		if best != nil && len(best.cands) == 0 {
			break
		}
	}

	if len(best.cands) == 0 {
		diag.Missing = append(diag.Missing, best.name)
		memo[fp] = true
		return nil
	}

	rest := make([]Name, 0, len(unresolved)-1)
	for _, n := range unresolved {
		if n != best.name {
			rest = append(rest, n)
		}
	}

	for _, c := range best.cands {
		next := state.clone()
		next.assigned[best.name] = c.version
		next.deps[best.name] = c.deps
		if _, _, provider := r.providerFor(best.name, c.version); provider != "" {
			next.providerOf[best.name] = provider
		}

		conflict := false
		newPending := append([]Name{}, rest...)
		depNames := make([]string, 0, len(c.deps))
		for dn := range c.deps {
			depNames = append(depNames, string(dn))
		}
		sort.Strings(depNames)
		for _, dn := range depNames {
			depName := Name(dn)
			depRange := c.deps[depName]
			merged := mergeRange(next.constraints[depName], depRange)
			if _, err := semver.NewConstraint(merged); err != nil {
				conflict = true
				break
			}
			if assignedVersion, ok := next.assigned[depName]; ok {
				if !satisfies(assignedVersion, merged) {
					conflict = true
					break
				}
			} else {
				if _, already := next.constraints[depName]; !already {
					newPending = append(newPending, depName)
				}
			}
			next.constraints[depName] = merged
		}
		if conflict {
			continue
		}

		if result := r.backtrack(next, newPending, locked, memo, diag); result != nil {
			return result
		}
	}

	memo[fp] = true
	return nil
}

// providerFor identifies which registered provider contributed (name,
// version), mirroring the selection candidatesFor already made.
func (r *Resolver) providerFor(name Name, version string) (int, map[Name]string, string) {
	for i, p := range r.providers {
		versions := p.Provide(name)
		if versions == nil {
			continue
		}
		if deps, ok := versions[version]; ok {
			return i, deps, providerLabel(p, i)
		}
		return i, nil, ""
	}
	return -1, nil, ""
}

func providerLabel(p Provider, index int) string {
	if named, ok := p.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "provider#" + strconv.Itoa(index)
}

// matchingCandidates returns name's candidates filtered by the active
// constraint, locked version (if it satisfies) sorted first, remainder
// sorted by descending semver (spec.md §4.11).
func (r *Resolver) matchingCandidates(name Name, state *searchState, locked *Graph) []candidate {
	all := r.candidatesFor(name)
	constraint := state.constraints[name]
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil
	}

	lockedVersion := ""
	if locked != nil {
		for _, k := range locked.Nodes() {
			if k.Name == name {
				lockedVersion = k.Version
				break
			}
		}
	}

	var matched []candidate
	var lockedMatch *candidate
	for i := range all {
		v, err := semver.NewVersion(all[i].version)
		if err != nil || !c.Check(v) {
			continue
		}
		if all[i].version == lockedVersion {
			cc := all[i]
			lockedMatch = &cc
			continue
		}
		matched = append(matched, all[i])
	}
	sort.Slice(matched, func(i, j int) bool {
		vi, _ := semver.NewVersion(matched[i].version)
		vj, _ := semver.NewVersion(matched[j].version)
		return vi.GreaterThan(vj)
	})
	if lockedMatch != nil {
		return append([]candidate{*lockedMatch}, matched...)
	}
	return matched
}

func satisfies(version, constraint string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// buildGraph materialises a completed search state into a Graph, writing
// each node's Lock from the chosen peer assignment (spec.md §4.11: "for
// each node write its resolved lock from the chosen peers").
func buildGraph(state *searchState) *Graph {
	g := NewGraph()
	names := make([]string, 0, len(state.assigned))
	for n := range state.assigned {
		names = append(names, string(n))
	}
	sort.Strings(names)
	for _, n := range names {
		name := Name(n)
		version := state.assigned[name]
		declared := state.deps[name]
		lock := make(map[Name]string, len(declared))
		for depName := range declared {
			if depVersion, ok := state.assigned[depName]; ok {
				lock[depName] = depVersion
			}
		}
		g.AddNode(Metadata{
			Name:         name,
			Version:      version,
			Dependencies: declared,
			Lock:         lock,
			Provider:     state.providerOf[name],
		})
	}
	return g
}
