// Package resolver implements spec.md §4.11's plexus-style dependency
// graph and backtracking resolver: plugins are named, versioned nodes with
// semver-ranged dependencies; the resolver turns a set of top-level
// requirements into a concrete, cycle-free DependencyGraph, and a diff
// between two graphs sorts into an activation/deactivation Plan.
//
// Grounded in goop2's internal/state (a table of entries guarded by one
// mutex) for the Graph's concurrency shape, and in
// github.com/Masterminds/semver/v3 for range parsing and version
// ordering.
package resolver

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Name identifies a plugin independent of version.
type Name string

// NodeKey uniquely identifies one (name, version) pair in a graph
// (spec.md §3: "A dependency graph is a directed graph whose nodes are
// (name, version) pairs").
type NodeKey struct {
	Name    Name
	Version string
}

func (k NodeKey) String() string {
	return fmt.Sprintf("%s@%s", k.Name, k.Version)
}

// Metadata is one plugin's declared shape (spec.md §3: "Plugin metadata").
type Metadata struct {
	Name Name
	// Version is this plugin's own version.
	Version string
	// Dependencies maps a required plugin name to the semver range it
	// must satisfy.
	Dependencies map[Name]string
	// Lock records, for each dependency name, the specific version this
	// plugin's edges are pinned to. Populated by the resolver on success;
	// callers constructing a graph by hand (e.g. from a prior lockfile)
	// may populate it directly.
	Lock map[Name]string
	// Provider names which registered Provider contributed this version,
	// used by Diff to detect a "modified" node when a plugin moves
	// providers without changing version (spec.md §4.11).
	Provider string
}

// parsedVersion parses Metadata.Version as a semver.Version; the result is
// not cached, so each call parses the string again.
func (m Metadata) parsedVersion() (*semver.Version, error) {
	return semver.NewVersion(m.Version)
}

// clone deep-copies m so graph mutation never aliases a caller's maps.
func (m Metadata) clone() Metadata {
	out := Metadata{Name: m.Name, Version: m.Version, Provider: m.Provider}
	if m.Dependencies != nil {
		out.Dependencies = make(map[Name]string, len(m.Dependencies))
		for k, v := range m.Dependencies {
			out.Dependencies[k] = v
		}
	}
	if m.Lock != nil {
		out.Lock = make(map[Name]string, len(m.Lock))
		for k, v := range m.Lock {
			out.Lock[k] = v
		}
	}
	return out
}

// Provider supplies candidate versions for a plugin name (spec.md §6:
// "Dependency provider contract"). Providers are consulted in
// registration order; the first that returns a non-nil map wins for that
// name.
type Provider interface {
	// Provide returns every version this provider knows of name, each
	// mapped to that version's own dependency ranges, or nil if this
	// provider has no opinion on name.
	Provide(name Name) map[string]map[Name]string
}
