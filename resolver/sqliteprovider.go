package resolver

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteProvider is a Provider backed by a durable catalog of
// name/version/dependency-range tuples, grounded in goop2's
// internal/storage.DB (a sqlite-backed table wrapped in a mutex). Unlike
// DB, this type owns a single fixed table shape: it is the resolver's own
// plugin catalog, not the externally-scoped package-manifest loader
// spec.md §1 places out of scope.
type SQLiteProvider struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// OpenSQLiteProvider opens (creating if necessary) a sqlite-backed plugin
// catalog at path, inside configDir.
func OpenSQLiteProvider(configDir string) (*SQLiteProvider, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("resolver: create config dir: %w", err)
	}
	dbPath := filepath.Join(configDir, "resolver_catalog.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolver: open catalog: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("resolver: configure catalog: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS plugin_versions (
			name       TEXT NOT NULL,
			version    TEXT NOT NULL,
			deps_json  TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (name, version)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("resolver: create catalog table: %w", err)
	}

	return &SQLiteProvider{db: db, path: dbPath}, nil
}

// Close closes the underlying database.
func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

// Name identifies this provider for diagnostics (Diff's "modified"
// detection, resolver logging) — resolver.providerLabel prefers this over
// a bare index when a Provider implements it.
func (p *SQLiteProvider) Name() string { return "sqlite:" + p.path }

// Put inserts or replaces a plugin version's declared dependency ranges.
func (p *SQLiteProvider) Put(name Name, version string, deps map[Name]string) error {
	raw, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("resolver: marshal deps for %s@%s: %w", name, version, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.db.Exec(`
		INSERT INTO plugin_versions (name, version, deps_json) VALUES (?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET deps_json = excluded.deps_json`,
		string(name), version, string(raw))
	return err
}

// Remove deletes one plugin version from the catalog.
func (p *SQLiteProvider) Remove(name Name, version string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec(`DELETE FROM plugin_versions WHERE name = ? AND version = ?`, string(name), version)
	return err
}

// Provide implements Provider by querying the catalog for every version
// registered under name.
func (p *SQLiteProvider) Provide(name Name) map[string]map[Name]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rows, err := p.db.Query(`SELECT version, deps_json FROM plugin_versions WHERE name = ?`, string(name))
	if err != nil {
		log.Warnf("resolver: catalog query for %s failed: %v", name, err)
		return nil
	}
	defer rows.Close()

	out := make(map[string]map[Name]string)
	for rows.Next() {
		var version, depsJSON string
		if err := rows.Scan(&version, &depsJSON); err != nil {
			log.Warnf("resolver: catalog scan for %s failed: %v", name, err)
			continue
		}
		var raw map[string]string
		if err := json.Unmarshal([]byte(depsJSON), &raw); err != nil {
			log.Warnf("resolver: catalog deps for %s@%s unparseable: %v", name, version, err)
			continue
		}
		deps := make(map[Name]string, len(raw))
		for k, v := range raw {
			deps[Name(k)] = v
		}
		out[version] = deps
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MapProvider is an in-memory Provider, useful for tests and for
// composing with SQLiteProvider (e.g. a fixed "built-in" plugin set ahead
// of the durable catalog).
type MapProvider struct {
	label    string
	versions map[Name]map[string]map[Name]string
}

// NewMapProvider returns a Provider serving versions verbatim.
func NewMapProvider(label string, versions map[Name]map[string]map[Name]string) *MapProvider {
	return &MapProvider{label: label, versions: versions}
}

func (p *MapProvider) Name() string { return p.label }

func (p *MapProvider) Provide(name Name) map[string]map[Name]string {
	return p.versions[name]
}
