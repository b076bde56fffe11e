// Package p2plink implements a mux.Link over a persistent libp2p stream, one
// per connected peer. Grounded in goop2's internal/p2p (host construction,
// identity persistence) and internal/entangle (one long-lived stream per
// peer instead of request/response round trips).
package p2plink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/nodemesh/corebus/internal/logging"
)

var log = logging.Named("link.p2p")

// identityCacheMu serializes identity load/create against a key file: a
// bus process can bring up several bridge links concurrently — one
// goroutine per parent/child bridge, per coordinator.go's AddChildLink and
// SetParentLink — and every one of them shares the same libp2p host
// identity. goop2 only ever calls loadOrCreateKey once, from its single
// Node constructor, so it never had to guard against two callers racing
// to generate and write two different keys to the same file; a bus host
// does, since its p2plink host is shared across however many bridges it
// holds.
var (
	identityCacheMu sync.Mutex
	identityCache   = make(map[string]crypto.PrivKey)
)

// LoadOrCreateIdentity loads a persistent Ed25519 identity key from keyFile,
// generating and saving a new one on first run. Concurrent calls for the
// same keyFile return the same cached key instead of racing to create one
// each; isNew is true only for the call that actually generated it.
func LoadOrCreateIdentity(keyFile string) (priv crypto.PrivKey, isNew bool, err error) {
	abs, err := filepath.Abs(keyFile)
	if err != nil {
		return nil, false, fmt.Errorf("p2plink: resolve identity key path: %w", err)
	}

	identityCacheMu.Lock()
	defer identityCacheMu.Unlock()

	if cached, ok := identityCache[abs]; ok {
		return cached, false, nil
	}

	priv, isNew, err = loadOrCreateIdentityFile(keyFile)
	if err != nil {
		return nil, false, err
	}
	identityCache[abs] = priv
	return priv, isNew, nil
}

// loadOrCreateIdentityFile is the on-disk half of LoadOrCreateIdentity,
// mirroring goop2's loadOrCreateKey: read an existing key, or generate and
// persist an Ed25519 one on first run.
func loadOrCreateIdentityFile(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("p2plink: marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("p2plink: create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("p2plink: save identity key: %w", err)
	}

	return priv, true, nil
}
