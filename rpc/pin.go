package rpc

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/nodemesh/corebus/wire"
)

// pinKind is the wire.Handler Kind for pinned values (spec.md §4.6).
const pinKind = "pin"

// pinEntry tracks a locally-held pinnable value and its outstanding
// refcount across the connection.
type pinEntry struct {
	value    any
	refcount int
}

// PinRegistry implements spec.md §4.6's Pin feature as a wire.Handler: it
// replaces a pinnable Go value with a {kind:"pin", id} placeholder on
// encode, and on decode constructs a proxy whose invocations become RPCs
// against the system-reserved path __pin_call__/<id>/<method>. A pin
// survives only within the connection that created it.
type PinRegistry struct {
	mu      sync.Mutex
	entries map[string]*pinEntry

	// isPinnable decides whether a given value is pin-eligible (a
	// user-function or user-object, per spec.md §4.6); callers configure
	// this since "pinnable" is an application-level notion.
	isPinnable func(v any) bool

	// caller is used by proxies built from a decoded placeholder to invoke
	// __pin_call__/<id>/<method> against the connection that sent the pin.
	caller func(ctx context.Context, path string, args []any) (any, error)
}

// NewPinRegistry returns a PinRegistry. isPinnable classifies values as
// pin-eligible; caller issues the __pin_call__ asks a decoded pin proxy
// needs to invoke methods on the remote original.
func NewPinRegistry(isPinnable func(v any) bool, caller func(ctx context.Context, path string, args []any) (any, error)) *PinRegistry {
	return &PinRegistry{
		entries:    make(map[string]*pinEntry),
		isPinnable: isPinnable,
		caller:     caller,
	}
}

// Kind implements wire.Handler.
func (r *PinRegistry) Kind() string { return pinKind }

// Detect implements wire.Handler.
func (r *PinRegistry) Detect(v any) bool {
	if r.isPinnable == nil {
		return false
	}
	return r.isPinnable(v)
}

// Encode allocates (or reuses) a pin id for v, bumping its refcount, and
// returns the placeholder payload.
func (r *PinRegistry) Encode(ctx *wire.EncodeContext, v any) (id string, meta wire.Value, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Function values are not comparable, so each Encode of one gets a
	// fresh pin id instead of being compared (which would panic).
	if t := reflect.TypeOf(v); t != nil && t.Comparable() {
		for existingID, e := range r.entries {
			if e.value == v {
				e.refcount++
				return existingID, nil, nil
			}
		}
	}
	id = uuid.NewString()
	r.entries[id] = &pinEntry{value: v, refcount: 1}
	return id, nil, nil
}

// Decode materialises a Proxy for the pin id, routing method invocations
// back to the peer via __pin_call__/<id>/<method>.
func (r *PinRegistry) Decode(ctx *wire.DecodeContext, id string, meta wire.Value) (any, error) {
	return &Proxy{pinID: id, caller: r.caller}, nil
}

// Release decrements id's refcount in response to the peer's release
// notification, dropping the local entry once it reaches zero (spec.md
// §4.6: "the registry collects release{pin_id} notifications; when
// refcount reaches zero the local entry is dropped").
func (r *PinRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(r.entries, id)
	}
}

// Lookup returns the pinned value for id, for use by a Router handler
// mounted at __pin_call__ that dispatches to the pinned object's methods.
func (r *PinRegistry) Lookup(id string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Proxy is the local stand-in for a pin decoded from the peer: invoking a
// method on it issues an ask against __pin_call__/<id>/<method>.
type Proxy struct {
	pinID  string
	caller func(ctx context.Context, path string, args []any) (any, error)
}

// Call invokes method on the pinned remote value.
func (p *Proxy) Call(ctx context.Context, method string, args []any) (any, error) {
	if p.caller == nil {
		return nil, fmt.Errorf("rpc: pin proxy %s has no caller wired", p.pinID)
	}
	path := fmt.Sprintf("__pin_call__/%s/%s", p.pinID, method)
	return p.caller(ctx, path, args)
}

// PinID returns the id this proxy addresses.
func (p *Proxy) PinID() string { return p.pinID }
