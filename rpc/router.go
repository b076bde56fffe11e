package rpc

import (
	"context"
	"strings"
	"sync"
)

// Env is the environment a procedure handler receives: the call's context,
// the deserialised meta value, and a cooperative cancellation check
// (spec.md §4.5: "handlers may voluntarily short-circuit").
type Env struct {
	Ctx  context.Context
	Meta any

	isClosing func() bool
}

// IsClosing reports whether the connection carrying this call is shutting
// down. Long-running handlers should check it periodically.
func (e Env) IsClosing() bool {
	if e.isClosing == nil {
		return false
	}
	return e.isClosing()
}

// Handler is one leaf procedure: it receives deserialised input values and
// returns a result (for ask) or an error.
type Handler func(env Env, input []any) (any, error)

// Router is a tree of routers whose leaves are procedure handlers
// (spec.md §4.5: "the API is a tree of routers whose leaves are procedure
// handlers"), addressed by a slash-separated path.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	children map[string]*Router
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]Handler),
		children: make(map[string]*Router),
	}
}

// Handle registers fn at path, relative to this router.
func (r *Router) Handle(path string, fn Handler) {
	segs := splitPath(path)
	if len(segs) == 1 {
		r.mu.Lock()
		r.handlers[segs[0]] = fn
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	child, ok := r.children[segs[0]]
	if !ok {
		child = NewRouter()
		r.children[segs[0]] = child
	}
	r.mu.Unlock()

	child.Handle(strings.Join(segs[1:], "/"), fn)
}

// Sub returns (creating if necessary) the child router mounted at name.
func (r *Router) Sub(name string) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	child, ok := r.children[name]
	if !ok {
		child = NewRouter()
		r.children[name] = child
	}
	return child
}

// Lookup resolves path to a Handler, descending through child routers.
func (r *Router) Lookup(path string) (Handler, bool) {
	segs := splitPath(path)
	return r.lookup(segs)
}

func (r *Router) lookup(segs []string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(segs) == 1 {
		fn, ok := r.handlers[segs[0]]
		return fn, ok
	}
	child, ok := r.children[segs[0]]
	if !ok {
		return nil, false
	}
	return child.lookup(segs[1:])
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{""}
	}
	return strings.Split(path, "/")
}
