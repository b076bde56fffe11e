// Package memlink implements an in-memory mux.Link pair for same-process
// wiring and tests — the simplest possible instance of the abstract Link
// contract in spec.md §1/§6 ("any HTTP/2-style or in-memory link
// implementation satisfies it").
package memlink

import (
	"context"
	"sync"

	"github.com/nodemesh/corebus/mux"
)

// Pair returns two connected Links, each of which delivers to the other.
func Pair() (a, b *Link) {
	a = &Link{}
	b = &Link{}
	a.peer = b
	b.peer = a
	return a, b
}

// Link is one endpoint of an in-memory duplex message pipe.
type Link struct {
	mu        sync.Mutex
	peer      *Link
	onMessage func(mux.Packet)
	onClose   []func(error)
	closed    bool
}

func (l *Link) Send(ctx context.Context, p mux.Packet) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return &mux.LinkClosedError{}
	}
	peer := l.peer
	l.mu.Unlock()

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return &mux.LinkClosedError{}
	}
	handler := peer.onMessage
	peer.mu.Unlock()

	if handler != nil {
		handler(p)
	}
	return nil
}

func (l *Link) OnMessage(handler func(mux.Packet)) {
	l.mu.Lock()
	l.onMessage = handler
	l.mu.Unlock()
}

func (l *Link) OnClose(handler func(error)) {
	l.mu.Lock()
	l.onClose = append(l.onClose, handler)
	l.mu.Unlock()
}

func (l *Link) Close() error {
	l.closeWith(nil)
	return nil
}

func (l *Link) Abort(reason error) {
	l.closeWith(reason)
}

func (l *Link) closeWith(reason error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	handlers := make([]func(error), len(l.onClose))
	copy(handlers, l.onClose)
	peer := l.peer
	l.mu.Unlock()

	for _, h := range handlers {
		h(reason)
	}

	if peer != nil {
		peer.mu.Lock()
		alreadyClosed := peer.closed
		peer.mu.Unlock()
		if !alreadyClosed {
			peer.closeWith(reason)
		}
	}
}

var _ mux.Link = (*Link)(nil)
