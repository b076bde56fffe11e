// Package wslink implements a mux.Link over a WebSocket connection, the way
// goop2's internal/mq frames one JSON message per libp2p stream write: here
// each mux.Packet becomes one WebSocket text message, letting gorilla's
// per-message framing stand in for MUX's "message boundaries" requirement
// (spec.md §6) without MUX itself needing to know or care about framing.
package wslink

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nodemesh/corebus/internal/logging"
	"github.com/nodemesh/corebus/link/wirecodec"
	"github.com/nodemesh/corebus/mux"
)

var log = logging.Named("link.ws")

// Link implements mux.Link over a *websocket.Conn. Call ReadLoop in its own
// goroutine to start delivering inbound packets.
type Link struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	onMessage func(mux.Packet)
	onClose   []func(error)
	closed    bool
}

// New wraps conn as a mux.Link. The caller must start ReadLoop.
func New(conn *websocket.Conn) *Link {
	return &Link{conn: conn}
}

func (l *Link) Send(ctx context.Context, p mux.Packet) error {
	data, err := wirecodec.Encode(p)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return &mux.LinkClosedError{}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(deadline)
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		go l.closeWith(err)
		return fmt.Errorf("wslink: write: %w", err)
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

// ReadLoop pumps inbound WebSocket messages into the registered OnMessage
// handler until the connection closes. Run it in its own goroutine.
func (l *Link) ReadLoop() {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.closeWith(err)
			return
		}
		p, err := wirecodec.Decode(data)
		if err != nil {
			log.Warnf("wslink: dropping malformed message: %v", err)
			continue
		}
		l.mu.Lock()
		handler := l.onMessage
		l.mu.Unlock()
		if handler != nil {
			handler(p)
		}
	}
}

func (l *Link) Close() error {
	l.closeWith(nil)
	return l.conn.Close()
}

func (l *Link) Abort(reason error) {
	l.closeWith(reason)
	_ = l.conn.Close()
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
	l.mu.Unlock()

	for _, h := range handlers {
		h(reason)
	}
}

var _ mux.Link = (*Link)(nil)
