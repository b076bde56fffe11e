package mux

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Transport is MUX's public surface (spec.md §4.3): one lazily-created,
// cached control channel plus arbitrarily many outgoing/incoming stream
// channels.
type Transport struct {
	mux *Muxer

	controlOnce sync.Once
	control     *Channel

	incomingMu sync.Mutex
	incoming   []func(ch *Channel)

	isServerShaped bool
	// pendingOpens correlates an open-stream-request signal we sent (as the
	// server side of an HTTP/2-shaped link) with the channel id the client
	// is expected to dial back with.
	pendingOpensMu sync.Mutex
	pendingOpens   map[string]chan *Channel
}

// NewTransport wraps mux with the Transport surface. isServerShaped marks a
// link where the "server" side cannot spontaneously open a channel to the
// "client" (spec.md §4.3) and must instead use open-stream-request.
func NewTransport(ctx context.Context, m *Muxer, isServerShaped bool) *Transport {
	t := &Transport{
		mux:            m,
		isServerShaped: isServerShaped,
		pendingOpens:   make(map[string]chan *Channel),
	}
	m.OnIncomingChannel(t.handleIncoming)
	m.OnOpenStreamRequest(t.handleOpenStreamRequest)
	m.Start(ctx)
	return t
}

// GetControlChannel returns the singleton control channel, opening it on
// first use. Every consumer observes the same channel instance.
func (t *Transport) GetControlChannel() (*Channel, error) {
	var err error
	t.controlOnce.Do(func() {
		t.mux.mu.Lock()
		existing, ok := t.mux.channels[ControlChannelID]
		t.mux.mu.Unlock()
		if ok {
			// The peer opened the control channel first; reuse that endpoint.
			t.control = existing
			return
		}
		t.control, err = t.mux.OpenChannel(ControlChannelID)
	})
	if err != nil {
		return nil, err
	}
	return t.control, nil
}

// OpenOutgoingStreamChannel assigns a fresh channel id and begins the MUX
// handshake for a new outgoing stream channel.
func (t *Transport) OpenOutgoingStreamChannel() (*Channel, error) {
	id := uuid.NewString()
	return t.mux.OpenChannel(id)
}

// OpenOutgoingStreamChannelWithID is OpenOutgoingStreamChannel with a
// caller-chosen channel id, used by the RPC stream feature (spec.md §4.6)
// so a stream's handshake id can double as its channel id.
func (t *Transport) OpenOutgoingStreamChannelWithID(id string) (*Channel, error) {
	return t.mux.OpenChannel(id)
}

// WaitForChannel blocks until a peer-initiated channel with the given id
// arrives, intercepting it before it reaches OnIncomingStreamChannel
// handlers — used by the RPC stream feature's pull-reader role to bind
// the first incoming channel carrying a previously-advertised handshake
// id (spec.md §4.6).
func (t *Transport) WaitForChannel(ctx context.Context, id string) (*Channel, error) {
	waiter := make(chan *Channel, 1)
	t.pendingOpensMu.Lock()
	t.pendingOpens[id] = waiter
	t.pendingOpensMu.Unlock()

	select {
	case ch := <-waiter:
		return ch, nil
	case <-ctx.Done():
		t.pendingOpensMu.Lock()
		delete(t.pendingOpens, id)
		t.pendingOpensMu.Unlock()
		return nil, ctx.Err()
	}
}

// OnIncomingStreamChannel registers a handler invoked once per
// peer-initiated channel other than the control channel.
func (t *Transport) OnIncomingStreamChannel(fn func(ch *Channel)) {
	t.incomingMu.Lock()
	t.incoming = append(t.incoming, fn)
	t.incomingMu.Unlock()
}

func (t *Transport) handleIncoming(ch *Channel) {
	if ch.ID == ControlChannelID {
		return
	}

	t.pendingOpensMu.Lock()
	waiter, ok := t.pendingOpens[ch.ID]
	if ok {
		delete(t.pendingOpens, ch.ID)
	}
	t.pendingOpensMu.Unlock()
	if ok {
		waiter <- ch
		return
	}

	t.incomingMu.Lock()
	handlers := make([]func(*Channel), len(t.incoming))
	copy(handlers, t.incoming)
	t.incomingMu.Unlock()
	for _, fn := range handlers {
		fn(ch)
	}
}

// RequestClientOpenedChannel is used by the server side of an HTTP/2-shaped
// link (isServerShaped=true) to ask the client to open a stream channel
// back: it sends an open-stream-request signal on the control channel
// carrying a correlation id, then waits for the client's channel carrying
// that same id (spec.md §4.3).
func (t *Transport) RequestClientOpenedChannel(ctx context.Context) (*Channel, error) {
	if !t.isServerShaped {
		return nil, fmt.Errorf("mux: RequestClientOpenedChannel only applies to server-shaped links")
	}
	correlationID := uuid.NewString()
	waiter := make(chan *Channel, 1)

	t.pendingOpensMu.Lock()
	t.pendingOpens[correlationID] = waiter
	t.pendingOpensMu.Unlock()

	if _, err := t.GetControlChannel(); err != nil {
		return nil, err
	}
	t.mux.sendPacket(Packet{Type: PacketOpenStreamRequest, CorrelationID: correlationID})

	select {
	case ch := <-waiter:
		return ch, nil
	case <-ctx.Done():
		t.pendingOpensMu.Lock()
		delete(t.pendingOpens, correlationID)
		t.pendingOpensMu.Unlock()
		return nil, ctx.Err()
	}
}

// handleOpenStreamRequest is the client-side counterpart: on receiving the
// server's signal, it opens a stream channel whose id IS the correlation id
// so the server's handleIncoming dispatch correlates it back.
func (t *Transport) handleOpenStreamRequest(correlationID string) {
	ch, err := t.mux.OpenChannel(correlationID)
	if err != nil {
		return
	}
	t.incomingMu.Lock()
	handlers := make([]func(*Channel), len(t.incoming))
	copy(handlers, t.incoming)
	t.incomingMu.Unlock()
	for _, fn := range handlers {
		fn(ch)
	}
}

// OnClose registers a handler invoked once when the underlying link closes.
func (t *Transport) OnClose(fn func(reason error)) {
	t.mux.OnClose(fn)
}

// Close gracefully shuts the transport down.
func (t *Transport) Close() error {
	return t.mux.Close()
}

// Abort tears the transport's link down immediately.
func (t *Transport) Abort(reason error) {
	t.mux.Abort(reason)
}
