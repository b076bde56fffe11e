package mux

import (
	"context"
	"sync"
	"time"
)

// Status is a channel's handshake state (spec.md §3).
type Status int

const (
	// PreHandshake is the state between channel creation and the receipt
	// (or, for the passive side, the sending) of open-stream-ack. The
	// sender's effective window is clamped to a small constant.
	PreHandshake Status = iota
	// Established is the state once both sides agree the channel is open;
	// the full configured window applies.
	Established
)

func (s Status) String() string {
	if s == Established {
		return "established"
	}
	return "pre-handshake"
}

// Channel is one logical, reliable, in-order, flow-controlled stream inside
// a multiplexed Link (spec.md §3/§4.2).
type Channel struct {
	ID             string
	createdLocally bool

	sender   *Sender
	receiver *Receiver

	mu          sync.Mutex
	status      Status
	established chan struct{} // closed exactly once, on transition to Established
	closed      bool
	closeReason string

	incoming  chan []byte
	closedSig chan struct{}

	onCloseMu sync.Mutex
	onClose   []func(reason string)
}

func newChannel(id string, createdLocally bool, windowSize, preHandshakeWindow, bufSize int, ackTimeout time.Duration, transmit func(seq uint64, payload []byte), sendAck func(seq uint64)) *Channel {
	ch := &Channel{
		ID:             id,
		createdLocally: createdLocally,
		established:    make(chan struct{}),
		incoming:       make(chan []byte, bufSize),
		closedSig:      make(chan struct{}),
	}
	ch.sender = newSender(id, windowSize, preHandshakeWindow, ackTimeout, transmit)
	ch.receiver = newReceiver(id, bufSize, sendAck, ch.onDeliver)
	return ch
}

func (c *Channel) onDeliver(payload []byte) {
	select {
	case c.incoming <- payload:
	case <-c.closedSig:
	}
}

// Status reports the channel's current handshake status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// markEstablished transitions the channel to ESTABLISHED exactly once.
func (c *Channel) markEstablished() {
	c.mu.Lock()
	if c.status == Established {
		c.mu.Unlock()
		return
	}
	c.status = Established
	close(c.established)
	c.mu.Unlock()
	c.sender.SetEstablished()
}

// WaitEstablished blocks until the channel transitions to ESTABLISHED, ctx
// is cancelled, or the channel closes.
func (c *Channel) WaitEstablished(ctx context.Context) error {
	select {
	case <-c.established:
		return nil
	case <-c.closedSig:
		return &ChannelClosedError{ChannelID: c.ID, Reason: c.closeReason}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes payload to the channel, suspending if the sliding window is
// full (spec.md §5).
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	return c.sender.Send(ctx, payload)
}

// Receive blocks for the next in-order payload delivered to this channel.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-c.incoming:
		if !ok {
			return nil, &ChannelClosedError{ChannelID: c.ID, Reason: c.closeReason}
		}
		return p, nil
	case <-c.closedSig:
		return nil, &ChannelClosedError{ChannelID: c.ID, Reason: c.closeReason}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnClose registers a handler invoked once the channel is destroyed.
func (c *Channel) OnClose(fn func(reason string)) {
	c.onCloseMu.Lock()
	c.onClose = append(c.onClose, fn)
	c.onCloseMu.Unlock()
}

// destroy tears the channel down with reason, idempotently, firing
// registered close handlers exactly once (spec.md §4.2: "Closure is
// idempotent and emits exactly one terminal event").
func (c *Channel) destroy(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	c.mu.Unlock()

	close(c.closedSig)
	c.sender.Close(reason)
	c.receiver.Close()

	c.onCloseMu.Lock()
	handlers := make([]func(string), len(c.onClose))
	copy(handlers, c.onClose)
	c.onCloseMu.Unlock()
	for _, fn := range handlers {
		fn(reason)
	}
}

// IsClosed reports whether the channel has been destroyed.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
