// Package mux implements spec.md's MUX layer: a reliable, in-order,
// flow-controlled multiplexer over an abstract Link, providing one control
// channel plus arbitrarily many data-stream channels, each with its own
// sliding-window sender/receiver, plus heartbeat liveness for the link as a
// whole.
//
// Grounded on goop2's internal/mq (per-peer sequence numbers, transport ACK
// with a pending-channel map, stream-based framing) and internal/entangle
// (persistent heartbeat stream, disconnect-on-EOF semantics).
package mux

import "context"

// Link is the abstract full-duplex message pipe MUX runs over (spec.md
// §1/§6). Any transport that preserves message boundaries satisfies it —
// an in-memory pipe, a WebSocket connection, a libp2p stream. It need not
// preserve ordering or guarantee delivery; MUX supplies both.
type Link interface {
	// Send hands one packet to the link for transmission. Implementations
	// must make Send safe to call concurrently with itself.
	Send(ctx context.Context, p Packet) error

	// OnMessage registers the handler invoked for every packet the link
	// receives. Must be called before the link starts delivering messages.
	OnMessage(handler func(Packet))

	// OnClose registers the handler invoked exactly once when the link
	// becomes permanently unusable, whether by graceful Close or Abort.
	OnClose(handler func(reason error))

	// Close gracefully shuts the link down. Idempotent.
	Close() error

	// Abort tears the link down immediately, surfacing reason to the
	// terminal close event. Idempotent.
	Abort(reason error)
}
