package p2plink

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/nodemesh/corebus/link/wirecodec"
	"github.com/nodemesh/corebus/mux"
)

// ProtoID is the libp2p protocol a Link speaks: one persistent stream per
// connected peer carrying a continuous sequence of framed mux.Packets,
// mirroring goop2's entangle.ProtoID "one long-lived stream per peer"
// design rather than mq's request/response-per-message streams, because
// MUX needs an always-open duplex pipe, not a series of independent calls.
const ProtoID = "/corebus/mux-link/1.0.0"

const dialTimeout = 15 * time.Second

// Link implements mux.Link over a single persistent libp2p stream.
type Link struct {
	stream network.Stream
	enc    *wirecodec.Encoder
	dec    *wirecodec.Decoder

	writeMu sync.Mutex

	mu        sync.Mutex
	onMessage func(mux.Packet)
	onClose   []func(error)
	closed    bool
}

// New wraps an already-open libp2p stream as a mux.Link. Call ReadLoop in
// its own goroutine to begin delivering inbound packets.
func New(s network.Stream) *Link {
	return &Link{
		stream: s,
		enc:    wirecodec.NewEncoder(s),
		dec:    wirecodec.NewDecoder(bufio.NewReader(s)),
	}
}

// Dial opens a new ProtoID stream to peerID and wraps it as a Link.
//
// As goop2's entangle package notes, when two peers discover each other
// simultaneously and both try to dial, both streams racing causes one side
// to reset the other's inbound handler. Only the lexicographically lower
// peer ID dials; callers should apply the same rule (see ShouldDial)
// before calling Dial.
func Dial(ctx context.Context, h host.Host, peerID peer.ID) (*Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	s, err := h.NewStream(dialCtx, peerID, protocol.ID(ProtoID))
	if err != nil {
		return nil, fmt.Errorf("p2plink: open stream to %s: %w", peerID, err)
	}
	return New(s), nil
}

// ShouldDial reports whether the local peer (selfID) is responsible for
// dialing remoteID, breaking the simultaneous-dial tie the same way
// goop2's entangle.Manager.Connect does: the lexicographically lower ID
// dials, the other side waits for the incoming stream.
func ShouldDial(selfID, remoteID string) bool {
	return selfID < remoteID
}

// Listen registers onLink to be called with a new Link for every inbound
// ProtoID stream. The caller is responsible for starting ReadLoop on each
// delivered Link.
func Listen(h host.Host, onLink func(*Link)) {
	h.SetStreamHandler(protocol.ID(ProtoID), func(s network.Stream) {
		onLink(New(s))
	})
}

func (l *Link) Send(ctx context.Context, p mux.Packet) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return &mux.LinkClosedError{}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = l.stream.SetWriteDeadline(deadline)
	} else {
		_ = l.stream.SetWriteDeadline(time.Time{})
	}
	if err := l.enc.Encode(p); err != nil {
		go l.closeWith(err)
		return fmt.Errorf("p2plink: write: %w", err)
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

// ReadLoop pumps inbound packets into the registered OnMessage handler
// until the stream closes. Run it in its own goroutine, the way goop2's
// entangle.runLoop pumps a persistent stream.
func (l *Link) ReadLoop() {
	for {
		p, err := l.dec.Decode()
		if err != nil {
			l.closeWith(err)
			return
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
	return l.stream.Close()
}

func (l *Link) Abort(reason error) {
	l.closeWith(reason)
	_ = l.stream.Reset()
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
