package mux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nodemesh/corebus/internal/logging"
)

var muxLog = logging.Named("mux")

// Config bundles the tunables spec.md §3/§4 names explicitly.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	AckTimeout         time.Duration
	WindowSize         int
	PreHandshakeWindow int
	ReceiveBufferSize  int
}

// DefaultConfig returns the defaults named in spec.md §4.1/§4.2/§3 (5s
// heartbeat interval, 10s heartbeat timeout, 2s ack timeout, pre-handshake
// window 8).
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  5 * time.Second,
		HeartbeatTimeout:   10 * time.Second,
		AckTimeout:         2 * time.Second,
		WindowSize:         64,
		PreHandshakeWindow: 8,
		ReceiveBufferSize:  128,
	}
}

// Muxer demultiplexes inbound packets from a Link to channels, serializes
// outbound packets onto it, and drives heartbeat liveness (spec.md §4.1).
type Muxer struct {
	link Link
	cfg  Config

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool

	lastActivityMu sync.Mutex
	lastActivity   time.Time

	onIncomingChannel     func(ch *Channel)
	onOpenStreamRequest   func(correlationID string)
	closeHandlersMu       sync.Mutex
	closeHandlers         []func(reason error)
	heartbeatCancel       context.CancelFunc
}

// NewMuxer constructs a Muxer over link. Call Start to begin dispatching.
func NewMuxer(link Link, cfg Config) *Muxer {
	return &Muxer{
		link:         link,
		cfg:          cfg,
		channels:     make(map[string]*Channel),
		lastActivity: time.Now(),
	}
}

// OnIncomingChannel registers the handler invoked once per peer-initiated
// channel (spec.md §4.3).
func (m *Muxer) OnIncomingChannel(fn func(ch *Channel)) {
	m.onIncomingChannel = fn
}

// OnOpenStreamRequest registers the handler for a peer's
// open-stream-request signal (spec.md §4.3), used by a server-shaped link
// that cannot spontaneously open a channel to the client.
func (m *Muxer) OnOpenStreamRequest(fn func(correlationID string)) {
	m.onOpenStreamRequest = fn
}

// OnClose registers a handler invoked exactly once when the link
// terminates, for any reason.
func (m *Muxer) OnClose(fn func(reason error)) {
	m.closeHandlersMu.Lock()
	m.closeHandlers = append(m.closeHandlers, fn)
	m.closeHandlersMu.Unlock()
}

// Start wires the muxer to its link and begins the heartbeat loop.
func (m *Muxer) Start(ctx context.Context) {
	m.link.OnMessage(m.handlePacket)
	m.link.OnClose(m.handleLinkClose)

	hbCtx, cancel := context.WithCancel(ctx)
	m.heartbeatCancel = cancel
	go m.heartbeatLoop(hbCtx)
}

func (m *Muxer) touchLiveness() {
	m.lastActivityMu.Lock()
	m.lastActivity = time.Now()
	m.lastActivityMu.Unlock()
}

func (m *Muxer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.lastActivityMu.Lock()
			last := m.lastActivity
			m.lastActivityMu.Unlock()
			if time.Since(last) > m.cfg.HeartbeatTimeout {
				m.Abort(&HeartbeatTimeoutError{Timeout: m.cfg.HeartbeatTimeout.String()})
				return
			}
			m.sendPacket(Packet{Type: PacketPing})
		}
	}
}

func (m *Muxer) sendPacket(p Packet) {
	if err := m.link.Send(context.Background(), p); err != nil {
		muxLog.Warnf("mux: link send failed (%s on %s): %v, aborting", p.Type, p.ChannelID, err)
		m.Abort(err)
	}
}

// handlePacket is the Link's single inbound dispatch point.
func (m *Muxer) handlePacket(p Packet) {
	m.touchLiveness()

	switch p.Type {
	case PacketPing:
		m.sendPacket(Packet{Type: PacketPong})
	case PacketPong:
		// liveness already touched above.
	case PacketOpenStream:
		m.handleOpenStream(p.ChannelID)
	case PacketOpenStreamAck:
		m.handleOpenStreamAck(p.ChannelID)
	case PacketOpenStreamRequest:
		if m.onOpenStreamRequest != nil {
			m.onOpenStreamRequest(p.CorrelationID)
		}
	case PacketData:
		m.handleData(p)
	case PacketAck:
		m.handleAck(p)
	case PacketCloseChannel:
		m.handleCloseChannel(p)
	}
}

func (m *Muxer) transmitFor(channelID string) func(seq uint64, payload []byte) {
	return func(seq uint64, payload []byte) {
		m.sendPacket(Packet{Type: PacketData, ChannelID: channelID, Seq: seq, Payload: payload})
	}
}

func (m *Muxer) sendAckFor(channelID string) func(seq uint64) {
	return func(seq uint64) {
		m.sendPacket(Packet{Type: PacketAck, ChannelID: channelID, Seq: seq})
	}
}

func (m *Muxer) newChannelLocked(id string, createdLocally bool) *Channel {
	ch := newChannel(id, createdLocally, m.cfg.WindowSize, m.cfg.PreHandshakeWindow, m.cfg.ReceiveBufferSize, m.cfg.AckTimeout, m.transmitFor(id), m.sendAckFor(id))
	m.channels[id] = ch
	return ch
}

// OpenChannel begins establishing a new channel the local side initiates,
// sending open-stream and entering PRE_HANDSHAKE (spec.md §4.2).
func (m *Muxer) OpenChannel(id string) (*Channel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &LinkClosedError{}
	}
	if _, exists := m.channels[id]; exists {
		m.mu.Unlock()
		return nil, &ProtocolError{Detail: fmt.Sprintf("channel id %q already in use", id)}
	}
	ch := m.newChannelLocked(id, true)
	m.mu.Unlock()

	m.sendPacket(Packet{Type: PacketOpenStream, ChannelID: id})
	return ch, nil
}

func (m *Muxer) handleOpenStream(id string) {
	m.mu.Lock()
	if existing, exists := m.channels[id]; exists {
		m.mu.Unlock()
		if existing.createdLocally && existing.Status() == PreHandshake {
			// Both sides independently opened the same channel id: spec.md
			// §9 Open Question (b) treats this as a fatal protocol error.
			m.Abort(&ProtocolError{Detail: fmt.Sprintf("colliding open-stream for channel %q", id)})
		}
		return
	}
	ch := m.newChannelLocked(id, false)
	m.mu.Unlock()

	ch.markEstablished()
	m.sendPacket(Packet{Type: PacketOpenStreamAck, ChannelID: id})

	if m.onIncomingChannel != nil {
		m.onIncomingChannel(ch)
	}
}

func (m *Muxer) handleOpenStreamAck(id string) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	ch.markEstablished()
}

func (m *Muxer) handleData(p Packet) {
	m.mu.Lock()
	ch, ok := m.channels[p.ChannelID]
	isNew := false
	if !ok {
		ch = m.newChannelLocked(p.ChannelID, false)
		isNew = true
	}
	m.mu.Unlock()

	if isNew {
		ch.markEstablished()
		m.sendPacket(Packet{Type: PacketOpenStreamAck, ChannelID: p.ChannelID})
		if m.onIncomingChannel != nil {
			m.onIncomingChannel(ch)
		}
	}

	ch.receiver.OnData(p.Seq, p.Payload)
}

func (m *Muxer) handleAck(p Packet) {
	m.mu.Lock()
	ch, ok := m.channels[p.ChannelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ch.sender.OnAck(p.Seq)
}

func (m *Muxer) handleCloseChannel(p Packet) {
	m.mu.Lock()
	ch, ok := m.channels[p.ChannelID]
	if ok {
		delete(m.channels, p.ChannelID)
	}
	m.mu.Unlock()
	if ok {
		ch.destroy(p.Reason)
	}
}

// CloseChannel performs a local close of id: it sends close-channel and
// destroys the local endpoint (spec.md §4.2). The send queue is not
// flushed first: sends still waiting for window space fail with a
// ChannelClosedError, and unacknowledged in-flight packets are no longer
// retransmitted.
func (m *Muxer) CloseChannel(id, reason string) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.sendPacket(Packet{Type: PacketCloseChannel, ChannelID: id, Reason: reason})
	ch.destroy(reason)
}

func (m *Muxer) handleLinkClose(reason error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
	}

	reasonStr := ""
	if reason != nil {
		reasonStr = reason.Error()
	}
	for _, ch := range channels {
		ch.destroy(reasonStr)
	}

	m.closeHandlersMu.Lock()
	handlers := make([]func(error), len(m.closeHandlers))
	copy(handlers, m.closeHandlers)
	m.closeHandlersMu.Unlock()
	for _, fn := range handlers {
		fn(reason)
	}
}

// Close gracefully shuts the muxer's link down. Idempotent.
func (m *Muxer) Close() error {
	return m.link.Close()
}

// Abort tears the link down immediately with reason. Idempotent.
func (m *Muxer) Abort(reason error) {
	m.link.Abort(reason)
}

// Snapshot is the read-only diagnostics report added in SPEC_FULL.md,
// grounded in goop2's Node.DiagSnapshot().
type Snapshot struct {
	ChannelCount int
	Channels     map[string]ChannelSnapshot
}

// ChannelSnapshot reports one channel's reliability state.
type ChannelSnapshot struct {
	Status          Status
	InFlight        int
	EffectiveWindow int
	NextExpected    uint64
}

// Snapshot returns a point-in-time operational report across all channels.
func (m *Muxer) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{ChannelCount: len(m.channels), Channels: make(map[string]ChannelSnapshot, len(m.channels))}
	for id, ch := range m.channels {
		snap.Channels[id] = ChannelSnapshot{
			Status:          ch.Status(),
			InFlight:        ch.sender.InFlightCount(),
			EffectiveWindow: ch.sender.EffectiveWindow(),
			NextExpected:    ch.receiver.NextExpected(),
		}
	}
	return snap
}
