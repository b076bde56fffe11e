package mux

import (
	"context"
	"sync"
	"time"
)

// queuedSend is one payload waiting for window space, with a channel the
// caller blocks on until it's admitted into the in-flight set (spec.md §5:
// "suspends when the in-flight window is full, resuming on ack or link
// close").
type queuedSend struct {
	payload  []byte
	admitted chan error
}

type inFlightEntry struct {
	payload []byte
	timer   *time.Timer
}

// Sender is the per-channel sliding-window sender described in spec.md
// §3/§4.2. Outbound payloads enter a FIFO queue and move into the in-flight
// map only while len(inFlight) < effective window size.
type Sender struct {
	mu sync.Mutex

	channelID          string
	nextSeq            uint64
	inFlight           map[uint64]*inFlightEntry
	queue              []*queuedSend
	established        bool
	windowSize         int
	preHandshakeWindow int
	ackTimeout         time.Duration
	closed             bool

	// transmit sends (or retransmits) the Data packet for seq; called with
	// the sender's lock NOT held.
	transmit func(seq uint64, payload []byte)
}

func newSender(channelID string, windowSize, preHandshakeWindow int, ackTimeout time.Duration, transmit func(seq uint64, payload []byte)) *Sender {
	return &Sender{
		channelID:          channelID,
		inFlight:           make(map[uint64]*inFlightEntry),
		windowSize:         windowSize,
		preHandshakeWindow: preHandshakeWindow,
		ackTimeout:         ackTimeout,
		transmit:           transmit,
	}
}

func (s *Sender) effectiveWindowLocked() int {
	if s.established {
		return s.windowSize
	}
	return s.preHandshakeWindow
}

// Send enqueues payload and blocks until it is admitted into the in-flight
// window (i.e. actually transmitted) or ctx is cancelled or the channel
// closes.
func (s *Sender) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ChannelClosedError{ChannelID: s.channelID}
	}
	item := &queuedSend{payload: payload, admitted: make(chan error, 1)}
	s.queue = append(s.queue, item)
	s.pumpLocked()
	s.mu.Unlock()

	select {
	case err := <-item.admitted:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pumpLocked moves queued payloads into the in-flight map while the
// effective window allows, and must be called with s.mu held.
func (s *Sender) pumpLocked() {
	for len(s.queue) > 0 && len(s.inFlight) < s.effectiveWindowLocked() {
		item := s.queue[0]
		s.queue = s.queue[1:]

		seq := s.nextSeq
		s.nextSeq++

		entry := &inFlightEntry{payload: item.payload}
		s.inFlight[seq] = entry
		s.armRetransmitLocked(seq, entry)

		s.mu.Unlock()
		s.transmit(seq, item.payload)
		s.mu.Lock()
		item.admitted <- nil
	}
}

// armRetransmitLocked starts (or restarts) the ack_timeout retransmission
// timer for seq. Retries continue as long as the link is up — MUX places
// no bound on retry count; liveness is the heartbeat's job (spec.md §4.2).
func (s *Sender) armRetransmitLocked(seq uint64, entry *inFlightEntry) {
	entry.timer = time.AfterFunc(s.ackTimeout, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if _, ok := s.inFlight[seq]; !ok {
			s.mu.Unlock()
			return
		}
		payload := entry.payload
		s.armRetransmitLocked(seq, entry)
		s.mu.Unlock()
		s.transmit(seq, payload)
	})
}

// OnAck removes seq from the in-flight map (idempotent — acking an unknown
// or already-removed seq is a no-op) and unblocks any queued send that can
// now be admitted.
func (s *Sender) OnAck(seq uint64) {
	s.mu.Lock()
	if entry, ok := s.inFlight[seq]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.inFlight, seq)
	}
	s.pumpLocked()
	s.mu.Unlock()
}

// SetEstablished transitions the sender out of PRE_HANDSHAKE, raising the
// effective window to the full configured size and immediately pumping any
// queued backlog (spec.md §3/§4.2).
func (s *Sender) SetEstablished() {
	s.mu.Lock()
	s.established = true
	s.pumpLocked()
	s.mu.Unlock()
}

// InFlightCount reports the current number of unacknowledged packets, for
// diagnostics (Muxer.Snapshot).
func (s *Sender) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// EffectiveWindow reports the current effective window size.
func (s *Sender) EffectiveWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveWindowLocked()
}

// Close stops all retransmit timers, rejects anything still queued with a
// ChannelClosedError, and marks the sender closed. Idempotent.
func (s *Sender) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, item := range s.queue {
		item.admitted <- &ChannelClosedError{ChannelID: s.channelID, Reason: reason}
	}
	s.queue = nil
	for _, entry := range s.inFlight {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	s.inFlight = make(map[uint64]*inFlightEntry)
}
