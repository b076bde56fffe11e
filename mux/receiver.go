package mux

import (
	"sync"

	"github.com/nodemesh/corebus/internal/logging"
)

var receiverLog = logging.Named("mux")

type receiverSlot struct {
	occupied bool
	seq      uint64
	payload  []byte
}

// Receiver is the per-channel reliable, in-order receiver described in
// spec.md §3/§4.2: a circular buffer of receiveBufferSize slots holding
// out-of-order packets until contiguous delivery is possible.
type Receiver struct {
	mu sync.Mutex

	channelID    string
	nextExpected uint64
	buf          []receiverSlot
	closed       bool

	// sendAck transmits an Ack packet for seq; called with the lock NOT
	// held, and unconditionally for every Data packet received (even
	// duplicates — "idempotent from the sender's view").
	sendAck func(seq uint64)

	// deliver hands one in-order payload to the channel consumer; called
	// with the lock NOT held.
	deliver func(payload []byte)
}

func newReceiver(channelID string, bufSize int, sendAck func(seq uint64), deliver func(payload []byte)) *Receiver {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &Receiver{
		channelID: channelID,
		buf:       make([]receiverSlot, bufSize),
		sendAck:   sendAck,
		deliver:   deliver,
	}
}

// OnData implements the five-step receiver algorithm of spec.md §4.2.
func (r *Receiver) OnData(seq uint64, payload []byte) {
	// Step 1: ack immediately, unconditionally, before any other check.
	r.sendAck(seq)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	bufSize := uint64(len(r.buf))

	// Step 2: duplicate of an already-delivered seq.
	if seq < r.nextExpected {
		r.mu.Unlock()
		return
	}

	// Step 3: out of window.
	if seq >= r.nextExpected+bufSize {
		r.mu.Unlock()
		receiverLog.Warnf("mux: channel %s receive buffer full, discarding seq %d (next expected %d)", r.channelID, seq, r.nextExpected)
		return
	}

	// Step 4: place in slot, treating a same-seq occupant as a harmless
	// duplicate and anything else as a logic error we overwrite defensively.
	idx := seq % bufSize
	if r.buf[idx].occupied && r.buf[idx].seq == seq {
		r.mu.Unlock()
		return
	}
	r.buf[idx] = receiverSlot{occupied: true, seq: seq, payload: payload}

	// Step 5: walk forward from next_expected, delivering and clearing each
	// contiguous slot until the next empty one.
	var toDeliver [][]byte
	for {
		idx := r.nextExpected % bufSize
		slot := r.buf[idx]
		if !slot.occupied || slot.seq != r.nextExpected {
			break
		}
		toDeliver = append(toDeliver, slot.payload)
		r.buf[idx] = receiverSlot{}
		r.nextExpected++
	}
	r.mu.Unlock()

	for _, p := range toDeliver {
		r.deliver(p)
	}
}

// NextExpected reports the next sequence number this receiver is waiting
// for, for diagnostics (Muxer.Snapshot).
func (r *Receiver) NextExpected() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextExpected
}

// Close marks the receiver closed; subsequent OnData calls are no-ops
// beyond the mandatory ack.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
