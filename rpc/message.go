// Package rpc implements spec.md's RPC layer over a mux.Transport's control
// channel: ask/tell procedure calls, pin and stream type handlers, and
// cooperative cancellation. Grounded in goop2's internal/call (dispatch
// loop reading signaling envelopes, a session map keyed by id) and
// internal/mq (pending-ack channel map keyed by message id).
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/nodemesh/corebus/wire"
)

// messageKind tags the envelope carried over the control channel
// (spec.md §4.5).
type messageKind string

const (
	kindRequest  messageKind = "rpc-request"
	kindNotify   messageKind = "notify"
	kindResponse messageKind = "rpc-response"
	kindRelease  messageKind = "release"
)

// callKind distinguishes ask (expects a response) from tell (fire-and-forget).
type callKind string

const (
	// Ask expects a matching rpc-response.
	Ask callKind = "ask"
	// Tell is fire-and-forget; the executor never responds.
	Tell callKind = "tell"
)

// envelope is the one wire shape every control-channel RPC message takes;
// only the fields relevant to Kind are populated, mirroring mux.Packet's
// narrow-struct convention.
type envelope struct {
	Kind messageKind `json:"kind"`

	CallID string `json:"call_id,omitempty"`

	// rpc-request / notify
	CallKind callKind    `json:"call_kind,omitempty"`
	Path     string      `json:"path,omitempty"`
	Input    []wire.Value `json:"input,omitempty"`
	Meta     wire.Value  `json:"meta,omitempty"`

	// rpc-response
	Success bool       `json:"success,omitempty"`
	Output  wire.Value `json:"output,omitempty"`

	// release
	PinID string `json:"pin_id,omitempty"`
}

func encodeEnvelope(e envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("rpc: decode envelope: %w", err)
	}
	return e, nil
}
