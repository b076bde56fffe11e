package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nodemesh/corebus/wire"
)

// messageKind tags every envelope a bridge carries (spec.md §4.10): data-
// plane kinds are emitted as typed events by the coordinator, control-
// plane kinds are either handled internally or resolved against the
// pending-ack manager.
type messageKind string

const (
	kindP2P           messageKind = "p2p"
	kindBroadcast     messageKind = "broadcast"
	kindStream        messageKind = "stream"
	kindSubUpdate     messageKind = "sub-update"
	kindNodeAnnounce  messageKind = "node-announcement"
	kindHandshake     messageKind = "handshake"
	kindHandshakeResp messageKind = "handshake-response"
	kindAck           messageKind = "ack" // acknowledges sub-update / node-announcement
	kindAckResult     messageKind = "ack_result"
	kindAckFin        messageKind = "ack_fin"
)

// isDataPlane reports whether kind is one of the data-plane message kinds
// the coordinator emits as typed events rather than handling internally.
func (k messageKind) isDataPlane() bool {
	switch k {
	case kindP2P, kindBroadcast, kindStream, kindAckResult, kindAckFin:
		return true
	default:
		return false
	}
}

// envelope is the single wire shape every bus protocol message on a
// bridge takes, mirroring mux.Packet and rpc's envelope: a narrow struct
// with only the fields relevant to Kind populated.
type envelope struct {
	Kind messageKind `json:"kind"`

	// p2p / broadcast
	CallID    string     `json:"call_id,omitempty"`
	IsAsk     bool       `json:"is_ask,omitempty"`
	TargetID  NodeId     `json:"target_id,omitempty"`
	Topic     Topic      `json:"topic,omitempty"`
	Path      string     `json:"path,omitempty"`
	Args      []wire.Value `json:"args,omitempty"`
	SourceID  NodeId     `json:"source_id,omitempty"`

	// ack_result / ack_fin
	Result       wire.Value `json:"result,omitempty"`
	IsError      bool       `json:"is_error,omitempty"`
	TotalResults int        `json:"total_results,omitempty"`

	// sub-update
	SubAction string `json:"sub_action,omitempty"` // "add" | "remove"
	NodeID    NodeId `json:"node_id,omitempty"`

	// node-announcement
	Announced []NodeId `json:"announced,omitempty"`
	Withdrawn []NodeId `json:"withdrawn,omitempty"`

	// handshake / handshake-response / correlation for sub-update and
	// node-announcement reliability
	CorrelationID string `json:"correlation_id,omitempty"`
}

func encodeEnvelope(e envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("bus: encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("bus: decode envelope: %w", err)
	}
	return e, nil
}
