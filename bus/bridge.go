package bus

import (
	"context"

	"github.com/google/uuid"

	"github.com/nodemesh/corebus/mux"
)

// Bridge is one connection from this bus to its parent or to a child bus,
// carrying bus protocol envelopes over a dedicated MUX channel (spec.md
// §4.8/§4.10). Only the Coordinator sends on a Bridge.
type Bridge struct {
	Hop     NextHop
	channel *mux.Channel

	pendingAcks *pendingAckManager
}

// newBridge wraps channel as a Bridge for hop.
func newBridge(hop NextHop, channel *mux.Channel) *Bridge {
	return &Bridge{Hop: hop, channel: channel, pendingAcks: newPendingAckManager()}
}

func (b *Bridge) send(ctx context.Context, env envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return b.channel.Send(ctx, data)
}

// Handshake sends a handshake control message and blocks for the peer's
// handshake-response, up to the default pending-ack timeout (spec.md
// §4.8).
func (b *Bridge) Handshake(ctx context.Context) error {
	correlationID := uuid.NewString()
	wait := b.pendingAcks.Register(correlationID)
	if err := b.send(ctx, envelope{Kind: kindHandshake, CorrelationID: correlationID}); err != nil {
		return err
	}
	return wait(ctx)
}

func (b *Bridge) respondHandshake(ctx context.Context, correlationID string) {
	_ = b.send(ctx, envelope{Kind: kindHandshakeResp, CorrelationID: correlationID})
}

// AnnounceNodes sends a node-announcement listing newly announced and/or
// withdrawn node ids, waiting for the peer's ack (spec.md §4.8).
func (b *Bridge) AnnounceNodes(ctx context.Context, announced, withdrawn []NodeId) error {
	correlationID := uuid.NewString()
	wait := b.pendingAcks.Register(correlationID)
	env := envelope{
		Kind:          kindNodeAnnounce,
		Announced:     announced,
		Withdrawn:     withdrawn,
		CorrelationID: correlationID,
	}
	if err := b.send(ctx, env); err != nil {
		return err
	}
	return wait(ctx)
}

// UpdateSubscription sends a sub-update for a local node's subscription
// change, waiting for the peer's ack (spec.md §4.8).
func (b *Bridge) UpdateSubscription(ctx context.Context, nodeID NodeId, topic Topic, action string) error {
	correlationID := uuid.NewString()
	wait := b.pendingAcks.Register(correlationID)
	env := envelope{
		Kind:          kindSubUpdate,
		NodeID:        nodeID,
		Topic:         topic,
		SubAction:     action,
		CorrelationID: correlationID,
	}
	if err := b.send(ctx, env); err != nil {
		return err
	}
	return wait(ctx)
}
