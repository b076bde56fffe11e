package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nodemesh/corebus/mux"
	"github.com/nodemesh/corebus/wire"
)

const ebusSystem = "ebus-system"

// Coordinator is the sole sender and classifier of bridge traffic
// (spec.md §4.10: "only the coordinator sends on bridges"). It owns the
// routing table, the local node registry, and every in-flight ask
// session, and is the thing a Bus delegates ask/tell/broadcast calls to.
type Coordinator struct {
	local      *LocalNodeManager
	routing    *RoutingTable
	dispatcher *Dispatcher
	serializer *wire.Serializer

	parent *Bridge

	childrenMu sync.RWMutex
	children   map[string]*Bridge // child bus id → bridge

	sessionsMu sync.Mutex
	sessions   map[string]*AskSession

	interestMu sync.Mutex
	interest   map[Topic]map[string]bool // topic → bridge key → has subscriber
}

// NewCoordinator wires a Coordinator over an existing LocalNodeManager.
func NewCoordinator(local *LocalNodeManager, serializer *wire.Serializer) *Coordinator {
	return &Coordinator{
		local:      local,
		routing:    NewRoutingTable(),
		dispatcher: NewDispatcher(serializer),
		serializer: serializer,
		children:   make(map[string]*Bridge),
		sessions:   make(map[string]*AskSession),
		interest:   make(map[Topic]map[string]bool),
	}
}

// SetParentLink wraps channel as the bridge to this bus's parent and
// starts reading from it.
func (c *Coordinator) SetParentLink(ctx context.Context, channel *mux.Channel) *Bridge {
	br := newBridge(Parent(), channel)
	c.parent = br
	go c.runBridgeLoop(ctx, br)
	return br
}

// AddChildLink wraps channel as the bridge to a child bus identified by
// childBusID and starts reading from it.
func (c *Coordinator) AddChildLink(ctx context.Context, childBusID string, channel *mux.Channel) *Bridge {
	br := newBridge(Child(childBusID), channel)
	c.childrenMu.Lock()
	c.children[childBusID] = br
	c.childrenMu.Unlock()
	go c.runBridgeLoop(ctx, br)
	return br
}

func (c *Coordinator) bridgeFor(hop NextHop) *Bridge {
	switch hop.Kind {
	case hopParent:
		return c.parent
	case hopChild:
		c.childrenMu.RLock()
		defer c.childrenMu.RUnlock()
		return c.children[hop.ChildBusID]
	default:
		return nil
	}
}

func (c *Coordinator) runBridgeLoop(ctx context.Context, br *Bridge) {
	for {
		data, err := br.channel.Receive(ctx)
		if err != nil {
			c.handleBridgeDown(br)
			return
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			log.Warnf("bus: dropping malformed bridge message: %v", err)
			continue
		}
		c.handleEnvelope(ctx, br, env)
	}
}

func (c *Coordinator) handleBridgeDown(br *Bridge) {
	removed := c.routing.RemoveAllVia(br.Hop)
	for _, id := range removed {
		log.Infof("bus: bridge %s down, withdrawing route to %s", br.Hop, id)
	}

	c.sessionsMu.Lock()
	var affected []*AskSession
	for _, s := range c.sessions {
		affected = append(affected, s)
	}
	c.sessionsMu.Unlock()
	for _, s := range affected {
		s.BranchDisconnected(br.Hop.String())
	}
}

func (c *Coordinator) handleEnvelope(ctx context.Context, br *Bridge, env envelope) {
	switch env.Kind {
	case kindHandshake:
		br.respondHandshake(ctx, env.CorrelationID)
	case kindHandshakeResp:
		br.pendingAcks.Resolve(env.CorrelationID)
	case kindNodeAnnounce:
		c.applyNodeAnnouncement(br, env.Announced, env.Withdrawn)
		_ = br.send(ctx, envelope{Kind: kindAck, CorrelationID: env.CorrelationID})
		c.propagateAnnouncement(ctx, env.Announced, env.Withdrawn, br)
	case kindSubUpdate:
		c.applySubUpdate(br, env.Topic, env.SubAction)
		_ = br.send(ctx, envelope{Kind: kindAck, CorrelationID: env.CorrelationID})
		c.propagateSubUpdate(ctx, env.Topic, env.SubAction, br)
	case kindAck:
		br.pendingAcks.Resolve(env.CorrelationID)
	case kindP2P:
		c.handleP2P(ctx, br, env)
	case kindBroadcast:
		c.handleBroadcast(ctx, br, env)
	case kindAckResult, kindAckFin:
		c.handleAck(br, env)
	}
}

func (c *Coordinator) applyNodeAnnouncement(br *Bridge, announced, withdrawn []NodeId) {
	for _, id := range announced {
		c.routing.Set(id, br.Hop)
	}
	for _, id := range withdrawn {
		c.routing.Remove(id)
	}
}

func (c *Coordinator) applySubUpdate(br *Bridge, topic Topic, action string) {
	c.interestMu.Lock()
	defer c.interestMu.Unlock()
	m, ok := c.interest[topic]
	if !ok {
		m = make(map[string]bool)
		c.interest[topic] = m
	}
	if action == "remove" {
		delete(m, br.Hop.String())
	} else {
		m[br.Hop.String()] = true
	}
}

func (c *Coordinator) hasDownstreamInterest(hop NextHop, topic Topic) bool {
	c.interestMu.Lock()
	defer c.interestMu.Unlock()
	m, ok := c.interest[topic]
	if !ok {
		return false
	}
	return m[hop.String()]
}

func serializeArgs(serializer *wire.Serializer, args []any) ([]wire.Value, error) {
	out := make([]wire.Value, len(args))
	for i, a := range args {
		v, err := serializer.Serialize(&wire.EncodeContext{}, a)
		if err != nil {
			return nil, fmt.Errorf("bus: serialize arg %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func deserializeArgs(serializer *wire.Serializer, values []wire.Value) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		val, err := serializer.Deserialize(&wire.DecodeContext{}, v)
		if err != nil {
			return nil, fmt.Errorf("bus: deserialize arg %d: %w", i, err)
		}
		out[i] = val
	}
	return out, nil
}

func (c *Coordinator) handleP2P(ctx context.Context, br *Bridge, env envelope) {
	hop, ok := c.routing.Lookup(env.TargetID)
	if !ok && !c.local.HasNode(env.TargetID) {
		if env.IsAsk {
			c.respondError(ctx, br, env.CallID, (&NodeNotFoundError{NodeID: env.TargetID}).Error())
		}
		return
	}

	if !ok || hop.Kind == hopLocal || c.local.HasNode(env.TargetID) {
		args, err := deserializeArgs(c.serializer, env.Args)
		if err != nil {
			if env.IsAsk {
				c.respondError(ctx, br, env.CallID, err.Error())
			}
			return
		}
		busCtx := Context{SourceNodeID: env.SourceID, LocalNodeID: env.TargetID}
		result, err := c.local.ExecuteP2PProcedure(busCtx, env.TargetID, env.Path, args, env.IsAsk)
		if !env.IsAsk {
			return
		}
		if err != nil {
			c.respondError(ctx, br, env.CallID, err.Error())
			return
		}
		c.respondResult(ctx, br, env.CallID, result)
		return
	}

	target := c.bridgeFor(hop)
	if target == nil {
		if env.IsAsk {
			c.respondError(ctx, br, env.CallID, (&NodeNotFoundError{NodeID: env.TargetID}).Error())
		}
		return
	}
	_ = target.send(ctx, env)
}

func (c *Coordinator) respondResult(ctx context.Context, br *Bridge, callID string, result any) {
	output, err := c.serializer.Serialize(&wire.EncodeContext{}, result)
	if err != nil {
		c.respondError(ctx, br, callID, err.Error())
		return
	}
	_ = br.send(ctx, envelope{Kind: kindAckResult, CallID: callID, Result: output})
	_ = br.send(ctx, envelope{Kind: kindAckFin, CallID: callID, TotalResults: 1})
}

func (c *Coordinator) respondError(ctx context.Context, br *Bridge, callID, message string) {
	_ = br.send(ctx, envelope{Kind: kindAckResult, CallID: callID, Result: message, IsError: true, SourceID: NodeId(ebusSystem)})
	_ = br.send(ctx, envelope{Kind: kindAckFin, CallID: callID, TotalResults: 1})
}

func (c *Coordinator) handleBroadcast(ctx context.Context, br *Bridge, env envelope) {
	args, err := deserializeArgs(c.serializer, env.Args)
	if err != nil {
		log.Warnf("bus: broadcast deserialize failed: %v", err)
		return
	}
	busCtx := Context{SourceNodeID: env.SourceID, Topic: env.Topic}

	fromParent := br.Hop.Kind == hopParent

	forwardHops := c.forwardTargets(env.Topic, fromParent)

	if !env.IsAsk {
		c.local.ExecuteBroadcastProcedure(busCtx, env.Topic, args, false)
		for _, hop := range forwardHops {
			if target := c.bridgeFor(hop); target != nil {
				_ = target.send(ctx, env)
			}
		}
		return
	}

	branches := map[string]int{}
	localResults := c.local.ExecuteBroadcastProcedure(busCtx, env.Topic, args, true)
	branches["local"] = len(localResults)
	for _, hop := range forwardHops {
		branches[hop.String()] = 1
	}

	session := NewAskSession(env.CallID, false, branches, func(result any) {
		c.forwardAckResult(br, env.CallID, result)
	}, func(total int) {
		_ = br.send(ctx, envelope{Kind: kindAckFin, CallID: env.CallID, TotalResults: total})
		c.sessionsMu.Lock()
		delete(c.sessions, env.CallID)
		c.sessionsMu.Unlock()
	})
	c.sessionsMu.Lock()
	c.sessions[env.CallID] = session
	c.sessionsMu.Unlock()

	for _, r := range localResults {
		session.Result("local", r)
	}
	session.Fin("local", len(localResults))

	for _, hop := range forwardHops {
		if target := c.bridgeFor(hop); target != nil {
			_ = target.send(ctx, env)
		} else {
			session.BranchDisconnected(hop.String())
		}
	}
}

func (c *Coordinator) forwardAckResult(br *Bridge, callID string, result any) {
	output, err := c.serializer.Serialize(&wire.EncodeContext{}, result)
	if err != nil {
		log.Warnf("bus: forward ack_result serialize: %v", err)
		return
	}
	_ = br.send(context.Background(), envelope{Kind: kindAckResult, CallID: callID, Result: output})
}

// forwardTargets returns every hop a broadcast on topic should be
// forwarded to: every child with a transitive subscriber, plus the
// parent unless the broadcast arrived from the parent (spec.md §4.9
// loop-avoidance).
func (c *Coordinator) forwardTargets(topic Topic, fromParent bool) []NextHop {
	var hops []NextHop
	c.childrenMu.RLock()
	for busID, br := range c.children {
		if c.hasDownstreamInterest(br.Hop, topic) {
			hops = append(hops, Child(busID))
		}
	}
	c.childrenMu.RUnlock()
	if !fromParent && c.parent != nil {
		hops = append(hops, Parent())
	}
	return hops
}

// handleAck dispatches an ack_result/ack_fin to the in-flight session it
// belongs to, keyed by the bridge it arrived on: a session's branch keys
// are always a hop string (spec.md §4.9), and br is that same hop for
// whichever bridge carried this ack back.
func (c *Coordinator) handleAck(br *Bridge, env envelope) {
	c.sessionsMu.Lock()
	session, ok := c.sessions[env.CallID]
	c.sessionsMu.Unlock()
	if !ok {
		return
	}

	branch := br.Hop.String()
	switch env.Kind {
	case kindAckResult:
		result, err := c.serializer.Deserialize(&wire.DecodeContext{}, env.Result)
		if err != nil {
			log.Warnf("bus: deserialize ack_result: %v", err)
			return
		}
		if env.IsError {
			result = fmt.Errorf("%v", result)
		}
		session.Result(branch, result)
	case kindAckFin:
		session.Fin(branch, env.TotalResults)
	}
}

// neighbors returns every bridge this bus holds, for routing-table and
// subscription-interest propagation.
func (c *Coordinator) neighbors() []*Bridge {
	var out []*Bridge
	if c.parent != nil {
		out = append(out, c.parent)
	}
	c.childrenMu.RLock()
	for _, br := range c.children {
		out = append(out, br)
	}
	c.childrenMu.RUnlock()
	return out
}

// propagateAnnouncement re-announces announced/withdrawn node ids to every
// neighbor bridge other than except, so routing knowledge spreads across
// the whole bus tree rather than just one hop (spec.md §4.8).
func (c *Coordinator) propagateAnnouncement(ctx context.Context, announced, withdrawn []NodeId, except *Bridge) {
	if len(announced) == 0 && len(withdrawn) == 0 {
		return
	}
	for _, br := range c.neighbors() {
		if br == except {
			continue
		}
		if err := br.AnnounceNodes(ctx, announced, withdrawn); err != nil {
			log.Warnf("bus: announce to %s failed: %v", br.Hop, err)
		}
	}
}

// propagateSubUpdate re-sends a subscription change to every neighbor
// other than except, so topic interest spreads across the whole tree
// (spec.md §4.9).
func (c *Coordinator) propagateSubUpdate(ctx context.Context, topic Topic, action string, except *Bridge) {
	for _, br := range c.neighbors() {
		if br == except {
			continue
		}
		if err := br.UpdateSubscription(ctx, "", topic, action); err != nil {
			log.Warnf("bus: sub-update to %s failed: %v", br.Hop, err)
		}
	}
}

// AnnounceLocal tells every neighbor bridge about a local node registration
// or removal.
func (c *Coordinator) AnnounceLocal(ctx context.Context, announced, withdrawn []NodeId) {
	c.propagateAnnouncement(ctx, announced, withdrawn, nil)
}

// UpdateLocalSubscription tells every neighbor bridge about a local
// subscription change.
func (c *Coordinator) UpdateLocalSubscription(ctx context.Context, topic Topic, action string) {
	c.propagateSubUpdate(ctx, topic, action, nil)
}

// BroadcastAsk issues a broadcast ask originating at this bus: every local
// subscriber plus every neighbor with downstream interest is fanned out to,
// and their results are aggregated via an AskSession (spec.md §4.9).
func (c *Coordinator) BroadcastAsk(ctx context.Context, sourceID NodeId, topic Topic, args []any) ([]any, error) {
	busCtx := Context{SourceNodeID: sourceID, Topic: topic}
	localResults := c.local.ExecuteBroadcastProcedure(busCtx, topic, args, true)

	forwardHops := c.forwardTargets(topic, false)
	if len(forwardHops) == 0 {
		return localResults, nil
	}

	wireArgs, err := serializeArgs(c.serializer, args)
	if err != nil {
		return nil, err
	}
	callID := uuid.NewString()

	resultsCh := make(chan any, 64)
	doneCh := make(chan int, 1)
	branches := map[string]int{"local": len(localResults)}
	for _, hop := range forwardHops {
		branches[hop.String()] = 1
	}
	session := NewAskSession(callID, true, branches, func(result any) {
		resultsCh <- result
	}, func(total int) {
		doneCh <- total
		c.sessionsMu.Lock()
		delete(c.sessions, callID)
		c.sessionsMu.Unlock()
	})
	c.sessionsMu.Lock()
	c.sessions[callID] = session
	c.sessionsMu.Unlock()

	for _, r := range localResults {
		session.Result("local", r)
	}
	session.Fin("local", len(localResults))

	env := envelope{Kind: kindBroadcast, CallID: callID, IsAsk: true, Topic: topic, SourceID: sourceID, Args: wireArgs}
	for _, hop := range forwardHops {
		if target := c.bridgeFor(hop); target != nil {
			if err := target.send(ctx, env); err != nil {
				session.BranchDisconnected(hop.String())
			}
		} else {
			session.BranchDisconnected(hop.String())
		}
	}

	var aggregated []any
	for {
		select {
		case r := <-resultsCh:
			aggregated = append(aggregated, r)
		case <-doneCh:
			for {
				select {
				case r := <-resultsCh:
					aggregated = append(aggregated, r)
					continue
				default:
				}
				return aggregated, nil
			}
		case <-ctx.Done():
			return aggregated, ctx.Err()
		}
	}
}

// BroadcastTell issues a fire-and-forget broadcast originating at this
// bus: local subscribers are invoked directly, and the message is
// forwarded to every neighbor with downstream interest.
func (c *Coordinator) BroadcastTell(ctx context.Context, sourceID NodeId, topic Topic, args []any) error {
	busCtx := Context{SourceNodeID: sourceID, Topic: topic}
	c.local.ExecuteBroadcastProcedure(busCtx, topic, args, false)

	forwardHops := c.forwardTargets(topic, false)
	if len(forwardHops) == 0 {
		return nil
	}
	wireArgs, err := serializeArgs(c.serializer, args)
	if err != nil {
		return err
	}
	env := envelope{Kind: kindBroadcast, IsAsk: false, Topic: topic, SourceID: sourceID, Args: wireArgs}
	for _, hop := range forwardHops {
		if target := c.bridgeFor(hop); target != nil {
			_ = target.send(ctx, env)
		}
	}
	return nil
}

// AskP2P issues a point-to-point ask from a node this bus hosts locally
// toward targetID, routing through the local registry or forwarding
// along the routing table as needed (spec.md §4.8).
func (c *Coordinator) AskP2P(ctx context.Context, sourceID, targetID NodeId, path string, args []any) (any, error) {
	if c.local.HasNode(targetID) {
		busCtx := Context{SourceNodeID: sourceID, LocalNodeID: targetID}
		return c.local.ExecuteP2PProcedure(busCtx, targetID, path, args, true)
	}

	hop, ok := c.routing.Lookup(targetID)
	if !ok {
		return nil, &NodeNotFoundError{NodeID: targetID}
	}
	target := c.bridgeFor(hop)
	if target == nil {
		return nil, &NodeNotFoundError{NodeID: targetID}
	}

	wireArgs, err := serializeArgs(c.serializer, args)
	if err != nil {
		return nil, err
	}
	callID := uuid.NewString()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	session := NewAskSession(callID, true, map[string]int{target.Hop.String(): 1}, func(result any) {
		if e, ok := result.(error); ok {
			errCh <- e
			return
		}
		resultCh <- result
	}, func(total int) {
		c.sessionsMu.Lock()
		delete(c.sessions, callID)
		c.sessionsMu.Unlock()
	})
	c.sessionsMu.Lock()
	c.sessions[callID] = session
	c.sessionsMu.Unlock()

	env := envelope{Kind: kindP2P, CallID: callID, IsAsk: true, TargetID: targetID, SourceID: sourceID, Path: path, Args: wireArgs}
	if err := target.send(ctx, env); err != nil {
		c.sessionsMu.Lock()
		delete(c.sessions, callID)
		c.sessionsMu.Unlock()
		return nil, err
	}

	select {
	case r := <-resultCh:
		return r, nil
	case e := <-errCh:
		return nil, e
	case <-ctx.Done():
		c.sessionsMu.Lock()
		delete(c.sessions, callID)
		c.sessionsMu.Unlock()
		return nil, ctx.Err()
	}
}

// TellP2P issues a point-to-point tell toward targetID, the fire-and-
// forget counterpart of AskP2P.
func (c *Coordinator) TellP2P(ctx context.Context, sourceID, targetID NodeId, path string, args []any) error {
	if c.local.HasNode(targetID) {
		busCtx := Context{SourceNodeID: sourceID, LocalNodeID: targetID}
		_, err := c.local.ExecuteP2PProcedure(busCtx, targetID, path, args, false)
		return err
	}

	hop, ok := c.routing.Lookup(targetID)
	if !ok {
		log.Warnf("bus: dropping tell for unrouted node %q", targetID)
		return nil
	}
	target := c.bridgeFor(hop)
	if target == nil {
		return nil
	}
	wireArgs, err := serializeArgs(c.serializer, args)
	if err != nil {
		return err
	}
	env := envelope{Kind: kindP2P, IsAsk: false, TargetID: targetID, SourceID: sourceID, Path: path, Args: wireArgs}
	return target.send(ctx, env)
}
