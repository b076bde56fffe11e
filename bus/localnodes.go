package bus

import (
	"sync"

	"github.com/nodemesh/corebus/internal/logging"
)

var log = logging.Named("bus")

// localNode is one entry in the Local Node Manager's table (spec.md
// §4.7): a node's own p2p API plus its topic subscriptions, each mapped
// to the consumer API invoked for that topic.
type localNode struct {
	p2p           P2PAPI
	subscriptions map[Topic]ConsumerAPI
}

// LocalNodeManager owns the set of nodes registered on this bus instance,
// their topic subscriptions, and graceful-shutdown bookkeeping. Grounded
// in goop2's state.PeerTable: one table guarded by a single mutex, with
// explicit upsert/remove operations rather than a generic map exposed to
// callers.
type LocalNodeManager struct {
	mu      sync.RWMutex
	nodes   map[NodeId]*localNode
	closing map[NodeId]bool
}

// NewLocalNodeManager returns an empty manager.
func NewLocalNodeManager() *LocalNodeManager {
	return &LocalNodeManager{
		nodes:   make(map[NodeId]*localNode),
		closing: make(map[NodeId]bool),
	}
}

// RegisterNode adds id with its point-to-point API. api may be nil for a
// node that only subscribes to topics.
func (m *LocalNodeManager) RegisterNode(id NodeId, api P2PAPI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[id] = &localNode{p2p: api, subscriptions: make(map[Topic]ConsumerAPI)}
	delete(m.closing, id)
}

// UpdateNodeAPI replaces the point-to-point API for an already-registered
// node, a no-op if id is unknown.
func (m *LocalNodeManager) UpdateNodeAPI(id NodeId, api P2PAPI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	n.p2p = api
}

// AddSubscription registers consumer as id's handler for topic.
func (m *LocalNodeManager) AddSubscription(id NodeId, topic Topic, consumer ConsumerAPI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	n.subscriptions[topic] = consumer
}

// RemoveSubscription drops id's handler for topic.
func (m *LocalNodeManager) RemoveSubscription(id NodeId, topic Topic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	delete(n.subscriptions, topic)
}

// RemoveNode drops id entirely.
func (m *LocalNodeManager) RemoveNode(id NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	delete(m.closing, id)
}

// MarkAsClosing flags id as shutting down: further procedures addressed
// to it are refused (spec.md §4.7).
func (m *LocalNodeManager) MarkAsClosing(id NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing[id] = true
}

// HasNode reports whether id is currently registered.
func (m *LocalNodeManager) HasNode(id NodeId) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[id]
	return ok
}

// GetLocalNodeIDs returns every registered node id.
func (m *LocalNodeManager) GetLocalNodeIDs() []NodeId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]NodeId, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	return ids
}

// GetTopicsForNode returns the topics id currently subscribes to.
func (m *LocalNodeManager) GetTopicsForNode(id NodeId) []Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil
	}
	topics := make([]Topic, 0, len(n.subscriptions))
	for t := range n.subscriptions {
		topics = append(topics, t)
	}
	return topics
}

// HasSubscriber reports whether any registered local node subscribes to
// topic.
func (m *LocalNodeManager) HasSubscriber(topic Topic) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if _, ok := n.subscriptions[topic]; ok {
			return true
		}
	}
	return false
}

// ExecuteP2PProcedure invokes a point-to-point ask or tell against id's
// registered API, refusing if id is unknown or closing (spec.md §4.7).
// isAsk distinguishes ask (an error is returned to the caller) from tell
// (an error is only logged, and nil is always returned).
func (m *LocalNodeManager) ExecuteP2PProcedure(ctx Context, id NodeId, path string, args []any, isAsk bool) (any, error) {
	m.mu.RLock()
	n, ok := m.nodes[id]
	isClosing := m.closing[id]
	m.mu.RUnlock()

	if !ok {
		err := &NodeNotFoundError{NodeID: id}
		if isAsk {
			return nil, err
		}
		log.Warnf("bus: dropping tell for unknown node %q: %v", id, err)
		return nil, nil
	}
	if isClosing {
		err := &NodeClosingError{NodeID: id}
		if isAsk {
			return nil, err
		}
		log.Warnf("bus: dropping tell for closing node %q", id)
		return nil, nil
	}
	if n.p2p == nil {
		err := &NodeNotFoundError{NodeID: id}
		if isAsk {
			return nil, err
		}
		return nil, nil
	}

	if isAsk {
		return n.p2p.Ask(ctx, path, args)
	}
	if err := n.p2p.Tell(ctx, path, args); err != nil {
		log.Warnf("bus: tell handler for node %q path %q failed: %v", id, path, err)
	}
	return nil, nil
}

// ExecuteBroadcastProcedure invokes every local subscriber of topic,
// returning one result per subscriber that handled an ask (tell results
// are ignored by callers).
func (m *LocalNodeManager) ExecuteBroadcastProcedure(ctx Context, topic Topic, args []any, isAsk bool) []any {
	m.mu.RLock()
	type target struct {
		id       NodeId
		consumer ConsumerAPI
	}
	var targets []target
	for id, n := range m.nodes {
		if m.closing[id] {
			continue
		}
		if c, ok := n.subscriptions[topic]; ok {
			targets = append(targets, target{id: id, consumer: c})
		}
	}
	m.mu.RUnlock()

	if !isAsk {
		for _, tgt := range targets {
			if err := tgt.consumer.Tell(ctx, topic, args); err != nil {
				log.Warnf("bus: broadcast tell to node %q topic %q failed: %v", tgt.id, topic, err)
			}
		}
		return nil
	}

	results := make([]any, 0, len(targets))
	for _, tgt := range targets {
		r, err := tgt.consumer.Ask(ctx, topic, args)
		if err != nil {
			log.Warnf("bus: broadcast ask to node %q topic %q failed: %v", tgt.id, topic, err)
			continue
		}
		results = append(results, r)
	}
	return results
}
