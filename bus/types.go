// Package bus implements spec.md's BUS layer: a tree of buses bridging
// over MUX channels, a local node registry, topic pub/sub, broadcast
// ask/tell, and the routing and handshake machinery that ties bridges
// together. Grounded in goop2's internal/state (a table of named entries
// guarded by one mutex, fanning events out to registered listeners) and
// internal/call (a dispatch loop routing envelopes to sessions by id).
package bus

import "fmt"

// NodeId identifies a locally or remotely registered node within the bus
// tree (spec.md §4.7).
type NodeId string

// Topic is a pub/sub subscription key (spec.md §4.9).
type Topic string

// NextHop is where a bus forwards a message addressed to a NodeId it does
// not own locally (spec.md §4.8).
type NextHop struct {
	// Kind is "local", "parent", or "child".
	Kind string
	// ChildBusID is set only when Kind == "child".
	ChildBusID string
}

const (
	hopLocal  = "local"
	hopParent = "parent"
	hopChild  = "child"
)

// Local returns the "local" next hop.
func Local() NextHop { return NextHop{Kind: hopLocal} }

// Parent returns the "parent" next hop.
func Parent() NextHop { return NextHop{Kind: hopParent} }

// Child returns the "child(bus_id)" next hop.
func Child(busID string) NextHop { return NextHop{Kind: hopChild, ChildBusID: busID} }

func (h NextHop) String() string {
	switch h.Kind {
	case hopChild:
		return fmt.Sprintf("child(%s)", h.ChildBusID)
	default:
		return h.Kind
	}
}

// NodeNotFoundError reports that no routing entry exists for a NodeId
// (spec.md §4.8: "Unknown: for ask, synthesise a node-not-found error
// response from ebus-system").
type NodeNotFoundError struct {
	NodeID NodeId
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("bus: node %q not found", e.NodeID)
}

// NodeClosingError reports that a procedure arrived for a node the Local
// Node Manager has marked as closing (spec.md §4.7).
type NodeClosingError struct {
	NodeID NodeId
}

func (e *NodeClosingError) Error() string {
	return fmt.Sprintf("bus: node %q is closing", e.NodeID)
}

// HandshakeTimeoutError reports that a pending-ack-correlated control
// message (handshake, sub-update, node-announcement) was not acknowledged
// within the default timeout (spec.md §4.8).
type HandshakeTimeoutError struct {
	CorrelationID string
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("bus: ack for correlation %q timed out", e.CorrelationID)
}

// P2PAPI is the per-node procedure surface the Local Node Manager invokes
// for a point-to-point ask/tell (spec.md §4.7).
type P2PAPI interface {
	// Ask handles a point-to-point ask, returning the result to send back.
	Ask(ctx Context, path string, args []any) (any, error)
	// Tell handles a point-to-point tell; any error is only logged.
	Tell(ctx Context, path string, args []any) error
}

// ConsumerAPI is the per-topic subscriber surface invoked for a broadcast
// message (spec.md §4.7/§4.9).
type ConsumerAPI interface {
	// Ask handles one branch of a broadcast ask, returning this
	// subscriber's contribution to the aggregated result stream.
	Ask(ctx Context, topic Topic, args []any) (any, error)
	// Tell handles a broadcast tell.
	Tell(ctx Context, topic Topic, args []any) error
}

// Context is the bus-provenance envelope prepended to user meta before a
// Local Node Manager invocation (spec.md §4.7: "prepends a bus context
// {source_node_id, local_node_id[, topic]}").
type Context struct {
	SourceNodeID NodeId
	LocalNodeID  NodeId
	Topic        Topic
	Meta         any
}
