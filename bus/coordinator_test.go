package bus

import (
	"context"
	"testing"
	"time"

	"github.com/nodemesh/corebus/link/memlink"
	"github.com/nodemesh/corebus/mux"
	"github.com/nodemesh/corebus/wire"
)

func TestCoordinatorAskP2PToLocalNode(t *testing.T) {
	local := NewLocalNodeManager()
	local.RegisterNode("n1", &fakeP2P{askFn: func(ctx Context, path string, args []any) (any, error) {
		return "pong:" + path, nil
	}})
	coord := NewCoordinator(local, wire.NewSerializer())

	result, err := coord.AskP2P(context.Background(), "n0", "n1", "ping", nil)
	if err != nil {
		t.Fatalf("AskP2P: %v", err)
	}
	if result != "pong:ping" {
		t.Fatalf("got %v, want pong:ping", result)
	}
}

func TestCoordinatorAskP2PUnroutedNodeFails(t *testing.T) {
	coord := NewCoordinator(NewLocalNodeManager(), wire.NewSerializer())

	_, err := coord.AskP2P(context.Background(), "n0", "ghost", "ping", nil)
	if err == nil {
		t.Fatal("expected an error asking an unrouted node")
	}
	if _, ok := err.(*NodeNotFoundError); !ok {
		t.Fatalf("got %T, want *NodeNotFoundError", err)
	}
}

func TestCoordinatorTellP2PToUnroutedNodeIsSwallowed(t *testing.T) {
	coord := NewCoordinator(NewLocalNodeManager(), wire.NewSerializer())

	if err := coord.TellP2P(context.Background(), "n0", "ghost", "ping", nil); err != nil {
		t.Fatalf("TellP2P to an unrouted node should be swallowed, got %v", err)
	}
}

func TestCoordinatorBroadcastAskLocalOnly(t *testing.T) {
	local := NewLocalNodeManager()
	local.RegisterNode("n1", nil)
	local.AddSubscription("n1", "topic", &fakeConsumer{result: "ok-1"})
	local.RegisterNode("n2", nil)
	local.AddSubscription("n2", "topic", &fakeConsumer{result: "ok-2"})
	coord := NewCoordinator(local, wire.NewSerializer())

	results, err := coord.BroadcastAsk(context.Background(), "n0", "topic", nil)
	if err != nil {
		t.Fatalf("BroadcastAsk: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (no bridges to forward to)", len(results))
	}
}

func TestCoordinatorBroadcastTellLocalOnly(t *testing.T) {
	local := NewLocalNodeManager()
	local.RegisterNode("n1", nil)
	local.AddSubscription("n1", "topic", &fakeConsumer{})

	coord := NewCoordinator(local, wire.NewSerializer())
	if err := coord.BroadcastTell(context.Background(), "n0", "topic", []any{"hi"}); err != nil {
		t.Fatalf("BroadcastTell: %v", err)
	}
}

// newBridgedCoordinatorPair wires two Coordinators across a real MUX link
// (memlink.Pair plus a Muxer/Transport on each side), exactly as two bus
// processes would be connected in production: coordA treats br as a child
// bus "B", coordB treats its end as its parent link.
func newBridgedCoordinatorPair(t *testing.T) (coordA, coordB *Coordinator, brA, brB *Bridge, closeAll func()) {
	t.Helper()
	linkA, linkB := memlink.Pair()
	ctx, cancel := context.WithCancel(context.Background())

	ma := mux.NewMuxer(linkA, mux.DefaultConfig())
	mb := mux.NewMuxer(linkB, mux.DefaultConfig())
	ta := mux.NewTransport(ctx, ma, false)
	tb := mux.NewTransport(ctx, mb, false)

	incoming := make(chan *mux.Channel, 1)
	tb.OnIncomingStreamChannel(func(ch *mux.Channel) { incoming <- ch })

	chA, err := ta.OpenOutgoingStreamChannelWithID("bridge-ab")
	if err != nil {
		t.Fatalf("OpenOutgoingStreamChannelWithID: %v", err)
	}

	var chB *mux.Channel
	select {
	case chB = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("b never observed the bridge channel open")
	}

	coordA = NewCoordinator(NewLocalNodeManager(), wire.NewSerializer())
	coordB = NewCoordinator(NewLocalNodeManager(), wire.NewSerializer())

	brA = coordA.AddChildLink(ctx, "B", chA)
	brB = coordB.SetParentLink(ctx, chB)

	return coordA, coordB, brA, brB, func() {
		cancel()
		_ = ta.Close()
		_ = tb.Close()
	}
}

func TestCoordinatorBridgeHandshakeRoundTrip(t *testing.T) {
	coordA, _, brA, _, closeAll := newBridgedCoordinatorPair(t)
	defer closeAll()
	_ = coordA

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := brA.Handshake(ctx); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
}

func TestCoordinatorBridgeAskP2PRoutesToRemoteNode(t *testing.T) {
	coordA, coordB, _, brB, closeAll := newBridgedCoordinatorPair(t)
	defer closeAll()

	coordB.local.RegisterNode("remote-1", &fakeP2P{askFn: func(ctx Context, path string, args []any) (any, error) {
		return "remote-pong:" + path, nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := brB.AnnounceNodes(ctx, []NodeId{"remote-1"}, nil); err != nil {
		t.Fatalf("AnnounceNodes: %v", err)
	}

	askCtx, askCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer askCancel()
	result, err := coordA.AskP2P(askCtx, "n0", "remote-1", "ping", nil)
	if err != nil {
		t.Fatalf("AskP2P across bridge: %v", err)
	}
	if result != "remote-pong:ping" {
		t.Fatalf("got %v, want remote-pong:ping", result)
	}
}

func TestCoordinatorHandleBridgeDownWithdrawsRoutesAndDisconnectsSessions(t *testing.T) {
	coordA, _, brA, _, closeAll := newBridgedCoordinatorPair(t)
	defer closeAll()

	coordA.routing.Set("remote-1", brA.Hop)
	done := make(chan int, 1)
	session := NewAskSession("call-x", true, map[string]int{"child(B)": 1}, nil, func(total int) {
		done <- total
	})
	coordA.sessionsMu.Lock()
	coordA.sessions["call-x"] = session
	coordA.sessionsMu.Unlock()

	coordA.handleBridgeDown(brA)

	if _, ok := coordA.routing.Lookup("remote-1"); ok {
		t.Fatal("expected the route via the downed bridge to be withdrawn")
	}
	select {
	case total := <-done:
		if total != 0 {
			t.Fatalf("got total=%d, want 0 for a disconnected branch", total)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the in-flight session to observe the bridge going down")
	}
}

// TestCoordinatorBridgeBroadcastAskRoutesAcrossBridge exercises spec.md §8
// scenario 3 (Bus A -> Bus B broadcast ask) end to end: B announces a
// subscriber, A forwards a broadcast ask across the bridge, and B's
// ack_result/ack_fin must be attributed to the right branch of A's
// AskSession for BroadcastAsk to ever complete.
func TestCoordinatorBridgeBroadcastAskRoutesAcrossBridge(t *testing.T) {
	coordA, coordB, _, _, closeAll := newBridgedCoordinatorPair(t)
	defer closeAll()

	coordB.local.RegisterNode("remote-1", nil)
	coordB.local.AddSubscription("remote-1", "topic", &fakeConsumer{result: "remote-ok"})

	subCtx, subCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer subCancel()
	coordB.UpdateLocalSubscription(subCtx, "topic", "add")

	askCtx, askCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer askCancel()
	results, err := coordA.BroadcastAsk(askCtx, "n0", "topic", nil)
	if err != nil {
		t.Fatalf("BroadcastAsk across bridge: %v", err)
	}
	if len(results) != 1 || results[0] != "remote-ok" {
		t.Fatalf("got %v, want [remote-ok]", results)
	}
}
