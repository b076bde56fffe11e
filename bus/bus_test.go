package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nodemesh/corebus/wire"
)

func TestRoutingTableSetLookupRemove(t *testing.T) {
	rt := NewRoutingTable()

	if _, ok := rt.Lookup("n1"); ok {
		t.Fatal("expected no entry for an unregistered node")
	}

	rt.Set("n1", Child("child-bus"))
	hop, ok := rt.Lookup("n1")
	if !ok {
		t.Fatal("expected an entry for n1")
	}
	if hop.Kind != "child" || hop.ChildBusID != "child-bus" {
		t.Fatalf("got hop=%+v, want child(child-bus)", hop)
	}

	rt.Remove("n1")
	if _, ok := rt.Lookup("n1"); ok {
		t.Fatal("expected n1 to be gone after Remove")
	}
}

func TestRoutingTableRemoveAllVia(t *testing.T) {
	rt := NewRoutingTable()
	childHop := Child("child-bus")

	rt.Set("n1", childHop)
	rt.Set("n2", childHop)
	rt.Set("n3", Parent())

	removed := rt.RemoveAllVia(childHop)
	if len(removed) != 2 {
		t.Fatalf("got %d removed, want 2", len(removed))
	}
	if _, ok := rt.Lookup("n1"); ok {
		t.Fatal("expected n1 removed")
	}
	if _, ok := rt.Lookup("n3"); !ok {
		t.Fatal("expected n3 (routed via parent) to survive")
	}
}

func TestNextHopString(t *testing.T) {
	if Local().String() != "local" {
		t.Fatalf("got %q, want local", Local().String())
	}
	if Parent().String() != "parent" {
		t.Fatalf("got %q, want parent", Parent().String())
	}
	if got, want := Child("c1").String(), "child(c1)"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

type fakeP2P struct {
	askFn func(ctx Context, path string, args []any) (any, error)
}

func (f *fakeP2P) Ask(ctx Context, path string, args []any) (any, error) {
	return f.askFn(ctx, path, args)
}
func (f *fakeP2P) Tell(ctx Context, path string, args []any) error { return nil }

func TestLocalNodeManagerExecuteP2PProcedure(t *testing.T) {
	mgr := NewLocalNodeManager()
	api := &fakeP2P{askFn: func(ctx Context, path string, args []any) (any, error) {
		return "pong:" + path, nil
	}}
	mgr.RegisterNode("n1", api)

	result, err := mgr.ExecuteP2PProcedure(Context{}, "n1", "ping", nil, true)
	if err != nil {
		t.Fatalf("ExecuteP2PProcedure: %v", err)
	}
	if result != "pong:ping" {
		t.Fatalf("got %v, want pong:ping", result)
	}
}

func TestLocalNodeManagerUnknownNodeAskFails(t *testing.T) {
	mgr := NewLocalNodeManager()
	_, err := mgr.ExecuteP2PProcedure(Context{}, "ghost", "ping", nil, true)
	if err == nil {
		t.Fatal("expected an error asking an unregistered node")
	}
	if _, ok := err.(*NodeNotFoundError); !ok {
		t.Fatalf("got %T, want *NodeNotFoundError", err)
	}
}

func TestLocalNodeManagerClosingNodeRefusesAsk(t *testing.T) {
	mgr := NewLocalNodeManager()
	api := &fakeP2P{askFn: func(ctx Context, path string, args []any) (any, error) { return "ok", nil }}
	mgr.RegisterNode("n1", api)
	mgr.MarkAsClosing("n1")

	_, err := mgr.ExecuteP2PProcedure(Context{}, "n1", "ping", nil, true)
	if err == nil {
		t.Fatal("expected an error asking a closing node")
	}
	if _, ok := err.(*NodeClosingError); !ok {
		t.Fatalf("got %T, want *NodeClosingError", err)
	}
}

func TestLocalNodeManagerUnknownNodeTellIsSwallowed(t *testing.T) {
	mgr := NewLocalNodeManager()
	result, err := mgr.ExecuteP2PProcedure(Context{}, "ghost", "ping", nil, false)
	if err != nil {
		t.Fatalf("expected a tell to an unknown node to report no error, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for a tell, got %v", result)
	}
}

type fakeConsumer struct {
	result any
	err    error
}

func (f *fakeConsumer) Ask(ctx Context, topic Topic, args []any) (any, error) {
	return f.result, f.err
}
func (f *fakeConsumer) Tell(ctx Context, topic Topic, args []any) error { return f.err }

func TestLocalNodeManagerBroadcastAskSkipsFailuresAndClosingNodes(t *testing.T) {
	mgr := NewLocalNodeManager()
	mgr.RegisterNode("n1", nil)
	mgr.AddSubscription("n1", "topic", &fakeConsumer{result: "ok-1"})
	mgr.RegisterNode("n2", nil)
	mgr.AddSubscription("n2", "topic", &fakeConsumer{err: errors.New("boom")})
	mgr.RegisterNode("n3", nil)
	mgr.AddSubscription("n3", "topic", &fakeConsumer{result: "ok-3"})
	mgr.MarkAsClosing("n3")

	results := mgr.ExecuteBroadcastProcedure(Context{}, "topic", nil, true)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (n2 failed, n3 closing)", len(results))
	}
	if results[0] != "ok-1" {
		t.Fatalf("got %v, want ok-1", results[0])
	}
}

func TestLocalNodeManagerHasSubscriberAndGetTopics(t *testing.T) {
	mgr := NewLocalNodeManager()
	mgr.RegisterNode("n1", nil)
	if mgr.HasSubscriber("topic") {
		t.Fatal("expected no subscriber before AddSubscription")
	}
	mgr.AddSubscription("n1", "topic", &fakeConsumer{})
	if !mgr.HasSubscriber("topic") {
		t.Fatal("expected a subscriber after AddSubscription")
	}
	topics := mgr.GetTopicsForNode("n1")
	if len(topics) != 1 || topics[0] != "topic" {
		t.Fatalf("got %v, want [topic]", topics)
	}
	mgr.RemoveSubscription("n1", "topic")
	if mgr.HasSubscriber("topic") {
		t.Fatal("expected no subscriber after RemoveSubscription")
	}
}

func TestAskSessionAggregatesUntilEveryBranchFins(t *testing.T) {
	var results []any
	var doneTotal int
	done := false

	session := NewAskSession("call-1", true, map[string]int{"local": 2, "child(a)": 1}, func(r any) {
		results = append(results, r)
	}, func(total int) {
		done = true
		doneTotal = total
	})

	session.Result("local", "r1")
	session.Result("local", "r2")
	if session.IsDone() {
		t.Fatal("expected session not done before any branch fins")
	}

	session.Fin("local", 2)
	if session.IsDone() {
		t.Fatal("expected session not done before the child branch fins")
	}

	session.Result("child(a)", "r3")
	session.Fin("child(a)", 1)

	if !session.IsDone() {
		t.Fatal("expected session done once every branch has fin'd with enough results")
	}
	if !done {
		t.Fatal("expected onDone to have fired")
	}
	if doneTotal != 3 {
		t.Fatalf("got total=%d, want 3", doneTotal)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
}

func TestAskSessionBranchDisconnectActsAsEmptyFin(t *testing.T) {
	done := false
	session := NewAskSession("call-2", true, map[string]int{"child(a)": 5}, nil, func(total int) {
		done = true
	})

	session.BranchDisconnected("child(a)")
	if !done {
		t.Fatal("expected a disconnected branch to satisfy the session as ack_fin{total_results=0}")
	}
}

func TestDispatcherClonePlainValueIsIndependent(t *testing.T) {
	d := NewDispatcher(wire.NewSerializer())

	copies, err := d.Clone("hello", 3)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if len(copies) != 3 {
		t.Fatalf("got %d copies, want 3", len(copies))
	}
	for _, c := range copies {
		if c != "hello" {
			t.Fatalf("got %v, want hello", c)
		}
	}
}

func TestDispatcherCloneMapProducesIndependentCopies(t *testing.T) {
	d := NewDispatcher(wire.NewSerializer())

	original := map[string]any{"count": float64(1)}
	copies, err := d.Clone(original, 2)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	m0 := copies[0].(map[string]any)
	m1 := copies[1].(map[string]any)
	m0["count"] = float64(99)
	if m1["count"] == m0["count"] {
		t.Fatal("expected clones to be independent, mutating one affected the other")
	}
}

func TestDispatcherCloneRejectsZeroCount(t *testing.T) {
	d := NewDispatcher(wire.NewSerializer())
	if _, err := d.Clone("x", 0); err == nil {
		t.Fatal("expected an error for count < 1")
	}
}

func TestPendingAckManagerResolveUnblocksWaiter(t *testing.T) {
	mgr := newPendingAckManager()
	wait := mgr.Register("corr-1")

	done := make(chan error, 1)
	go func() { done <- wait(context.Background()) }()

	mgr.Resolve("corr-1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait never returned after Resolve")
	}
}

func TestPendingAckManagerTimesOutUnresolvedWaiter(t *testing.T) {
	mgr := newPendingAckManager()
	mgr.timeout = 20 * time.Millisecond
	wait := mgr.Register("corr-2")

	err := wait(context.Background())
	if err == nil {
		t.Fatal("expected a timeout error for a never-resolved waiter")
	}
	if _, ok := err.(*HandshakeTimeoutError); !ok {
		t.Fatalf("got %T, want *HandshakeTimeoutError", err)
	}
}

func TestPendingAckManagerRespectsContextCancellation(t *testing.T) {
	mgr := newPendingAckManager()
	wait := mgr.Register("corr-3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := wait(ctx); err != context.Canceled {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
