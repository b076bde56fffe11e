package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/nodemesh/corebus/link/memlink"
	"github.com/nodemesh/corebus/mux"
	"github.com/nodemesh/corebus/wire"
)

// newTestPair wires two in-memory-linked transports and returns their
// control channels, ready for a Client on one side and a Server on the
// other.
func newTestPair(t *testing.T) (clientCh, serverCh *mux.Channel, closeAll func()) {
	t.Helper()
	a, b := memlink.Pair()

	ctx, cancel := context.WithCancel(context.Background())

	ma := mux.NewMuxer(a, mux.DefaultConfig())
	mb := mux.NewMuxer(b, mux.DefaultConfig())

	ta := mux.NewTransport(ctx, ma, false)
	tb := mux.NewTransport(ctx, mb, false)

	clientCh, err := ta.GetControlChannel()
	if err != nil {
		t.Fatalf("client control channel: %v", err)
	}
	serverCh, err = tb.GetControlChannel()
	if err != nil {
		t.Fatalf("server control channel: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := clientCh.WaitEstablished(waitCtx); err != nil {
		t.Fatalf("client channel not established: %v", err)
	}

	return clientCh, serverCh, func() {
		cancel()
		_ = ta.Close()
		_ = tb.Close()
	}
}

func echoRouter() *Router {
	r := NewRouter()
	r.Handle("echo", func(env Env, input []any) (any, error) {
		if len(input) == 0 {
			return nil, nil
		}
		return input[0], nil
	})
	r.Handle("math/add", func(env Env, input []any) (any, error) {
		sum := 0.0
		for _, v := range input {
			n, _ := v.(float64)
			sum += n
		}
		return sum, nil
	})
	return r
}

func TestAskEcho(t *testing.T) {
	clientCh, serverCh, closeAll := newTestPair(t)
	defer closeAll()

	ser := wire.NewSerializer()
	client := NewClient(clientCh, ser)
	server := NewServer(serverCh, ser, echoRouter(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	result, err := client.Ask(ctx, "echo", []any{"hello"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if result != "hello" {
		t.Fatalf("got %v, want %q", result, "hello")
	}
}

func TestAskMathAdd(t *testing.T) {
	clientCh, serverCh, closeAll := newTestPair(t)
	defer closeAll()

	ser := wire.NewSerializer()
	client := NewClient(clientCh, ser)
	server := NewServer(serverCh, ser, echoRouter(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	result, err := client.Ask(ctx, "math/add", []any{1.0, 2.0, 3.0}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if result != 6.0 {
		t.Fatalf("got %v, want 6", result)
	}
}

func TestAskUnknownPath(t *testing.T) {
	clientCh, serverCh, closeAll := newTestPair(t)
	defer closeAll()

	ser := wire.NewSerializer()
	client := NewClient(clientCh, ser)
	server := NewServer(serverCh, ser, NewRouter(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	_, err := client.Ask(ctx, "nope", nil, nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered path")
	}
	if _, ok := err.(*RemoteError); !ok {
		t.Fatalf("got %T, want *RemoteError", err)
	}
}

func TestTellDoesNotBlock(t *testing.T) {
	clientCh, serverCh, closeAll := newTestPair(t)
	defer closeAll()

	ser := wire.NewSerializer()
	received := make(chan any, 1)
	router := NewRouter()
	router.Handle("fireforget", func(env Env, input []any) (any, error) {
		received <- input[0]
		return nil, nil
	})

	client := NewClient(clientCh, ser)
	server := NewServer(serverCh, ser, router, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	if err := client.Tell(ctx, "fireforget", []any{"ping"}, nil); err != nil {
		t.Fatalf("Tell: %v", err)
	}

	select {
	case v := <-received:
		if v != "ping" {
			t.Fatalf("got %v, want %q", v, "ping")
		}
	case <-time.After(time.Second):
		t.Fatal("tell handler never ran")
	}
}

func TestAskRejectsOnChannelClose(t *testing.T) {
	clientCh, _, closeAll := newTestPair(t)

	ser := wire.NewSerializer()
	client := NewClient(clientCh, ser)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Ask(context.Background(), "never-answers", nil, nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	closeAll()

	select {
	case err := <-errCh:
		if _, ok := err.(*ConnectionClosedError); !ok {
			t.Fatalf("got %T (%v), want *ConnectionClosedError", err, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ask never returned after channel close")
	}
}

func TestRouterNestedPaths(t *testing.T) {
	r := NewRouter()
	called := false
	r.Handle("a/b/c", func(env Env, input []any) (any, error) {
		called = true
		return nil, nil
	})

	fn, ok := r.Lookup("a/b/c")
	if !ok {
		t.Fatal("expected handler at a/b/c to be found")
	}
	if _, err := fn(Env{}, nil); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !called {
		t.Fatal("handler was not invoked")
	}

	if _, ok := r.Lookup("a/b/x"); ok {
		t.Fatal("did not expect a handler at a/b/x")
	}
}

func TestStreamWriterReaderRoundTrip(t *testing.T) {
	a, b := memlink.Pair()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ma := mux.NewMuxer(a, mux.DefaultConfig())
	mb := mux.NewMuxer(b, mux.DefaultConfig())
	ta := mux.NewTransport(ctx, ma, false)
	tb := mux.NewTransport(ctx, mb, false)
	defer ta.Close()
	defer tb.Close()

	// memlink delivers synchronously, so the channel carrying the stream's
	// handshake id can arrive on tb before a BindStreamReader call issued
	// after NewStreamWriter returns would register its waiter. Intercept it
	// via OnIncomingStreamChannel instead of racing BindStreamReader.
	incoming := make(chan *mux.Channel, 1)
	tb.OnIncomingStreamChannel(func(ch *mux.Channel) { incoming <- ch })

	writer, err := NewStreamWriter(ta)
	if err != nil {
		t.Fatalf("NewStreamWriter: %v", err)
	}

	var streamCh *mux.Channel
	select {
	case streamCh = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("tb never observed the stream's incoming channel")
	}
	reader := &StreamReader{channel: streamCh}

	writeCtx, writeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer writeCancel()
	if err := writer.Write(writeCtx, []byte("chunk-1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := writer.Write(writeCtx, []byte("chunk-2")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	chunk, ok, err := reader.Next(writeCtx)
	if err != nil || !ok || string(chunk) != "chunk-1" {
		t.Fatalf("Next[0] = %q, %v, %v; want chunk-1, true, nil", chunk, ok, err)
	}
	chunk, ok, err = reader.Next(writeCtx)
	if err != nil || !ok || string(chunk) != "chunk-2" {
		t.Fatalf("Next[1] = %q, %v, %v; want chunk-2, true, nil", chunk, ok, err)
	}

	closeDone := make(chan error, 1)
	go func() { closeDone <- writer.Close(writeCtx) }()

	_, ok, err = reader.Next(writeCtx)
	if err != nil || ok {
		t.Fatalf("Next (end) = ok=%v, err=%v; want ok=false, err=nil", ok, err)
	}

	select {
	case err := <-closeDone:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer.Close never observed the reader's stream-ack")
	}
}

func TestStreamFeatureEncodeDecodeAdvertisesHandshakeID(t *testing.T) {
	a, b := memlink.Pair()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ma := mux.NewMuxer(a, mux.DefaultConfig())
	ta := mux.NewTransport(ctx, ma, false)
	defer ta.Close()
	_ = b

	writer, err := NewStreamWriter(ta)
	if err != nil {
		t.Fatalf("NewStreamWriter: %v", err)
	}

	feature := NewStreamFeature()
	if !feature.Detect(writer) {
		t.Fatal("expected StreamFeature to detect a *StreamWriter")
	}
	id, _, err := feature.Encode(&wire.EncodeContext{}, writer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if id != writer.HandshakeID() {
		t.Fatalf("got id=%q, want %q", id, writer.HandshakeID())
	}
	decoded, err := feature.Decode(&wire.DecodeContext{}, id, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != id {
		t.Fatalf("got decoded=%v, want %q", decoded, id)
	}
}

func TestPinProxyCallInvokesCaller(t *testing.T) {
	var gotPath string
	var gotArgs []any
	caller := func(ctx context.Context, path string, args []any) (any, error) {
		gotPath = path
		gotArgs = args
		return "called", nil
	}
	proxy := &Proxy{pinID: "pin-1", caller: caller}
	if proxy.PinID() != "pin-1" {
		t.Fatalf("got PinID=%q, want pin-1", proxy.PinID())
	}

	result, err := proxy.Call(context.Background(), "greet", []any{"alice"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "called" {
		t.Fatalf("got %v, want called", result)
	}
	if gotPath != "__pin_call__/pin-1/greet" {
		t.Fatalf("got path=%q, want __pin_call__/pin-1/greet", gotPath)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "alice" {
		t.Fatalf("got args=%v, want [alice]", gotArgs)
	}
}

func TestPinProxyCallWithoutCallerFails(t *testing.T) {
	proxy := &Proxy{pinID: "pin-1"}
	if _, err := proxy.Call(context.Background(), "greet", nil); err == nil {
		t.Fatal("expected an error calling a proxy with no caller wired")
	}
}

func TestPinRegistryRefcountAndRelease(t *testing.T) {
	type userObj struct{ name string }
	obj := &userObj{name: "alice"}

	reg := NewPinRegistry(func(v any) bool {
		_, ok := v.(*userObj)
		return ok
	}, nil)

	if !reg.Detect(obj) {
		t.Fatal("expected obj to be detected as pinnable")
	}

	id1, _, err := reg.Encode(&wire.EncodeContext{}, obj)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	id2, _, err := reg.Encode(&wire.EncodeContext{}, obj)
	if err != nil {
		t.Fatalf("Encode (second): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the same pin id on repeated encode of the same value, got %s and %s", id1, id2)
	}

	if _, ok := reg.Lookup(id1); !ok {
		t.Fatal("expected the pin entry to be present before release")
	}

	reg.Release(id1)
	if _, ok := reg.Lookup(id1); !ok {
		t.Fatal("expected the pin entry to survive a release while refcount is still 2->1")
	}

	reg.Release(id1)
	if _, ok := reg.Lookup(id1); ok {
		t.Fatal("expected the pin entry to be gone once refcount reaches 0")
	}
}
