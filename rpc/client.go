package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nodemesh/corebus/internal/logging"
	"github.com/nodemesh/corebus/mux"
	"github.com/nodemesh/corebus/wire"
)

var log = logging.Named("rpc")

type pendingCall struct {
	resultCh chan callResult
}

type callResult struct {
	value any
	err   error
}

// Client is the Call Manager (spec.md §4.5): it sends ask/tell requests on
// a control channel and resolves pending asks against matching responses.
// Grounded in goop2's mq.Manager pending-ack map and call.Manager's
// dispatch loop reading one channel of inbound envelopes.
type Client struct {
	channel    *mux.Channel
	serializer *wire.Serializer

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// NewClient wraps channel (ordinarily the Transport's control channel) as
// a Call Manager. Call Run in its own goroutine to begin processing
// responses.
func NewClient(channel *mux.Channel, serializer *wire.Serializer) *Client {
	c := &Client{
		channel:    channel,
		serializer: serializer,
		pending:    make(map[string]*pendingCall),
	}
	channel.OnClose(c.handleChannelClose)
	return c
}

// Run reads response envelopes from the control channel until it closes.
// Requests this Client does not recognise the call_id of (Call Executor
// requests/notifies on the same physical channel) are ignored here; wire
// a Server sharing the same channel to handle those.
func (c *Client) Run(ctx context.Context) {
	for {
		data, err := c.channel.Receive(ctx)
		if err != nil {
			return
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			log.Warnf("rpc: dropping malformed control message: %v", err)
			continue
		}
		if env.Kind != kindResponse {
			continue
		}
		c.handleResponse(env)
	}
}

func (c *Client) handleResponse(env envelope) {
	c.mu.Lock()
	p, ok := c.pending[env.CallID]
	if ok {
		delete(c.pending, env.CallID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if !env.Success {
		msg := ""
		if s, ok := env.Output.(string); ok {
			msg = s
		}
		p.resultCh <- callResult{err: &RemoteError{Message: msg}}
		return
	}

	value, err := c.serializer.Deserialize(&wire.DecodeContext{}, env.Output)
	if err != nil {
		p.resultCh <- callResult{err: fmt.Errorf("rpc: deserialize response: %w", err)}
		return
	}
	p.resultCh <- callResult{value: value}
}

// Ask sends an ask request for path with args/meta, and blocks for the
// matching response, a context cancellation, or a connection close
// (spec.md §4.5).
func (c *Client) Ask(ctx context.Context, path string, args []any, meta any) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &ConnectionClosedError{}
	}
	callID := uuid.NewString()
	p := &pendingCall{resultCh: make(chan callResult, 1)}
	c.pending[callID] = p
	c.mu.Unlock()

	if err := c.send(ctx, kindRequest, Ask, callID, path, args, meta); err != nil {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-p.resultCh:
		return res.value, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return nil, &TimeoutError{Path: path}
	}
}

// Tell sends a fire-and-forget notify for path; there is no response to
// wait for (spec.md §4.5).
func (c *Client) Tell(ctx context.Context, path string, args []any, meta any) error {
	return c.send(ctx, kindNotify, Tell, "", path, args, meta)
}

func (c *Client) send(ctx context.Context, kind messageKind, ck callKind, callID, path string, args []any, meta any) error {
	encCtx := &wire.EncodeContext{}
	input := make([]wire.Value, len(args))
	for i, a := range args {
		v, err := c.serializer.Serialize(encCtx, a)
		if err != nil {
			return fmt.Errorf("rpc: serialize arg %d: %w", i, err)
		}
		input[i] = v
	}
	metaVal, err := c.serializer.Serialize(encCtx, meta)
	if err != nil {
		return fmt.Errorf("rpc: serialize meta: %w", err)
	}

	env := envelope{Kind: kind, CallID: callID, CallKind: ck, Path: path, Input: input, Meta: metaVal}
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.channel.Send(ctx, data)
}

// Release notifies the peer that a pin this Client holds a proxy for can
// be dropped (spec.md §4.6).
func (c *Client) Release(ctx context.Context, pinID string) error {
	env := envelope{Kind: kindRelease, PinID: pinID}
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.channel.Send(ctx, data)
}

func (c *Client) handleChannelClose(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- callResult{err: &ConnectionClosedError{Reason: reason}}
	}
}
