package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nodemesh/corebus/mux"
	"github.com/nodemesh/corebus/wire"
)

// streamKind is the wire.Handler Kind for stream placeholders (spec.md
// §4.6).
const streamKind = "stream"

// streamChunk is the framing this feature writes on its dedicated MUX
// channel: one JSON value per Channel.Send, mirroring the rest of the
// codebase's one-message-per-frame convention.
type streamChunk struct {
	Type   string `json:"type"` // "stream-data" | "stream-end" | "stream-ack" | "stream-abort"
	Chunk  []byte `json:"chunk,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func encodeChunk(c streamChunk) ([]byte, error) {
	return json.Marshal(c)
}

func decodeChunk(data []byte) (streamChunk, error) {
	var c streamChunk
	err := json.Unmarshal(data, &c)
	return c, err
}

// StreamWriter is the push-writer role of spec.md §4.6: it opens an
// outgoing channel on first chunk (here, eagerly on construction) whose id
// is the stream's handshake id, writing chunks as stream-data and closing
// with stream-end.
type StreamWriter struct {
	handshakeID string
	channel     *mux.Channel
}

// NewStreamWriter opens a channel for a new outgoing stream and returns
// the writer; handshakeID is what the corresponding placeholder must
// advertise in its meta.
func NewStreamWriter(transport *mux.Transport) (*StreamWriter, error) {
	id := uuid.NewString()
	ch, err := transport.OpenOutgoingStreamChannelWithID(id)
	if err != nil {
		return nil, fmt.Errorf("rpc: open stream channel: %w", err)
	}
	return &StreamWriter{handshakeID: id, channel: ch}, nil
}

// HandshakeID returns the id to embed in the stream placeholder's meta.
func (w *StreamWriter) HandshakeID() string { return w.handshakeID }

// Write sends one chunk.
func (w *StreamWriter) Write(ctx context.Context, chunk []byte) error {
	data, err := encodeChunk(streamChunk{Type: "stream-data", Chunk: chunk})
	if err != nil {
		return err
	}
	return w.channel.Send(ctx, data)
}

// Close sends stream-end and waits for the reader's stream-ack before
// returning, so the writer knows it is safe to release resources
// (spec.md §4.6).
func (w *StreamWriter) Close(ctx context.Context) error {
	data, err := encodeChunk(streamChunk{Type: "stream-end"})
	if err != nil {
		return err
	}
	if err := w.channel.Send(ctx, data); err != nil {
		return err
	}
	for {
		raw, err := w.channel.Receive(ctx)
		if err != nil {
			return err
		}
		c, err := decodeChunk(raw)
		if err != nil {
			continue
		}
		if c.Type == "stream-ack" {
			return nil
		}
	}
}

// Abort sends stream-abort with reason.
func (w *StreamWriter) Abort(ctx context.Context, reason string) {
	data, err := encodeChunk(streamChunk{Type: "stream-abort", Reason: reason})
	if err == nil {
		_ = w.channel.Send(ctx, data)
	}
}

// StreamReader is the receiving side of a stream: it reads chunks
// delivered on its channel until stream-end, which it acknowledges with
// stream-ack (spec.md §4.6), or stream-abort, which it does not.
type StreamReader struct {
	channel *mux.Channel
}

// BindStreamReader waits for the channel carrying handshakeID (the pull-
// reader role) and returns a StreamReader over it.
func BindStreamReader(ctx context.Context, transport *mux.Transport, handshakeID string) (*StreamReader, error) {
	ch, err := transport.WaitForChannel(ctx, handshakeID)
	if err != nil {
		return nil, err
	}
	return &StreamReader{channel: ch}, nil
}

// Next blocks for the next chunk, returning io.EOF-shaped signalling via
// the ok return: ok is false with a nil error once stream-end has been
// received and acknowledged; stream-abort is returned as an error and is
// not acknowledged.
func (r *StreamReader) Next(ctx context.Context) (chunk []byte, ok bool, err error) {
	raw, err := r.channel.Receive(ctx)
	if err != nil {
		return nil, false, err
	}
	c, err := decodeChunk(raw)
	if err != nil {
		return nil, false, err
	}
	switch c.Type {
	case "stream-data":
		return c.Chunk, true, nil
	case "stream-end":
		ack, err := encodeChunk(streamChunk{Type: "stream-ack"})
		if err != nil {
			return nil, false, err
		}
		return nil, false, r.channel.Send(ctx, ack)
	case "stream-abort":
		return nil, false, fmt.Errorf("rpc: stream aborted: %s", c.Reason)
	default:
		return nil, false, fmt.Errorf("rpc: unknown stream frame %q", c.Type)
	}
}

// StreamFeature is the wire.Handler for stream placeholders. Encode
// assumes the caller already opened a StreamWriter and passes it as the
// value to serialize; Decode returns the handshake id so application code
// can bind a StreamReader once the surrounding call has fully arrived.
type StreamFeature struct{}

// NewStreamFeature returns a StreamFeature ready to register with a
// Serializer.
func NewStreamFeature() *StreamFeature { return &StreamFeature{} }

// Kind implements wire.Handler.
func (f *StreamFeature) Kind() string { return streamKind }

// Detect implements wire.Handler.
func (f *StreamFeature) Detect(v any) bool {
	_, ok := v.(*StreamWriter)
	return ok
}

// Encode implements wire.Handler, advertising the writer's handshake id.
func (f *StreamFeature) Encode(ctx *wire.EncodeContext, v any) (id string, meta wire.Value, err error) {
	w, ok := v.(*StreamWriter)
	if !ok {
		return "", nil, fmt.Errorf("rpc: StreamFeature.Encode: unexpected type %T", v)
	}
	return w.HandshakeID(), nil, nil
}

// Decode implements wire.Handler, returning the handshake id as a plain
// string; callers bind it with BindStreamReader once they hold a
// *mux.Transport for the connection.
func (f *StreamFeature) Decode(ctx *wire.DecodeContext, id string, meta wire.Value) (any, error) {
	return id, nil
}
