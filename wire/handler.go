package wire

// EncodeContext is threaded through a single Serialize call. Extra carries
// caller-supplied, handler-specific state (e.g. the RPC layer's pin
// registry, or the stream feature's channel opener) — handlers type-assert
// it to whatever they expect, the way goop2's call.Envelope carries an
// untyped Payload that each session interprets for itself.
type EncodeContext struct {
	Extra any
}

// DecodeContext is the Deserialize-side counterpart of EncodeContext.
type DecodeContext struct {
	Extra any
}

// Handler is a registered type handler: it claims Go values that aren't
// directly representable as wire values, replaces them with a Placeholder
// on encode (performing whatever side effect that requires — register a
// pin, open a stream channel), and rebuilds a local proxy from the
// Placeholder on decode. Handlers "must be symmetric on both peers"
// (spec.md §4.4).
type Handler interface {
	// Kind is the placeholder kind this handler owns, e.g. "pin" or "stream".
	Kind() string

	// Detect reports whether v is a value this handler should replace with
	// a placeholder. Called only for values IsPlain already rejected.
	Detect(v any) bool

	// Encode performs any side effects required to hand v to the peer
	// (allocate a pin id and bump its refcount, open a stream channel with
	// a handshake id, ...) and returns the placeholder's id and meta.
	Encode(ctx *EncodeContext, v any) (id string, meta Value, err error)

	// Decode materialises the local proxy for a placeholder of this kind.
	Decode(ctx *DecodeContext, id string, meta Value) (any, error)
}
