package bus

import (
	"fmt"

	"github.com/nodemesh/corebus/wire"
)

// Dispatcher produces count semantically-equivalent copies of a value
// before a broadcast fan-out, because each downstream branch (local
// subscribers, children, parent) must receive an independent copy
// (spec.md §4.9). Scalars and byte strings are shared as they are; lists,
// maps and non-plain values are serialized once through the wire
// Serializer and deserialized once per copy, so each copy gets its own
// lists and maps. There is no per-kind clone hook: a stream or pin value
// goes through its wire.Handler's Encode once and Decode once per copy,
// and a stream is not teed.
type Dispatcher struct {
	serializer *wire.Serializer
}

// NewDispatcher returns a Dispatcher backed by serializer, whose
// registered wire.Handlers are consulted for non-plain values.
func NewDispatcher(serializer *wire.Serializer) *Dispatcher {
	return &Dispatcher{serializer: serializer}
}

// Clone produces count independent copies of v suitable for fan-out to
// count downstream branches. count must be at least 1.
func (d *Dispatcher) Clone(v any, count int) ([]any, error) {
	if count < 1 {
		return nil, fmt.Errorf("bus: Clone requires count >= 1, got %d", count)
	}
	switch v.(type) {
	case nil, bool, float64, string, []byte:
		out := make([]any, count)
		for i := range out {
			out[i] = v
		}
		return out, nil
	}

	encoded, err := d.serializer.Serialize(&wire.EncodeContext{}, v)
	if err != nil {
		return nil, fmt.Errorf("bus: clone: serialize: %w", err)
	}
	out := make([]any, count)
	for i := range out {
		decoded, err := d.serializer.Deserialize(&wire.DecodeContext{}, encoded)
		if err != nil {
			return nil, fmt.Errorf("bus: clone: deserialize copy %d: %w", i, err)
		}
		out[i] = decoded
	}
	return out, nil
}
