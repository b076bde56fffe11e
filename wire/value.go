// Package wire implements the recursive wire-value data model and the
// pluggable-handler serializer described in spec.md §3/§4.4: a value is a
// sum of null, bool, 64-bit float, string, byte-string, ordered list,
// string-keyed map, or a placeholder left behind by a registered type
// handler for anything that isn't one of those.
//
// Grounded on goop2's internal/mq protocol (newline-delimited JSON messages
// with a small closed set of payload shapes) and internal/proto (typed
// message structs exchanged over a stream) — this module generalises that
// pattern into a recursive value model instead of a fixed message set.
package wire

import "fmt"

// Value is a wire value. It is always one of:
//
//	nil                 — null
//	bool                — bool
//	float64             — number
//	string              — string
//	[]byte              — byte-string
//	List ([]Value)      — ordered list
//	Map (map[string]Value) — string-keyed map
//	*Placeholder        — a non-plain value replaced by a type handler
//
// Any other concrete type stored in a Value is a programming error on the
// producing side.
type Value = any

// List is an ordered sequence of wire values.
type List []Value

// Map is a string-keyed map of wire values.
type Map map[string]Value

// Placeholder is the tagged marker the serializer leaves in place of a
// non-plain value (spec.md §3: "Placeholders are resolved by type handlers
// at the receiving side").
type Placeholder struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Meta Value  `json:"meta,omitempty"`
}

// Kind reports which of the wire-value cases v belongs to, for diagnostics
// and for handler Detect implementations that want to short-circuit on
// already-plain values.
func Kind(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []byte:
		return "bytes"
	case List:
		return "list"
	case Map:
		return "map"
	case *Placeholder:
		return "placeholder"
	default:
		return fmt.Sprintf("go:%T", v)
	}
}

// IsPlain reports whether v is already one of the directly-representable
// wire cases (i.e. needs no type handler to serialize).
func IsPlain(v Value) bool {
	switch v.(type) {
	case nil, bool, float64, string, []byte, List, Map, *Placeholder:
		return true
	default:
		return false
	}
}
