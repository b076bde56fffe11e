package wire

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/nodemesh/corebus/internal/logging"
)

var log = logging.Named("wire")

// Serializer walks values recursively (via an explicit worklist, not Go
// call-stack recursion, per spec.md §9) turning Go values into wire Values
// and back, dispatching to registered Handlers for anything non-plain.
type Serializer struct {
	mu       sync.RWMutex
	handlers []Handler
	byKind   map[string]Handler
}

// NewSerializer returns an empty Serializer; register handlers with Register
// before first use.
func NewSerializer() *Serializer {
	return &Serializer{byKind: make(map[string]Handler)}
}

// Register adds h to the ordered list of type handlers consulted by
// Serialize for non-plain values, and indexes it by Kind for Deserialize.
// Handlers are consulted in registration order (spec.md §4.4); register the
// more specific handlers first.
func (s *Serializer) Register(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
	s.byKind[h.Kind()] = h
}

type encodeTask struct {
	value  any
	setter func(Value)
}

// Serialize converts v into a wire Value, invoking registered handlers (and
// their side effects) for any non-plain sub-value it encounters.
func (s *Serializer) Serialize(ctx *EncodeContext, v any) (Value, error) {
	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()

	var result Value
	visiting := make(map[uintptr]bool)
	stack := []encodeTask{{value: v, setter: func(r Value) { result = r }}}

	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch val := t.value.(type) {
		case nil:
			t.setter(nil)
		case bool:
			t.setter(val)
		case float64:
			t.setter(val)
		case string:
			t.setter(val)
		case []byte:
			t.setter(val)
		case int:
			t.setter(float64(val))
		case int32:
			t.setter(float64(val))
		case int64:
			t.setter(float64(val))
		case float32:
			t.setter(float64(val))
		case *Placeholder:
			t.setter(val)
		case List:
			if err := s.pushList(val, visiting, &stack, t.setter); err != nil {
				return nil, err
			}
		case []any:
			if err := s.pushList(List(val), visiting, &stack, t.setter); err != nil {
				return nil, err
			}
		case Map:
			if err := s.pushMap(val, visiting, &stack, t.setter); err != nil {
				return nil, err
			}
		case map[string]any:
			if err := s.pushMap(Map(val), visiting, &stack, t.setter); err != nil {
				return nil, err
			}
		default:
			h, id, meta, err := encodeWithHandlers(ctx, handlers, val)
			if err != nil {
				return nil, err
			}
			t.setter(&Placeholder{Kind: h, ID: id, Meta: meta})
		}
	}
	return result, nil
}

func encodeWithHandlers(ctx *EncodeContext, handlers []Handler, val any) (kind, id string, meta Value, err error) {
	for _, h := range handlers {
		if h.Detect(val) {
			id, meta, err = h.Encode(ctx, val)
			if err != nil {
				return "", "", nil, fmt.Errorf("wire: handler %q: %w", h.Kind(), err)
			}
			return h.Kind(), id, meta, nil
		}
	}
	return "", "", nil, &UnsupportedTypeError{GoType: fmt.Sprintf("%T", val)}
}

func (s *Serializer) pushList(val List, visiting map[uintptr]bool, stack *[]encodeTask, setter func(Value)) error {
	if ptr := sliceIdentity(val); ptr != 0 {
		if visiting[ptr] {
			log.Warnf("wire: cycle detected while serializing a list, rejecting")
			return &CycleError{Path: "list"}
		}
		visiting[ptr] = true
	}
	out := make(List, len(val))
	setter(out)
	for i := range val {
		i := i
		elem := val[i]
		*stack = append(*stack, encodeTask{value: elem, setter: func(r Value) { out[i] = r }})
	}
	return nil
}

func (s *Serializer) pushMap(val Map, visiting map[uintptr]bool, stack *[]encodeTask, setter func(Value)) error {
	if ptr := mapIdentity(val); ptr != 0 {
		if visiting[ptr] {
			return &CycleError{Path: "map"}
		}
		visiting[ptr] = true
	}
	out := make(Map, len(val))
	setter(out)
	for k := range val {
		k := k
		elem := val[k]
		*stack = append(*stack, encodeTask{value: elem, setter: func(r Value) { out[k] = r }})
	}
	return nil
}

type decodeTask struct {
	value  Value
	setter func(any)
}

// Deserialize converts a wire Value back into Go values, materialising a
// local proxy for every Placeholder via its registered handler.
func (s *Serializer) Deserialize(ctx *DecodeContext, v Value) (any, error) {
	s.mu.RLock()
	byKind := s.byKind
	s.mu.RUnlock()

	var result any
	stack := []decodeTask{{value: v, setter: func(r any) { result = r }}}

	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch val := t.value.(type) {
		case List:
			out := make([]any, len(val))
			t.setter(out)
			for i := range val {
				i := i
				elem := val[i]
				stack = append(stack, decodeTask{value: elem, setter: func(r any) { out[i] = r }})
			}
		case Map:
			out := make(map[string]any, len(val))
			t.setter(out)
			for k := range val {
				k := k
				elem := val[k]
				stack = append(stack, decodeTask{value: elem, setter: func(r any) { out[k] = r }})
			}
		case *Placeholder:
			h, ok := byKind[val.Kind]
			if !ok {
				return nil, &UnknownKindError{Kind: val.Kind}
			}
			obj, err := h.Decode(ctx, val.ID, val.Meta)
			if err != nil {
				return nil, fmt.Errorf("wire: decode placeholder %s/%s: %w", val.Kind, val.ID, err)
			}
			t.setter(obj)
		default:
			t.setter(val)
		}
	}
	return result, nil
}

// sliceIdentity returns a stable identity for the backing array of a slice,
// or 0 for a nil/empty slice (which cannot participate in a cycle).
func sliceIdentity(l List) uintptr {
	if len(l) == 0 {
		return 0
	}
	return reflect.ValueOf(l).Pointer()
}

// mapIdentity returns a stable identity for a map's backing storage, or 0
// for a nil map.
func mapIdentity(m Map) uintptr {
	if m == nil {
		return 0
	}
	return reflect.ValueOf(m).Pointer()
}
