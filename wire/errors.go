package wire

import "fmt"

// UnknownKindError is returned by Deserialize when a placeholder names a
// kind with no registered handler — spec.md §4.4: "Unknown placeholder
// kinds fail the deserialization with a typed error."
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("wire: no handler registered for placeholder kind %q", e.Kind)
}

// CycleError is returned when Serialize discovers a reference cycle in a
// plain (non-pin) value graph — spec.md §9: "fail with a typed error rather
// than loop."
type CycleError struct {
	Path string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("wire: cycle detected in plain value graph at %s", e.Path)
}

// UnsupportedTypeError is returned when Serialize encounters a Go value no
// registered handler claims and that is not itself a plain wire type.
type UnsupportedTypeError struct {
	GoType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("wire: no handler claims value of type %s", e.GoType)
}
