package rpc

import "fmt"

// RemoteError wraps an error the peer's executor reported back for an ask
// call, preserving its message without pretending to preserve its type
// (spec.md §4.5: "construct an error preserving the remote message").
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error: %s", e.Message)
}

// LocalError wraps a failure the local Call Executor hit while dispatching
// a request: a handler panic, or a failure to deserialize the request's
// input or meta. An unknown path is reported as a PathNotFoundError.
type LocalError struct {
	Detail string
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("rpc: local error: %s", e.Detail)
}

// TimeoutError reports that an ask call's context expired before a
// response arrived.
type TimeoutError struct {
	Path string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: timeout waiting for response to %q", e.Path)
}

// ConnectionClosedError reports that the underlying link closed while a
// call was pending (spec.md §4.5: "on link close: reject all pending with
// a connection-closed error").
type ConnectionClosedError struct {
	Reason string
}

func (e *ConnectionClosedError) Error() string {
	if e.Reason == "" {
		return "rpc: connection closed"
	}
	return fmt.Sprintf("rpc: connection closed: %s", e.Reason)
}

// PathNotFoundError reports that no procedure handler is registered at the
// requested path.
type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("rpc: no handler registered at path %q", e.Path)
}
