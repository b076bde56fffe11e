package mux

import "fmt"

// LinkClosedError is returned to callers when an operation can no longer
// proceed because the underlying Link is gone (spec.md §7: "link-closed —
// terminal; causes all pending operations to fail").
type LinkClosedError struct {
	Reason error
}

func (e *LinkClosedError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("mux: link closed: %v", e.Reason)
	}
	return "mux: link closed"
}

func (e *LinkClosedError) Unwrap() error { return e.Reason }

// ChannelClosedError is specific to one channel (spec.md §7).
type ChannelClosedError struct {
	ChannelID string
	Reason    string
}

func (e *ChannelClosedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("mux: channel %s closed: %s", e.ChannelID, e.Reason)
	}
	return fmt.Sprintf("mux: channel %s closed", e.ChannelID)
}

// HeartbeatTimeoutError is terminal and causes the link to be aborted
// (spec.md §4.1/§7).
type HeartbeatTimeoutError struct {
	Timeout string
}

func (e *HeartbeatTimeoutError) Error() string {
	return fmt.Sprintf("mux: heartbeat timeout after %s", e.Timeout)
}

// ProtocolError marks a fatal, unrecoverable framing violation — e.g. a
// newly opened stream colliding with an existing channel id (spec.md §9,
// Open Question (b): "treat as a fatal protocol error").
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mux: protocol error: %s", e.Detail)
}
