// Package logging gives every subsystem in this module its own named,
// independently levelled logger, the way goop2's internal/p2p silences
// "swarm2" and raises "relay"/"autorelay"/"autonat" at init time.
package logging

import (
	golog "github.com/ipfs/go-log/v2"
)

// Logger is the structured logger handed to each subsystem.
type Logger = golog.EventLogger

// Named returns (creating if necessary) the named subsystem logger.
// Conventional names used across this module: "mux", "rpc", "bus",
// "resolver", "link.ws", "link.p2p", "config".
func Named(name string) Logger {
	return golog.Logger(name)
}

// SetLevel sets the minimum log level for a named subsystem, e.g.
// SetLevel("link.p2p", "error") to quiet a noisy transport the way goop2
// quiets "swarm2".
func SetLevel(name, level string) {
	_ = golog.SetLogLevel(name, level)
}

func init() {
	// Mirror goop2's init-time defaults: keep the module quiet unless a
	// caller opts into more verbosity via SetLevel.
	golog.SetAllLoggers(golog.LevelWarn)
}
