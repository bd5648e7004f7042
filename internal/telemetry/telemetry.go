// Package telemetry provides the structured logger shared by every
// long-running goroutine in this module: the process manager's engine
// loop, PDU peer send/receive/callback goroutines, the monitor supervisor,
// and the ActiveObject worker.
//
// It wires github.com/joeycumines/logiface to the stumpy JSON writer by
// default, but accepts any logiface.Logger[*stumpy.Event] constructed by
// the caller, so applications embedding this module can change the
// writer or level without touching this package's call sites. Loggers
// built on other event types are not accepted.
package telemetry

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/logiface-stumpy"
)

// Logger is the concrete logger type used throughout this module.
type Logger = logiface.Logger[*stumpy.Event]

var (
	mu      sync.RWMutex
	current *Logger
	// enabled gates construction of builders on the hot path (PDU receive,
	// engine dispatch) so that a disabled logger costs one atomic load.
	enabled atomic.Bool
)

func init() {
	current = stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	)
	enabled.Store(true)
}

// SetLogger replaces the package-wide logger. Passing nil disables logging
// (equivalent to a no-op writer) without requiring callers to check for
// nil at every call site.
func SetLogger(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
	enabled.Store(l != nil)
}

// L returns the current logger. Safe for concurrent use; never returns nil.
func L() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(io.Discard)))
	}
	return current
}

// Enabled reports whether logging is currently turned on, allowing hot
// paths to skip field construction entirely when it is not.
func Enabled() bool {
	return enabled.Load()
}
