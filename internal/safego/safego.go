// Package safego starts long-lived background goroutines that must not take
// the process down when they panic.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine labelled name. A panic in fn is recovered and
// logged with its stack; the goroutine then ends.
func Go(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be deferred directly.
func Recover(name string) {
	if r := recover(); r != nil {
		slog.Error("recovered panic in background goroutine",
			"goroutine", name,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
