// Package assert provides fatal invariant checks for programmer errors —
// conditions that indicate a bug in the caller rather than a recoverable
// runtime condition. Unlike the sentinel errors returned from public APIs,
// a failed assertion always panics.
package assert

import (
	"fmt"
	"runtime"
)

// That panics with msg (and its formatted args) if cond is false, prefixed
// with the file:line of the caller that violated the invariant.
func That(cond bool, msg string, args ...any) {
	if cond {
		return
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "unknown", 0
	}
	panic(fmt.Sprintf("%s:%d: assertion failed: %s", file, line, fmt.Sprintf(msg, args...)))
}

// Never panics unconditionally, for branches that should be unreachable.
func Never(msg string, args ...any) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "unknown", 0
	}
	panic(fmt.Sprintf("%s:%d: unreachable: %s", file, line, fmt.Sprintf(msg, args...)))
}
