// Package errs defines the error taxonomy shared across the fleet runtime.
// Errors are propagated as topic messages by callers, never panics; this
// package only supplies the sentinel kinds and wrapping helpers so callers
// can use errors.Is/errors.As uniformly.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap one with Wrap to attach call-specific detail while
// keeping errors.Is(err, errs.ErrX) working.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrIsolation       = errors.New("isolation error")
	ErrSubprocess      = errors.New("subprocess failure")
	ErrLedgerUnavail   = errors.New("ledger unavailable")
	ErrLockContention  = errors.New("lock contention")
	ErrWatchdogTimeout = errors.New("watchdog timeout")
	ErrStaleAgent      = errors.New("stale agent")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
)

// Wrap attaches msg to kind so errors.Is(Wrap(kind, msg), kind) holds while
// Error() carries the specific detail.
func Wrap(kind error, msg string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), kind)
}

// Wrapf is Wrap with an underlying cause chained in as well.
func Wrapf(kind, cause error, msg string, args ...any) error {
	return fmt.Errorf("%s: %w: %w", fmt.Sprintf(msg, args...), kind, cause)
}
