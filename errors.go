package workers

import (
	"errors"
	"fmt"
)

// ErrClientClosed rejects requests still pending when Close is called. It is
// deliberately a plain error so callers can tell voluntary shutdown from a
// crash.
var ErrClientClosed = errors.New("worker client closed")

// ErrWorkerNotFound is returned by registry lookups for unknown worker names.
var ErrWorkerNotFound = errors.New("worker not found in registry")

// TimeoutError is returned when a single request exceeds its resolved
// timeout. It never affects the channel or other in-flight requests.
type TimeoutError struct {
	MessageType string
	TimeoutMs   int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Request timeout after %dms: %s", e.TimeoutMs, e.MessageType)
}

// CrashError rejects pending requests when the channel shuts down
// unexpectedly rather than via a deliberate Close.
type CrashError struct {
	Reason      ShutdownReason
	MessageType string
	Attempt     int
	MaxAttempts int
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("worker shut down unexpectedly (%s) while %q was pending (attempt %d/%d)",
		e.Reason, e.MessageType, e.Attempt, e.MaxAttempts)
}

// SpawnError is returned when a driver fails to establish a channel. It is
// fatal to that CreateWorker call.
type SpawnError struct {
	Driver string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("driver %q failed to spawn worker: %v", e.Driver, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// MiddlewareError wraps an error raised inside a middleware function with the
// direction it was travelling.
type MiddlewareError struct {
	Direction string // "incoming" or "outgoing"
	Err       error
}

func (e *MiddlewareError) Error() string {
	return fmt.Sprintf("%s middleware: %v", e.Direction, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *MiddlewareError) Unwrap() error {
	return e.Err
}

// UnsupportedCapabilityError is returned when a capability-gated operation is
// requested from a driver that does not report the capability.
type UnsupportedCapabilityError struct {
	Capability string
	Driver     string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("driver %q does not support %s", e.Driver, e.Capability)
}
