// Package apperr defines the error taxonomy shared by the camera, detection
// and capture services. Only the capture orchestrator, the live loop and the
// HTTP handlers decide what a given error means to the user.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy is returned when the camera or the capture pipeline is already in use.
	ErrBusy = errors.New("busy")
	// ErrCooldown is returned when a capture is requested before the cooldown elapsed.
	ErrCooldown = errors.New("cooldown active")
	// ErrNotReady is returned before the first preview frame has arrived.
	ErrNotReady = errors.New("not ready")
	// ErrNotFound is returned when a stored record does not exist.
	ErrNotFound = errors.New("not found")
)

// DeviceError reports a camera open or I/O failure.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("camera %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// ValidationError reports a rejected setting or argument. It is always
// returned before any device or detector work starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid is a shorthand for building a ValidationError.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StateConflictError reports a request made in a state that cannot accept it.
// Kind is ErrBusy or ErrCooldown; Remaining is set for cooldown rejections.
type StateConflictError struct {
	Kind      error
	Remaining time.Duration
}

func (e *StateConflictError) Error() string {
	if errors.Is(e.Kind, ErrCooldown) {
		return fmt.Sprintf("capture cooldown active, wait %.0f more seconds", e.Remaining.Seconds())
	}
	return fmt.Sprintf("capture rejected: %v", e.Kind)
}

func (e *StateConflictError) Unwrap() error { return e.Kind }

// Busy returns a StateConflictError wrapping ErrBusy.
func Busy() error {
	return &StateConflictError{Kind: ErrBusy}
}

// Cooldown returns a StateConflictError wrapping ErrCooldown.
func Cooldown(remaining time.Duration) error {
	return &StateConflictError{Kind: ErrCooldown, Remaining: remaining}
}

// DetectionTimeoutError reports a detection primitive that did not return
// before its deadline.
type DetectionTimeoutError struct {
	Timeout time.Duration
}

func (e *DetectionTimeoutError) Error() string {
	return fmt.Sprintf("detection timed out after %s", e.Timeout)
}

// Reason maps an error to the short machine-readable reason used in API
// rejections.
func Reason(err error) string {
	var (
		validation *ValidationError
		device     *DeviceError
		timeout    *DetectionTimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCooldown):
		return "cooldown"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &timeout):
		return "detection_timeout"
	case errors.As(err, &device):
		return "device"
	default:
		return "internal"
	}
}

// CooldownRemaining extracts the remaining cooldown from err, or zero.
func CooldownRemaining(err error) time.Duration {
	var conflict *StateConflictError
	if errors.As(err, &conflict) {
		return conflict.Remaining
	}
	return 0
}
