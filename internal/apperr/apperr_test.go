package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestReason(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"cooldown", Cooldown(10 * time.Second), "cooldown"},
		{"busy", Busy(), "busy"},
		{"wrapped busy", fmt.Errorf("capture: %w", Busy()), "busy"},
		{"validation", Invalid("grid_size", "must be between 1 and 8, got %d", 9), "validation"},
		{"timeout", &DetectionTimeoutError{Timeout: time.Second}, "detection_timeout"},
		{"device", &DeviceError{Op: "open", Err: errors.New("no such device")}, "device"},
		{"not found", fmt.Errorf("record 4: %w", ErrNotFound), "not_found"},
		{"not ready", ErrNotReady, "not_ready"},
		{"other", errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reason(tt.err); got != tt.expected {
				t.Errorf("Reason(%v) = %q, expected %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestCooldownRemaining(t *testing.T) {
	err := fmt.Errorf("request: %w", Cooldown(12*time.Second))
	if got := CooldownRemaining(err); got != 12*time.Second {
		t.Errorf("Expected 12s remaining, got %s", got)
	}
	if got := CooldownRemaining(Busy()); got != 0 {
		t.Errorf("Expected zero remaining for busy, got %s", got)
	}
}

func TestDeviceError_Unwrap(t *testing.T) {
	inner := errors.New("ioctl failed")
	err := &DeviceError{Op: "read", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("DeviceError should unwrap to its cause")
	}
}
