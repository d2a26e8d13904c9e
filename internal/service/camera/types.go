package camera

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolution parses "WIDTHxHEIGHT".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("resolution %q is not WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolution %q: bad width: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolution %q: bad height: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return Resolution{}, fmt.Errorf("resolution %q must be positive", s)
	}
	return Resolution{Width: width, Height: height}, nil
}

// PreviewPresets are the resolutions a user may pick for the preview stream.
var PreviewPresets = []Resolution{
	{Width: 640, Height: 480},
	{Width: 1280, Height: 720},
	{Width: 1920, Height: 1080},
}

// Frame rate bounds for user preview settings.
const (
	MinPreviewFPS = 1
	MaxPreviewFPS = 30
)

// IsPreviewPreset reports whether r is one of PreviewPresets.
func IsPreviewPreset(r Resolution) bool {
	for _, p := range PreviewPresets {
		if p == r {
			return true
		}
	}
	return false
}

// LivePresets are the resolutions offered for live detection.
var LivePresets = []Resolution{
	{Width: 640, Height: 480},
	{Width: 1280, Height: 720},
	{Width: 1280, Height: 1280},
	{Width: 1920, Height: 1080},
}

// IsLivePreset reports whether r is one of LivePresets.
func IsLivePreset(r Resolution) bool {
	for _, p := range LivePresets {
		if p == r {
			return true
		}
	}
	return false
}

// Mode is a device configuration.
type Mode struct {
	Resolution
	FPS     int
	Quality int // JPEG quality 1-100
}

// Frame is one JPEG-encoded image read from the device. Frames are published
// once and never modified afterwards, so holders must treat Data as read-only.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
	Seq       uint64
}

// Device is the physical camera. Implementations need not be safe for
// concurrent use; Source serializes every call.
type Device interface {
	Open(mode Mode) error
	SetMode(mode Mode) error
	// Read returns one JPEG-encoded frame at the current mode.
	Read() (data []byte, width, height int, err error)
	Close() error
}
