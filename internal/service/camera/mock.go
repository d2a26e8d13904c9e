package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// MockDevice is a synthetic camera producing a moving test pattern. It backs
// CAMERA_DEVICE=mock and the service tests.
type MockDevice struct {
	mu sync.Mutex

	mode   Mode
	open   bool
	frames int

	// Failure and timing knobs, set before use.
	FailOpen  bool
	FailReads int           // next N reads fail
	ReadDelay time.Duration // per read
	ModeDelay time.Duration // per SetMode

	unsupported map[Resolution]bool

	modeChanges []Mode
	opens       int
}

// NewMockDevice returns a closed MockDevice.
func NewMockDevice() *MockDevice {
	return &MockDevice{}
}

func (d *MockDevice) Open(mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailOpen {
		return errors.New("mock: no camera attached")
	}
	d.open = true
	d.mode = mode
	d.opens++
	return nil
}

func (d *MockDevice) SetMode(mode Mode) error {
	d.mu.Lock()
	delay := d.ModeDelay
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.New("mock: device closed")
	}
	if d.unsupported[mode.Resolution] {
		return fmt.Errorf("mock: unsupported mode %s", mode.Resolution)
	}
	d.mode = mode
	d.modeChanges = append(d.modeChanges, mode)
	return nil
}

func (d *MockDevice) Read() ([]byte, int, int, error) {
	d.mu.Lock()
	delay := d.ReadDelay
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return nil, 0, 0, errors.New("mock: device closed")
	}
	if d.FailReads > 0 {
		d.FailReads--
		return nil, 0, 0, errors.New("mock: read timeout")
	}

	d.frames++
	data, err := encodePattern(d.mode, d.frames)
	if err != nil {
		return nil, 0, 0, err
	}
	return data, d.mode.Width, d.mode.Height, nil
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// Mode returns the mode the device is currently in.
func (d *MockDevice) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Frames returns how many frames were read successfully.
func (d *MockDevice) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// ModeChanges returns every mode passed to SetMode, oldest first.
func (d *MockDevice) ModeChanges() []Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Mode(nil), d.modeChanges...)
}

// Opens returns how many times the device was opened.
func (d *MockDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// SetFailReads makes the next n reads fail.
func (d *MockDevice) SetFailReads(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FailReads = n
}

// Reject makes SetMode fail for res.
func (d *MockDevice) Reject(res Resolution) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsupported == nil {
		d.unsupported = make(map[Resolution]bool)
	}
	d.unsupported[res] = true
}

// encodePattern draws a gradient with a bright bar that moves with n.
func encodePattern(mode Mode, n int) ([]byte, error) {
	if mode.Width <= 0 || mode.Height <= 0 {
		return nil, fmt.Errorf("mock: invalid mode %s", mode.Resolution)
	}
	img := image.NewRGBA(image.Rect(0, 0, mode.Width, mode.Height))
	bar := (n * 8) % mode.Width
	for y := 0; y < mode.Height; y++ {
		for x := 0; x < mode.Width; x++ {
			c := color.RGBA{R: uint8(x * 255 / mode.Width), G: uint8(y * 255 / mode.Height), B: 96, A: 255}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	quality := mode.Quality
	if quality <= 0 {
		quality = 75
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("mock: encode: %w", err)
	}
	return buf.Bytes(), nil
}
