package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"brivet/internal/apperr"
	"brivet/internal/logger"
	"brivet/internal/metrics"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
	// subscriberBuffer frames are queued per viewer before frames get skipped.
	subscriberBuffer = 2
)

// Options configures a Source.
type Options struct {
	Capture      Mode // High-resolution mode used by CaptureHighRes
	Quality      int  // Preview JPEG quality
	WarmupFrames int  // Stale frames discarded after switching to the capture mode
}

// Source owns the camera device. A background loop keeps the latest preview
// frame in a single slot; CaptureHighRes borrows the device for one
// high-resolution frame and then restores the preview mode.
type Source struct {
	dev     Device
	opts    Options
	logger  *logger.Logger
	metrics *metrics.Metrics

	// devMu serializes all device calls. mode is written with both mu and
	// devMu held, so holding either one is enough to read it.
	devMu  sync.Mutex
	opened bool
	mode   Mode

	latest atomic.Pointer[Frame]
	seq    atomic.Uint64
	busy   atomic.Bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	subsMu sync.Mutex
	subs   map[int]chan *Frame
	nextID int
}

// NewSource creates a Source around dev. The device is opened by the first StartPreview.
func NewSource(dev Device, opts Options, logger *logger.Logger, metrics *metrics.Metrics) *Source {
	if opts.Quality <= 0 {
		opts.Quality = 75
	}
	return &Source{
		dev:     dev,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		subs:    make(map[int]chan *Frame),
	}
}

// StartPreview starts the background preview loop at res/fps. Calling it again
// with the same configuration is a no-op; a different configuration restarts
// the loop on the reconfigured device.
func (s *Source) StartPreview(ctx context.Context, res Resolution, fps int) error {
	if res.Width <= 0 || res.Height <= 0 {
		return apperr.Invalid("resolution", "must be positive, got %s", res)
	}
	if fps <= 0 {
		return apperr.Invalid("fps", "must be positive, got %d", fps)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mode := Mode{Resolution: res, FPS: fps, Quality: s.opts.Quality}
	if s.running && s.mode == mode {
		return nil
	}
	wasRunning := s.running
	if wasRunning {
		s.stopLoopLocked()
	}

	if err := s.configure(mode); err != nil {
		// The device keeps its previous mode, so the old preview resumes.
		if wasRunning {
			s.startLoopLocked()
			s.logger.Warning("Preview reconfigure to %s failed, staying at %s: %v", res, s.mode.Resolution, err)
		}
		return err
	}

	s.startLoopLocked()
	s.logger.Info("📷 Preview started at %s, %d fps", res, fps)
	return nil
}

// startLoopLocked runs the preview loop at s.mode.
func (s *Source) startLoopLocked() {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.run(s.stop, s.done, time.Second/time.Duration(s.mode.FPS))
}

// ApplyPreviewSettings switches the preview to a user-chosen preset and frame
// rate. Unlike StartPreview it only accepts PreviewPresets and fps within
// [MinPreviewFPS, MaxPreviewFPS].
func (s *Source) ApplyPreviewSettings(ctx context.Context, res Resolution, fps int) error {
	if !IsPreviewPreset(res) {
		return apperr.Invalid("resolution", "%s is not a supported preview resolution", res)
	}
	if fps < MinPreviewFPS || fps > MaxPreviewFPS {
		return apperr.Invalid("framerate", "must be between %d and %d, got %d", MinPreviewFPS, MaxPreviewFPS, fps)
	}
	return s.StartPreview(ctx, res, fps)
}

// configure opens the device on first use, otherwise switches its mode.
func (s *Source) configure(mode Mode) error {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	if !s.opened {
		if err := s.dev.Open(mode); err != nil {
			return &apperr.DeviceError{Op: "open", Err: err}
		}
		s.opened = true
	} else if err := s.dev.SetMode(mode); err != nil {
		return &apperr.DeviceError{Op: "configure", Err: err}
	}
	s.mode = mode
	return nil
}

// PreviewMode returns the current preview configuration.
func (s *Source) PreviewMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Running reports whether the preview loop is active.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LatestPreviewFrame returns the most recent preview frame without blocking.
func (s *Source) LatestPreviewFrame() (*Frame, error) {
	frame := s.latest.Load()
	if frame == nil {
		return nil, apperr.ErrNotReady
	}
	return frame, nil
}

// CaptureHighRes switches the device to the capture mode, reads one frame and
// switches back. Preview readers keep getting the last published frame in the
// meantime. A concurrent second call fails with ErrBusy.
func (s *Source) CaptureHighRes(ctx context.Context) (*Frame, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, apperr.Busy()
	}
	defer s.busy.Store(false)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.devMu.Lock()
	defer s.devMu.Unlock()

	if !s.opened {
		return nil, &apperr.DeviceError{Op: "capture", Err: errors.New("device not open")}
	}

	preview := s.mode
	capture := s.opts.Capture
	if capture.FPS <= 0 {
		capture.FPS = preview.FPS
	}
	if err := s.dev.SetMode(capture); err != nil {
		s.restore(preview)
		return nil, &apperr.DeviceError{Op: "configure", Err: err}
	}
	defer s.restore(preview)

	for i := 0; i < s.opts.WarmupFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, _, _, err := s.dev.Read(); err != nil {
			s.logger.Debug("Warm-up read %d failed: %v", i+1, err)
		}
	}

	data, width, height, err := s.dev.Read()
	if err != nil {
		return nil, &apperr.DeviceError{Op: "read", Err: err}
	}
	s.metrics.HighResCaptures.Add(1)

	return &Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Timestamp: time.Now(),
		Seq:       s.seq.Add(1),
	}, nil
}

// restore puts the device back into the preview mode. Called with devMu held.
func (s *Source) restore(preview Mode) {
	if err := s.dev.SetMode(preview); err != nil {
		s.logger.Error("Failed to restore preview mode %s: %v", preview.Resolution, err)
	}
}

// Subscribe adds a viewer and returns a channel receiving new preview frames.
func (s *Source) Subscribe() (int, <-chan *Frame) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan *Frame, subscriberBuffer)
	s.subs[id] = ch

	s.logger.Debug("Preview subscriber #%d added (total: %d)", id, len(s.subs))
	return id, ch
}

// Unsubscribe removes a viewer and closes its channel.
func (s *Source) Unsubscribe(id int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
		s.logger.Debug("Preview subscriber #%d removed (remaining: %d)", id, len(s.subs))
	}
}

func (s *Source) publish(frame *Frame) {
	s.latest.Store(frame)
	s.metrics.PreviewFrames.Add(1)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- frame:
		default:
			s.metrics.SubscriberDrops.Add(1)
		}
	}
}

func (s *Source) run(stop, done chan struct{}, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	backoff := minBackoff
	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		err := s.readPreview()
		if err == nil {
			if failures > 0 {
				s.logger.Info("📷 Preview recovered after %d failed reads", failures)
			}
			failures = 0
			backoff = minBackoff
			continue
		}
		if errors.Is(err, errDeviceBusy) {
			continue
		}

		failures++
		s.metrics.PreviewReadErrors.Add(1)
		if failures == 1 || failures%50 == 0 {
			s.logger.Warning("Preview read failed (%d in a row), retrying in %s: %v", failures, backoff, err)
		}

		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

var errDeviceBusy = errors.New("device reconfiguring")

// readPreview reads one preview frame. While CaptureHighRes holds the device
// the tick is skipped so the last frame stays published.
func (s *Source) readPreview() error {
	if !s.devMu.TryLock() {
		return errDeviceBusy
	}
	data, width, height, err := s.dev.Read()
	s.devMu.Unlock()
	if err != nil {
		return err
	}

	s.publish(&Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Timestamp: time.Now(),
		Seq:       s.seq.Add(1),
	})
	return nil
}

func (s *Source) stopLoopLocked() {
	close(s.stop)
	<-s.done
	s.running = false
}

// Stop halts the preview loop, closes the device and disconnects all viewers.
func (s *Source) Stop() {
	s.mu.Lock()
	if s.running {
		s.stopLoopLocked()
	}
	s.mu.Unlock()

	s.devMu.Lock()
	if s.opened {
		if err := s.dev.Close(); err != nil {
			s.logger.Warning("Failed to close camera: %v", err)
		}
		s.opened = false
	}
	s.devMu.Unlock()

	s.subsMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()

	s.logger.Info("📷 Camera stopped")
}
