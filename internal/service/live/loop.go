// Package live runs single-tile detection over preview frames for the live
// view. Results are kept in memory only.
package live

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"brivet/internal/apperr"
	"brivet/internal/logger"
	"brivet/internal/metrics"
	"brivet/internal/service/camera"
	"brivet/internal/service/detect"
)

const (
	fpsWindow = 2 * time.Second
	// idlePoll is how often the loop looks for a new preview frame.
	idlePoll = 10 * time.Millisecond
)

// FrameSource is the preview side of camera.Source.
type FrameSource interface {
	StartPreview(ctx context.Context, res camera.Resolution, fps int) error
	PreviewMode() camera.Mode
	LatestPreviewFrame() (*camera.Frame, error)
}

type Detector interface {
	Detect(ctx context.Context, img image.Image, grid int, threshold float32) (*detect.Result, error)
}

// FramePublisher receives annotated JPEGs, e.g. an MJPEG stream.
type FramePublisher interface {
	UpdateJPEG(jpeg []byte)
}

type Options struct {
	MaxFPS  int
	Quality int
}

// Status is the live view state.
type Status struct {
	Active      bool
	FPS         float64
	ObjectCount int
	Confidence  float32
	Resolution  camera.Resolution
	Boxes       []detect.Box
	LastError   string
}

// Loop owns the live detection goroutine. mu is never held across a
// detection call.
type Loop struct {
	src       FrameSource
	detector  Detector
	publisher FramePublisher
	opts      Options
	logger    *logger.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	active     bool
	confidence float32
	resolution camera.Resolution
	resChanged bool
	prevMode   camera.Mode
	objects    int
	boxes      []detect.Box
	lastError  string
	ticks      []time.Time
	stop       chan struct{}
	done       chan struct{}
	stopped    chan struct{} // non-nil while a Stop is in progress
}

func NewLoop(src FrameSource, detector Detector, publisher FramePublisher, opts Options, logger *logger.Logger, metrics *metrics.Metrics) *Loop {
	if opts.MaxFPS <= 0 {
		opts.MaxFPS = 10
	}
	if opts.Quality <= 0 {
		opts.Quality = 75
	}
	return &Loop{
		src:       src,
		detector:  detector,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
	}
}

func validateResolution(res camera.Resolution) error {
	if !camera.IsLivePreset(res) {
		return apperr.Invalid("resolution", "%s is not a supported live resolution", res)
	}
	return nil
}

// Start switches the preview to res and begins detecting on every new
// preview frame.
func (l *Loop) Start(ctx context.Context, confidence float32, res camera.Resolution) error {
	if err := detect.ValidateConfidence(confidence); err != nil {
		return err
	}
	if err := validateResolution(res); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active {
		return apperr.Invalid("live", "detection is already running")
	}

	prev := l.src.PreviewMode()
	if err := l.src.StartPreview(ctx, res, prev.FPS); err != nil {
		return err
	}

	l.active = true
	l.confidence = confidence
	l.resolution = res
	l.resChanged = false
	l.prevMode = prev
	l.objects = 0
	l.boxes = nil
	l.lastError = ""
	l.ticks = l.ticks[:0]
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(l.stop, l.done, prev.FPS)

	l.logger.Info("🔴 Live detection started at %s, confidence %.2f", res, confidence)
	return nil
}

// UpdateSettings changes confidence and/or resolution. The running loop picks
// them up on its next iteration.
func (l *Loop) UpdateSettings(confidence *float32, res *camera.Resolution) error {
	if confidence != nil {
		if err := detect.ValidateConfidence(*confidence); err != nil {
			return err
		}
	}
	if res != nil {
		if err := validateResolution(*res); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if confidence != nil {
		l.confidence = *confidence
	}
	if res != nil && *res != l.resolution {
		l.resolution = *res
		l.resChanged = l.active
	}
	return nil
}

// Stop ends the loop after the current iteration and restores the preview
// resolution that was active before Start. The preview itself keeps running.
// Concurrent callers all return once the first one has finished.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return nil
	}
	if l.stopped != nil {
		stopped := l.stopped
		l.mu.Unlock()
		<-stopped
		return nil
	}
	stopped := make(chan struct{})
	l.stopped = stopped
	close(l.stop)
	done := l.done
	prev := l.prevMode
	l.mu.Unlock()

	<-done

	l.metrics.SetLive(0, 0)
	err := l.src.StartPreview(context.Background(), prev.Resolution, prev.FPS)

	l.mu.Lock()
	l.active = false
	l.stopped = nil
	l.ticks = l.ticks[:0]
	l.mu.Unlock()
	close(stopped)

	if err != nil {
		l.logger.Error("Failed to restore preview at %s: %v", prev.Resolution, err)
		return err
	}

	l.logger.Info("Live detection stopped, preview back at %s", prev.Resolution)
	return nil
}

// Status returns the live state. FPS is computed over the last two seconds.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Status{
		Active:      l.active,
		FPS:         l.fpsLocked(time.Now()),
		ObjectCount: l.objects,
		Confidence:  l.confidence,
		Resolution:  l.resolution,
		Boxes:       l.boxes,
		LastError:   l.lastError,
	}
}

func (l *Loop) fpsLocked(now time.Time) float64 {
	cutoff := now.Add(-fpsWindow)
	i := 0
	for i < len(l.ticks) && l.ticks[i].Before(cutoff) {
		i++
	}
	l.ticks = l.ticks[i:]

	if len(l.ticks) < 2 {
		return 0
	}
	span := l.ticks[len(l.ticks)-1].Sub(l.ticks[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(l.ticks)-1) / span
}

func (l *Loop) run(stop, done chan struct{}, fps int) {
	defer close(done)

	minInterval := time.Second / time.Duration(l.opts.MaxFPS)
	var lastSeq uint64

	for {
		select {
		case <-stop:
			return
		default:
		}

		l.mu.Lock()
		confidence := l.confidence
		res := l.resolution
		reconfigure := l.resChanged
		l.resChanged = false
		l.mu.Unlock()

		if reconfigure {
			if err := l.src.StartPreview(context.Background(), res, fps); err != nil {
				l.setError(err)
				l.logger.Error("Failed to switch live resolution to %s: %v", res, err)
			} else {
				l.logger.Info("Live resolution changed to %s", res)
			}
		}

		frame, err := l.src.LatestPreviewFrame()
		if err != nil || frame.Seq == lastSeq {
			if !sleep(stop, idlePoll) {
				return
			}
			continue
		}
		lastSeq = frame.Seq

		started := time.Now()
		if err := l.detectFrame(frame, confidence); err != nil {
			l.setError(err)
			l.logger.Warning("Live detection failed: %v", err)
		}

		if wait := minInterval - time.Since(started); wait > 0 {
			if !sleep(stop, wait) {
				return
			}
		}
	}
}

func (l *Loop) detectFrame(frame *camera.Frame, confidence float32) error {
	img, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return err
	}

	res, err := l.detector.Detect(context.Background(), img, 1, confidence)
	if err != nil {
		return err
	}

	if l.publisher != nil {
		if data, err := detect.EncodeJPEG(res.Annotated, l.opts.Quality); err == nil {
			l.publisher.UpdateJPEG(data)
		} else {
			l.logger.Warning("Failed to encode live frame: %v", err)
		}
	}

	now := time.Now()
	l.mu.Lock()
	l.objects = res.Count
	l.boxes = res.Boxes
	l.lastError = ""
	l.ticks = append(l.ticks, now)
	fps := l.fpsLocked(now)
	l.mu.Unlock()

	l.metrics.LiveIterations.Add(1)
	l.metrics.SetLive(fps, res.Count)
	return nil
}

func (l *Loop) setError(err error) {
	l.mu.Lock()
	l.lastError = err.Error()
	l.mu.Unlock()
}

// sleep waits for d and reports false if stop closed first.
func sleep(stop <-chan struct{}, d time.Duration) bool {
	select {
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}
