// Package capture runs the high-resolution capture pipeline and decides
// when a capture may start: manual requests, the cooldown between captures
// and automated capture series.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"brivet/internal/apperr"
	"brivet/internal/logger"
	"brivet/internal/metrics"
	"brivet/internal/model"
	"brivet/internal/service/camera"
	"brivet/internal/service/detect"
)

// Cooldown is the minimum time between the end of one capture and the start
// of the next.
const Cooldown = 45 * time.Second

const (
	modeManual    = "manual"
	modeAutomated = "automated"
)

type State string

const (
	StateIdle       State = "idle"
	StateCooling    State = "cooling"
	StateProcessing State = "processing"
	StateAutomated  State = "automated"
)

// Camera produces full resolution frames.
type Camera interface {
	CaptureHighRes(ctx context.Context) (*camera.Frame, error)
}

// Detector runs tiled detection on a decoded image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, grid int, threshold float32) (*detect.Result, error)
}

// ResultStore persists capture outcomes.
type ResultStore interface {
	Save(ctx context.Context, source *camera.Frame, res *detect.Result, settings detect.Settings) (*model.CaptureRecord, error)
	SaveFailure(ctx context.Context, source *camera.Frame, settings detect.Settings, cause error, duration time.Duration) (*model.CaptureRecord, error)
}

type Options struct {
	// CaptureTimeout bounds the camera read, detection has its own deadline.
	CaptureTimeout time.Duration
	Clock          Clock
}

// Summary describes a finished capture.
type Summary struct {
	RecordID      int64
	Status        string
	Error         string
	ObjectCount   int
	Duration      time.Duration
	ImageFilename string
	Timestamp     time.Time
	Settings      detect.Settings
	Detections    []model.Detection
}

// AutomationStatus is the progress of an automated series.
type AutomationStatus struct {
	Done     int
	Max      int
	Interval time.Duration
	NextIn   time.Duration
}

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	State             State
	CooldownRemaining time.Duration
	Automated         *AutomationStatus
	LastResult        *Summary
	LastError         string
	Settings          detect.Settings
}

type automation struct {
	interval time.Duration
	max      int
	count    int
	next     time.Time
	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

// Orchestrator owns the capture state machine. Its lock is never held while
// the camera, the detector or the store are working.
type Orchestrator struct {
	cam      Camera
	detector Detector
	store    ResultStore
	settings *SettingsStore
	opts     Options
	clock    Clock
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	processing  bool
	lastCapture time.Time
	lastResult  *Summary
	lastError   string
	auto        *automation
}

func NewOrchestrator(cam Camera, detector Detector, store ResultStore, settings *SettingsStore, opts Options, logger *logger.Logger, metrics *metrics.Metrics) *Orchestrator {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 10 * time.Second
	}
	return &Orchestrator{
		cam:      cam,
		detector: detector,
		store:    store,
		settings: settings,
		opts:     opts,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// Settings returns the settings store the pipeline snapshots from.
func (o *Orchestrator) Settings() *SettingsStore {
	return o.settings
}

func (o *Orchestrator) stateLocked(now time.Time) State {
	switch {
	case o.auto != nil:
		return StateAutomated
	case o.processing:
		return StateProcessing
	case o.cooldownLocked(now) > 0:
		return StateCooling
	default:
		return StateIdle
	}
}

func (o *Orchestrator) cooldownLocked(now time.Time) time.Duration {
	if o.lastCapture.IsZero() {
		return 0
	}
	remaining := o.lastCapture.Add(Cooldown).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RequestCapture runs one capture synchronously. It is rejected with ErrBusy
// while another capture or an automated series is running, and with
// ErrCooldown before the cooldown has elapsed. Cancelling ctx does not abort
// a capture once it has been accepted.
func (o *Orchestrator) RequestCapture(ctx context.Context) (*Summary, error) {
	o.mu.Lock()
	if o.auto != nil || o.processing {
		o.mu.Unlock()
		o.metrics.ObserveCapture(modeManual, metrics.ResultRejected, 0)
		return nil, apperr.Busy()
	}
	if remaining := o.cooldownLocked(o.clock.Now()); remaining > 0 {
		o.mu.Unlock()
		o.metrics.ObserveCapture(modeManual, metrics.ResultRejected, 0)
		return nil, apperr.Cooldown(remaining)
	}
	o.processing = true
	o.mu.Unlock()

	return o.run(context.WithoutCancel(ctx), modeManual)
}

// run executes the pipeline. The caller must have set processing.
func (o *Orchestrator) run(ctx context.Context, mode string) (*Summary, error) {
	settings := o.settings.Get()
	start := o.clock.Now()

	var frame *camera.Frame
	rec, err := func() (*model.CaptureRecord, error) {
		capCtx, cancel := context.WithTimeout(ctx, o.opts.CaptureTimeout)
		defer cancel()

		var err error
		frame, err = o.cam.CaptureHighRes(capCtx)
		if err != nil {
			return nil, err
		}

		img, err := jpeg.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode capture: %w", err)
		}

		res, err := o.detector.Detect(ctx, img, settings.GridSize, settings.Confidence)
		if err != nil {
			return nil, err
		}

		return o.store.Save(ctx, frame, res, settings)
	}()

	duration := o.clock.Now().Sub(start)
	result := metrics.ResultOK

	var summary *Summary
	if err != nil {
		result = metrics.ResultFailed
		o.logger.Error("❌ %s capture failed after %s: %v", mode, duration.Round(time.Millisecond), err)

		failed, serr := o.store.SaveFailure(ctx, frame, settings, err, duration)
		if serr != nil {
			o.logger.Error("Error recording failed capture: %v", serr)
		} else {
			summary = summaryOf(failed, settings, duration)
		}
	} else {
		summary = summaryOf(rec, settings, duration)
		o.logger.Info("🎯 %s capture done: %d objects in %s (grid %d, confidence %.2f)",
			mode, rec.ObjectCount, duration.Round(time.Millisecond), settings.GridSize, settings.Confidence)
	}

	o.mu.Lock()
	o.processing = false
	o.lastCapture = o.clock.Now()
	if err != nil {
		o.lastError = err.Error()
	} else {
		o.lastError = ""
		o.lastResult = summary
	}
	o.mu.Unlock()

	o.metrics.ObserveCapture(mode, result, duration)
	return summary, err
}

func summaryOf(rec *model.CaptureRecord, settings detect.Settings, duration time.Duration) *Summary {
	return &Summary{
		RecordID:      rec.ID,
		Status:        rec.Status,
		Error:         rec.Error,
		ObjectCount:   rec.ObjectCount,
		Duration:      duration,
		ImageFilename: rec.ImageFilename,
		Timestamp:     rec.Timestamp,
		Settings:      settings,
		Detections:    rec.Detections,
	}
}

// StartAutomated begins a series of maxCount captures, interval apart. Failed
// captures count towards maxCount.
func (o *Orchestrator) StartAutomated(interval time.Duration, maxCount int) error {
	if interval < Cooldown {
		return apperr.Invalid("interval", "must be at least %.0f seconds, got %.0f", Cooldown.Seconds(), interval.Seconds())
	}
	if maxCount < 1 {
		return apperr.Invalid("max_captures", "must be at least 1, got %d", maxCount)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.auto != nil {
		return apperr.Invalid("automation", "already running (%d/%d done)", o.auto.count, o.auto.max)
	}
	if o.processing {
		return apperr.Busy()
	}

	a := &automation{
		interval: interval,
		max:      maxCount,
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	o.auto = a
	go o.runAutomation(a)

	o.logger.Info("🔁 Automated capture started: %d captures every %s", maxCount, interval)
	return nil
}

// StopAutomated stops the running series and waits for it to exit. A capture
// already in progress completes first. Stopping when nothing runs is a no-op.
func (o *Orchestrator) StopAutomated(ctx context.Context) error {
	o.mu.Lock()
	a := o.auto
	o.mu.Unlock()

	if a == nil {
		return nil
	}
	a.stopOnce.Do(func() { close(a.stop) })

	select {
	case <-a.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) runAutomation(a *automation) {
	defer close(a.finished)
	defer o.releaseAutomation(a)

	for {
		o.mu.Lock()
		now := o.clock.Now()
		next := now
		if !o.lastCapture.IsZero() {
			if t := o.lastCapture.Add(a.interval); t.After(now) {
				next = t
			}
		}
		a.next = next
		o.mu.Unlock()

		if wait := next.Sub(now); wait > 0 {
			select {
			case <-a.stop:
				o.logger.Info("Automated capture stopped at %d/%d", a.count, a.max)
				return
			case <-o.clock.After(wait):
			}
		}

		select {
		case <-a.stop:
			o.logger.Info("Automated capture stopped at %d/%d", a.count, a.max)
			return
		default:
		}

		o.mu.Lock()
		o.processing = true
		o.mu.Unlock()

		if _, err := o.run(context.Background(), modeAutomated); err != nil {
			o.logger.Warning("Automated capture %d/%d failed: %v", a.count+1, a.max, err)
		}

		o.mu.Lock()
		a.count++
		complete := a.count >= a.max
		o.mu.Unlock()

		if complete {
			o.logger.Info("✅ Automated capture finished: %d captures", a.count)
			return
		}
	}
}

func (o *Orchestrator) releaseAutomation(a *automation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.auto == a {
		o.auto = nil
	}
}

// Status returns the current state. Cooling ends lazily here, there is no
// timer behind it.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	st := Status{
		State:             o.stateLocked(now),
		CooldownRemaining: o.cooldownLocked(now),
		LastResult:        o.lastResult,
		LastError:         o.lastError,
		Settings:          o.settings.Get(),
	}
	if a := o.auto; a != nil {
		nextIn := a.next.Sub(now)
		if nextIn < 0 || o.processing {
			nextIn = 0
		}
		st.Automated = &AutomationStatus{
			Done:     a.count,
			Max:      a.max,
			Interval: a.interval,
			NextIn:   nextIn,
		}
	}
	return st
}
