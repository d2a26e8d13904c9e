package camera

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"brivet/internal/apperr"
	"brivet/internal/logger"
	"brivet/internal/metrics"
)

var (
	testPreview = Resolution{Width: 64, Height: 48}
	testCapture = Mode{Resolution: Resolution{Width: 320, Height: 240}, Quality: 90}
)

func newTestSource(t *testing.T, dev *MockDevice) *Source {
	t.Helper()
	src := NewSource(dev, Options{Capture: testCapture, Quality: 70, WarmupFrames: 1}, logger.Discard(), metrics.New())
	t.Cleanup(src.Stop)
	return src
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func waitFirstFrame(t *testing.T, src *Source) *Frame {
	t.Helper()
	var frame *Frame
	waitFor(t, 2*time.Second, func() bool {
		f, err := src.LatestPreviewFrame()
		frame = f
		return err == nil
	})
	return frame
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in      string
		want    Resolution
		wantErr bool
	}{
		{"1280x720", Resolution{1280, 720}, false},
		{" 640X480 ", Resolution{640, 480}, false},
		{"1280", Resolution{}, true},
		{"axb", Resolution{}, true},
		{"0x10", Resolution{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseResolution(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResolution(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseResolution(%q) = %v, expected %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsLivePreset(t *testing.T) {
	if !IsLivePreset(Resolution{1280, 1280}) {
		t.Error("1280x1280 should be a live preset")
	}
	if IsLivePreset(Resolution{800, 600}) {
		t.Error("800x600 should not be a live preset")
	}
}

func TestLatestPreviewFrame_NotReady(t *testing.T) {
	src := newTestSource(t, NewMockDevice())

	if _, err := src.LatestPreviewFrame(); !errors.Is(err, apperr.ErrNotReady) {
		t.Errorf("Expected ErrNotReady before preview, got %v", err)
	}
}

func TestIsPreviewPreset(t *testing.T) {
	if !IsPreviewPreset(Resolution{1920, 1080}) {
		t.Error("1920x1080 should be a preview preset")
	}
	if IsPreviewPreset(Resolution{1280, 1280}) {
		t.Error("1280x1280 should not be a preview preset")
	}
}

func TestStartPreview_Idempotent(t *testing.T) {
	dev := NewMockDevice()
	src := newTestSource(t, dev)
	ctx := context.Background()

	if err := src.StartPreview(ctx, testPreview, 50); err != nil {
		t.Fatalf("StartPreview failed: %v", err)
	}
	src.mu.Lock()
	firstDone := src.done
	src.mu.Unlock()

	if err := src.StartPreview(ctx, testPreview, 50); err != nil {
		t.Fatalf("Second StartPreview failed: %v", err)
	}
	src.mu.Lock()
	secondDone := src.done
	src.mu.Unlock()

	if firstDone != secondDone {
		t.Error("Same configuration should not spawn a new preview loop")
	}
	if dev.Opens() != 1 {
		t.Errorf("Expected device opened once, got %d", dev.Opens())
	}
	if n := len(dev.ModeChanges()); n != 0 {
		t.Errorf("Expected no reconfiguration, got %d mode changes", n)
	}

	frame := waitFirstFrame(t, src)
	if frame.Width != testPreview.Width || frame.Height != testPreview.Height {
		t.Errorf("Expected %s frame, got %dx%d", testPreview, frame.Width, frame.Height)
	}
}

func TestStartPreview_Reconfigures(t *testing.T) {
	dev := NewMockDevice()
	src := newTestSource(t, dev)
	ctx := context.Background()

	if err := src.StartPreview(ctx, testPreview, 50); err != nil {
		t.Fatalf("StartPreview failed: %v", err)
	}
	waitFirstFrame(t, src)

	bigger := Resolution{Width: 96, Height: 72}
	if err := src.StartPreview(ctx, bigger, 50); err != nil {
		t.Fatalf("StartPreview with new resolution failed: %v", err)
	}

	if got := src.PreviewMode().Resolution; got != bigger {
		t.Errorf("Expected preview mode %s, got %s", bigger, got)
	}
	waitFor(t, 2*time.Second, func() bool {
		f, _ := src.LatestPreviewFrame()
		return f != nil && f.Width == bigger.Width
	})
}

func TestStartPreview_ReconfigureFailureKeepsPreview(t *testing.T) {
	dev := NewMockDevice()
	src := newTestSource(t, dev)
	ctx := context.Background()

	if err := src.StartPreview(ctx, testPreview, 50); err != nil {
		t.Fatalf("StartPreview failed: %v", err)
	}
	before := waitFirstFrame(t, src)

	unsupported := Resolution{Width: 1920, Height: 1080}
	dev.Reject(unsupported)

	err := src.StartPreview(ctx, unsupported, 50)
	var devErr *apperr.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Expected DeviceError, got %v", err)
	}

	if !src.Running() {
		t.Fatal("Preview should keep running after a failed reconfigure")
	}
	if got := src.PreviewMode(); got.Resolution != testPreview || got.FPS != 50 {
		t.Errorf("Expected preview to stay at %s @ 50 fps, got %s @ %d fps", testPreview, got.Resolution, got.FPS)
	}
	waitFor(t, 2*time.Second, func() bool {
		f, _ := src.LatestPreviewFrame()
		return f != nil && f.Seq > before.Seq+2 && f.Width == testPreview.Width
	})
}

func TestStartPreview_OpenFailure(t *testing.T) {
	dev := NewMockDevice()
	dev.FailOpen = true
	src := newTestSource(t, dev)

	err := src.StartPreview(context.Background(), testPreview, 30)
	var devErr *apperr.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Expected DeviceError, got %v", err)
	}
	if src.Running() {
		t.Error("Preview should not be running after open failure")
	}
}

func TestStartPreview_Validation(t *testing.T) {
	src := newTestSource(t, NewMockDevice())

	if err := src.StartPreview(context.Background(), Resolution{}, 30); apperr.Reason(err) != "validation" {
		t.Errorf("Expected validation error for empty resolution, got %v", err)
	}
	if err := src.StartPreview(context.Background(), testPreview, 0); apperr.Reason(err) != "validation" {
		t.Errorf("Expected validation error for zero fps, got %v", err)
	}
}

func TestApplyPreviewSettings(t *testing.T) {
	src := newTestSource(t, NewMockDevice())
	ctx := context.Background()

	tests := []struct {
		name  string
		res   Resolution
		fps   int
		field string
	}{
		{"not a preset", Resolution{800, 600}, 15, "resolution"},
		{"fps below range", Resolution{640, 480}, MinPreviewFPS - 1, "framerate"},
		{"fps above range", Resolution{640, 480}, MaxPreviewFPS + 1, "framerate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := src.ApplyPreviewSettings(ctx, tt.res, tt.fps)
			var verr *apperr.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("Expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
	if src.Running() {
		t.Error("Rejected settings should not start the preview")
	}

	if err := src.ApplyPreviewSettings(ctx, Resolution{640, 480}, MaxPreviewFPS); err != nil {
		t.Fatalf("ApplyPreviewSettings failed: %v", err)
	}
	if got := src.PreviewMode(); got.Resolution != (Resolution{640, 480}) || got.FPS != MaxPreviewFPS {
		t.Errorf("Expected 640x480 @ %d, got %s @ %d", MaxPreviewFPS, got.Resolution, got.FPS)
	}
}

func TestCaptureHighRes_RestoresPreview(t *testing.T) {
	dev := NewMockDevice()
	src := newTestSource(t, dev)

	if err := src.StartPreview(context.Background(), testPreview, 50); err != nil {
		t.Fatalf("StartPreview failed: %v", err)
	}
	waitFirstFrame(t, src)

	frame, err := src.CaptureHighRes(context.Background())
	if err != nil {
		t.Fatalf("CaptureHighRes failed: %v", err)
	}
	if frame.Width != testCapture.Width || frame.Height != testCapture.Height {
		t.Errorf("Expected %s capture, got %dx%d", testCapture.Resolution, frame.Width, frame.Height)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame.Data))
	if err != nil {
		t.Fatalf("Capture is not a valid JPEG: %v", err)
	}
	if cfg.Width != frame.Width || cfg.Height != frame.Height {
		t.Errorf("JPEG is %dx%d but frame says %dx%d", cfg.Width, cfg.Height, frame.Width, frame.Height)
	}

	if got := dev.Mode().Resolution; got != testPreview {
		t.Errorf("Expected device restored to %s, got %s", testPreview, got)
	}
}

func TestCaptureHighRes_NotOpen(t *testing.T) {
	src := newTestSource(t, NewMockDevice())

	_, err := src.CaptureHighRes(context.Background())
	var devErr *apperr.DeviceError
	if !errors.As(err, &devErr) {
		t.Errorf("Expected DeviceError before preview start, got %v", err)
	}
}

func TestCaptureHighRes_SecondCallerBusy(t *testing.T) {
	dev := NewMockDevice()
	dev.ModeDelay = 100 * time.Millisecond
	src := newTestSource(t, dev)

	if err := src.StartPreview(context.Background(), testPreview, 50); err != nil {
		t.Fatalf("StartPreview failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := src.CaptureHighRes(context.Background())
		errCh <- err
	}()

	waitFor(t, time.Second, src.busy.Load)

	if _, err := src.CaptureHighRes(context.Background()); !errors.Is(err, apperr.ErrBusy) {
		t.Errorf("Expected ErrBusy for concurrent capture, got %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("First capture failed: %v", err)
	}
}

func TestConcurrentPreviewReads_DuringCapture(t *testing.T) {
	dev := NewMockDevice()
	dev.ModeDelay = 50 * time.Millisecond
	src := newTestSource(t, dev)

	if err := src.StartPreview(context.Background(), testPreview, 50); err != nil {
		t.Fatalf("StartPreview failed: %v", err)
	}
	waitFirstFrame(t, src)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				start := time.Now()
				frame, err := src.LatestPreviewFrame()
				if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
					errs <- errors.New("preview read blocked during capture")
					return
				}
				if err != nil {
					errs <- err
					return
				}
				cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame.Data))
				if err != nil || cfg.Width != frame.Width || cfg.Height != frame.Height || frame.Width != testPreview.Width {
					errs <- errors.New("preview read returned an inconsistent frame")
					return
				}
			}
		}()
	}

	if _, err := src.CaptureHighRes(context.Background()); err != nil {
		t.Errorf("CaptureHighRes failed: %v", err)
	}
	close(stop)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestPreview_RecoversFromReadErrors(t *testing.T) {
	dev := NewMockDevice()
	src := newTestSource(t, dev)

	if err := src.StartPreview(context.Background(), testPreview, 50); err != nil {
		t.Fatalf("StartPreview failed: %v", err)
	}
	first := waitFirstFrame(t, src)

	dev.SetFailReads(3)

	// the last good frame stays available while reads fail
	if f, err := src.LatestPreviewFrame(); err != nil || f == nil {
		t.Fatalf("Expected last good frame during failures, got %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		f, _ := src.LatestPreviewFrame()
		return f.Seq > first.Seq+1 && src.metrics.PreviewReadErrors.Load() >= 3
	})
	if !src.Running() {
		t.Error("Preview loop should survive read errors")
	}
}

func TestSubscribe(t *testing.T) {
	src := newTestSource(t, NewMockDevice())
	id, ch := src.Subscribe()

	if err := src.StartPreview(context.Background(), testPreview, 50); err != nil {
		t.Fatalf("StartPreview failed: %v", err)
	}

	select {
	case frame := <-ch:
		if frame == nil || len(frame.Data) == 0 {
			t.Error("Expected a frame from the subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No frame delivered to subscriber")
	}

	src.Unsubscribe(id)
	waitFor(t, time.Second, func() bool {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	})
}
