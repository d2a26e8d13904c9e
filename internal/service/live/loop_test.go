package live

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"brivet/internal/apperr"
	"brivet/internal/logger"
	"brivet/internal/metrics"
	"brivet/internal/service/camera"
	"brivet/internal/service/detect"
)

type fakeSource struct {
	mu     sync.Mutex
	mode   camera.Mode
	starts []camera.Resolution
	frame  *camera.Frame
	data   []byte
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	data, err := detect.EncodeJPEG(image.NewRGBA(image.Rect(0, 0, 64, 48)), 80)
	if err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}
	return &fakeSource{
		mode: camera.Mode{Resolution: camera.Resolution{Width: 640, Height: 480}, FPS: 24},
		data: data,
	}
}

func (s *fakeSource) StartPreview(ctx context.Context, res camera.Resolution, fps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = camera.Mode{Resolution: res, FPS: fps}
	s.starts = append(s.starts, res)
	return nil
}

func (s *fakeSource) PreviewMode() camera.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *fakeSource) LatestPreviewFrame() (*camera.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, apperr.ErrNotReady
	}
	return s.frame, nil
}

// push publishes a new frame with the next sequence number.
func (s *fakeSource) push() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq uint64 = 1
	if s.frame != nil {
		seq = s.frame.Seq + 1
	}
	s.frame = &camera.Frame{Data: s.data, Width: 64, Height: 48, Timestamp: time.Now(), Seq: seq}
}

func (s *fakeSource) startedWith() []camera.Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]camera.Resolution(nil), s.starts...)
}

type recordingPublisher struct {
	frames atomic.Int64
}

func (p *recordingPublisher) UpdateJPEG(jpeg []byte) {
	if len(jpeg) > 0 {
		p.frames.Add(1)
	}
}

type countingPrimitive struct {
	calls atomic.Int64
}

func (p *countingPrimitive) Detect(ctx context.Context, tile image.Image) ([]detect.Box, error) {
	p.calls.Add(1)
	return []detect.Box{
		{Label: "person", Confidence: 0.9, Rect: image.Rect(2, 2, 20, 30)},
		{Label: "dog", Confidence: 0.4, Rect: image.Rect(30, 10, 60, 40)},
	}, nil
}

func newTestLoop(t *testing.T, src FrameSource, p detect.Primitive, pub FramePublisher) *Loop {
	t.Helper()
	log := logger.Discard()
	m := metrics.New()
	l := NewLoop(src, detect.NewTileDetector(p, detect.DefaultOptions, log, m), pub, Options{MaxFPS: 100}, log, m)
	t.Cleanup(func() { l.Stop() })
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var hd = camera.Resolution{Width: 1280, Height: 720}

func TestLoop_DetectsEachFrameOnce(t *testing.T) {
	src := newFakeSource(t)
	prim := &countingPrimitive{}
	pub := &recordingPublisher{}
	l := newTestLoop(t, src, prim, pub)

	if err := l.Start(context.Background(), 0.5, hd); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	src.push()
	waitFor(t, "first detection", func() bool { return prim.calls.Load() == 1 })

	time.Sleep(50 * time.Millisecond)
	if got := prim.calls.Load(); got != 1 {
		t.Errorf("Same frame should be detected once, got %d calls", got)
	}

	src.push()
	waitFor(t, "second detection", func() bool { return prim.calls.Load() == 2 })
	waitFor(t, "second publish", func() bool { return pub.frames.Load() == 2 })
	waitFor(t, "status update", func() bool { return l.Status().ObjectCount == 1 })

	st := l.Status()
	if !st.Active {
		t.Error("Expected active status")
	}
	if st.Resolution != hd || st.Confidence != 0.5 {
		t.Errorf("Unexpected status: %+v", st)
	}
}

func TestLoop_FPS(t *testing.T) {
	src := newFakeSource(t)
	prim := &countingPrimitive{}
	l := newTestLoop(t, src, prim, nil)

	if err := l.Start(context.Background(), 0.25, hd); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		src.push()
		want := int64(i + 1)
		waitFor(t, "detection", func() bool { return prim.calls.Load() == want })
		time.Sleep(20 * time.Millisecond)
	}

	if fps := l.Status().FPS; fps <= 0 {
		t.Errorf("Expected positive fps, got %v", fps)
	}
}

func TestLoop_StartValidation(t *testing.T) {
	src := newFakeSource(t)
	l := newTestLoop(t, src, &countingPrimitive{}, nil)

	var verr *apperr.ValidationError
	if err := l.Start(context.Background(), 0.5, camera.Resolution{Width: 800, Height: 600}); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for non-preset resolution, got %v", err)
	}
	if err := l.Start(context.Background(), 2, hd); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for confidence 2, got %v", err)
	}
	if len(src.startedWith()) != 0 {
		t.Error("Rejected start must not touch the preview")
	}

	if err := l.Start(context.Background(), 0.5, hd); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Start(context.Background(), 0.5, hd); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for second start, got %v", err)
	}
}

func TestLoop_UpdateSettingsReconfiguresPreview(t *testing.T) {
	src := newFakeSource(t)
	prim := &countingPrimitive{}
	l := newTestLoop(t, src, prim, nil)

	if err := l.Start(context.Background(), 0.5, hd); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	conf := float32(0.3)
	square := camera.Resolution{Width: 1280, Height: 1280}
	if err := l.UpdateSettings(&conf, &square); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	waitFor(t, "preview reconfigure", func() bool { return src.PreviewMode().Resolution == square })

	src.push()
	waitFor(t, "detection", func() bool { return prim.calls.Load() == 1 })
	waitFor(t, "status update", func() bool { return l.Status().ObjectCount == 2 })

	bad := camera.Resolution{Width: 10, Height: 10}
	if err := l.UpdateSettings(nil, &bad); err == nil {
		t.Error("Expected error for unsupported resolution")
	}
	if got := l.Status().Resolution; got != square {
		t.Errorf("Rejected update changed resolution to %s", got)
	}
}

func TestLoop_StopRestoresPreview(t *testing.T) {
	src := newFakeSource(t)
	l := newTestLoop(t, src, &countingPrimitive{}, nil)
	original := src.PreviewMode()

	if err := l.Start(context.Background(), 0.5, hd); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := src.PreviewMode().Resolution; got != hd {
		t.Fatalf("Expected preview at %s, got %s", hd, got)
	}

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	mode := src.PreviewMode()
	if mode.Resolution != original.Resolution || mode.FPS != original.FPS {
		t.Errorf("Expected preview restored to %+v, got %+v", original, mode)
	}
	if l.Status().Active {
		t.Error("Expected inactive after stop")
	}

	if err := l.Stop(); err != nil {
		t.Errorf("Second stop should be a no-op, got %v", err)
	}
}

// gatedPrimitive blocks every call until release is closed.
type gatedPrimitive struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedPrimitive) Detect(ctx context.Context, tile image.Image) ([]detect.Box, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return nil, nil
}

func TestLoop_ConcurrentStop(t *testing.T) {
	src := newFakeSource(t)
	p := &gatedPrimitive{entered: make(chan struct{}), release: make(chan struct{})}
	l := newTestLoop(t, src, p, nil)
	original := src.PreviewMode().Resolution

	if err := l.Start(context.Background(), 0.5, hd); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	src.push()
	<-p.entered

	const callers = 3
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- l.Stop() }()
	}

	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-errs:
		t.Fatalf("Stop returned before the running detection finished: %v", err)
	default:
	}
	if !l.Status().Active {
		t.Error("Expected loop to report active until the detection finishes")
	}

	close(p.release)
	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("Stop failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not return")
		}
	}

	if l.Status().Active {
		t.Error("Expected inactive after stop")
	}
	starts := src.startedWith()
	if len(starts) != 2 || starts[1] != original {
		t.Errorf("Expected one restore to %s, got %v", original, starts)
	}

	if err := l.Start(context.Background(), 0.5, hd); err != nil {
		t.Errorf("Restart after concurrent stop failed: %v", err)
	}
}
