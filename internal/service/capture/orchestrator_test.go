package capture

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"brivet/internal/apperr"
	"brivet/internal/config"
	"brivet/internal/logger"
	"brivet/internal/metrics"
	"brivet/internal/model"
	"brivet/internal/repository/sqlite"
	"brivet/internal/service/camera"
	"brivet/internal/service/detect"
	"brivet/internal/service/storage"
)

// ========================================
// Test Setup Helpers
// ========================================

// fakeClock only moves when told to. After advances the clock by d and fires
// immediately, so automated series run without real sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

type fakeCamera struct {
	clock *fakeClock
	data  []byte
	err   error
}

func (c *fakeCamera) CaptureHighRes(ctx context.Context) (*camera.Frame, error) {
	if c.err != nil {
		return nil, &apperr.DeviceError{Op: "read", Err: c.err}
	}
	return &camera.Frame{Data: c.data, Width: 64, Height: 48, Timestamp: c.clock.Now()}, nil
}

type harness struct {
	orch  *Orchestrator
	clock *fakeClock
	cam   *fakeCamera
	store *storage.Store
}

func newHarness(t *testing.T, primitive detect.Primitive) *harness {
	t.Helper()

	dir := t.TempDir()
	db, err := sqlite.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		CapturesDir:    filepath.Join(dir, "captures"),
		StagingDir:     filepath.Join(dir, "staging"),
		CaptureQuality: 80,
	}
	log := logger.Discard()
	m := metrics.New()
	store := storage.NewStore(cfg, log, sqlite.NewCaptureRepository(db), sqlite.NewDetectionRepository(db))

	data, err := detect.EncodeJPEG(image.NewRGBA(image.Rect(0, 0, 64, 48)), 80)
	if err != nil {
		t.Fatalf("Failed to encode test frame: %v", err)
	}

	clock := newFakeClock()
	cam := &fakeCamera{clock: clock, data: data}
	detector := detect.NewTileDetector(primitive, detect.DefaultOptions, log, m)
	settings := NewSettingsStore(detect.Settings{Confidence: 0.25, GridSize: 1})

	orch := NewOrchestrator(cam, detector, store, settings, Options{CaptureTimeout: time.Second, Clock: clock}, log, m)
	return &harness{orch: orch, clock: clock, cam: cam, store: store}
}

func onePerson(ctx context.Context, tile image.Image) ([]detect.Box, error) {
	return []detect.Box{{Label: "person", Confidence: 0.8, Rect: image.Rect(4, 4, 20, 30)}}, nil
}

func (h *harness) records(t *testing.T) []model.CaptureRecord {
	t.Helper()
	recs, _, err := h.store.List(1, storage.MaxPerPage)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	return recs
}

func (h *harness) automation() *automation {
	h.orch.mu.Lock()
	defer h.orch.mu.Unlock()
	return h.orch.auto
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

// blockingPrimitive parks every call until release is closed.
func blockingPrimitive(entered chan<- struct{}, release <-chan struct{}) detect.Primitive {
	return detect.PrimitiveFunc(func(ctx context.Context, tile image.Image) ([]detect.Box, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	})
}

// ========================================
// Manual Capture
// ========================================

func TestRequestCapture_Success(t *testing.T) {
	h := newHarness(t, detect.PrimitiveFunc(onePerson))

	if st := h.orch.Status(); st.State != StateIdle {
		t.Fatalf("Expected idle at start, got %s", st.State)
	}

	summary, err := h.orch.RequestCapture(context.Background())
	if err != nil {
		t.Fatalf("RequestCapture failed: %v", err)
	}
	if summary.Status != model.StatusOK || summary.ObjectCount != 1 || summary.RecordID == 0 {
		t.Errorf("Unexpected summary: %+v", summary)
	}

	st := h.orch.Status()
	if st.State != StateCooling {
		t.Errorf("Expected cooling after capture, got %s", st.State)
	}
	if st.CooldownRemaining != Cooldown {
		t.Errorf("Expected full cooldown right after completion, got %s", st.CooldownRemaining)
	}
	if st.LastResult == nil || st.LastResult.RecordID != summary.RecordID {
		t.Errorf("Expected last result to be the capture, got %+v", st.LastResult)
	}

	recs := h.records(t)
	if len(recs) != 1 || recs[0].Status != model.StatusOK {
		t.Errorf("Expected one ok record, got %+v", recs)
	}
}

func TestRequestCapture_CooldownRejection(t *testing.T) {
	h := newHarness(t, detect.PrimitiveFunc(onePerson))

	if _, err := h.orch.RequestCapture(context.Background()); err != nil {
		t.Fatalf("First capture failed: %v", err)
	}

	h.clock.Advance(5 * time.Second)
	_, err := h.orch.RequestCapture(context.Background())
	if !errors.Is(err, apperr.ErrCooldown) {
		t.Fatalf("Expected cooldown rejection, got %v", err)
	}
	remaining := apperr.CooldownRemaining(err)
	if remaining <= 0 || remaining >= Cooldown {
		t.Errorf("Expected 0 < remaining < %s, got %s", Cooldown, remaining)
	}
	if remaining != 40*time.Second {
		t.Errorf("Expected 40s remaining, got %s", remaining)
	}
	if got := len(h.records(t)); got != 1 {
		t.Errorf("Rejected request must not persist anything, got %d records", got)
	}

	h.clock.Advance(41 * time.Second)
	if st := h.orch.Status(); st.State != StateIdle {
		t.Errorf("Expected idle once the cooldown elapsed, got %s", st.State)
	}
	if _, err := h.orch.RequestCapture(context.Background()); err != nil {
		t.Errorf("Expected capture after cooldown, got %v", err)
	}
}

func TestRequestCapture_FailureConsumesCooldown(t *testing.T) {
	h := newHarness(t, detect.PrimitiveFunc(onePerson))
	h.cam.err = errors.New("sensor unplugged")

	summary, err := h.orch.RequestCapture(context.Background())
	var deviceErr *apperr.DeviceError
	if !errors.As(err, &deviceErr) {
		t.Fatalf("Expected DeviceError, got %v", err)
	}
	if summary == nil || summary.Status != model.StatusFailed {
		t.Errorf("Expected failed summary, got %+v", summary)
	}

	st := h.orch.Status()
	if st.State != StateCooling {
		t.Errorf("Expected cooling after a failed capture, got %s", st.State)
	}
	if st.LastError == "" {
		t.Error("Expected last error to be set")
	}

	recs := h.records(t)
	if len(recs) != 1 || recs[0].Status != model.StatusFailed {
		t.Errorf("Expected one failed record, got %+v", recs)
	}
}

func TestRequestCapture_SettingsChangeMidCapture(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarness(t, blockingPrimitive(entered, release))

	type outcome struct {
		summary *Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := h.orch.RequestCapture(context.Background())
		done <- outcome{s, err}
	}()
	<-entered

	if st := h.orch.Status(); st.State != StateProcessing {
		t.Errorf("Expected processing, got %s", st.State)
	}
	if _, err := h.orch.RequestCapture(context.Background()); !errors.Is(err, apperr.ErrBusy) {
		t.Errorf("Expected busy during processing, got %v", err)
	}
	if err := h.orch.StartAutomated(Cooldown, 2); !errors.Is(err, apperr.ErrBusy) {
		t.Errorf("Expected busy when starting automation during a capture, got %v", err)
	}

	conf := float32(0.9)
	grid := 3
	if _, _, err := h.orch.Settings().Update(&conf, &grid); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	close(release)

	out := <-done
	if out.err != nil {
		t.Fatalf("Capture failed: %v", out.err)
	}
	if out.summary.Settings.GridSize != 1 || out.summary.Settings.Confidence != 0.25 {
		t.Errorf("Running capture should keep its snapshot, got %+v", out.summary.Settings)
	}

	rec, err := h.store.Get(out.summary.RecordID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.GridSize != 1 || rec.ConfidenceThreshold != 0.25 {
		t.Errorf("Record should carry the snapshot settings, got grid %d conf %v", rec.GridSize, rec.ConfidenceThreshold)
	}
	if st := h.orch.Status(); st.Settings.GridSize != 3 {
		t.Errorf("New settings should apply to the next capture, got %+v", st.Settings)
	}
}

// ========================================
// Automated Capture
// ========================================

func TestStartAutomated_Validation(t *testing.T) {
	h := newHarness(t, detect.PrimitiveFunc(onePerson))

	tests := []struct {
		name     string
		interval time.Duration
		max      int
	}{
		{"interval below cooldown", 30 * time.Second, 5},
		{"zero captures", Cooldown, 0},
		{"negative captures", time.Minute, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.orch.Status()
			err := h.orch.StartAutomated(tt.interval, tt.max)

			var verr *apperr.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			after := h.orch.Status()
			if after.State != before.State || after.Automated != nil || after.CooldownRemaining != before.CooldownRemaining {
				t.Errorf("State changed by a rejected start: before %+v, after %+v", before, after)
			}
		})
	}
}

func TestAutomated_RunsSeriesWithFailure(t *testing.T) {
	var calls atomic.Int64
	primitive := detect.PrimitiveFunc(func(ctx context.Context, tile image.Image) ([]detect.Box, error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("inference crashed")
		}
		return onePerson(ctx, tile)
	})
	h := newHarness(t, primitive)

	if err := h.orch.StartAutomated(Cooldown, 3); err != nil {
		t.Fatalf("StartAutomated failed: %v", err)
	}
	a := h.automation()
	if a == nil {
		t.Fatal("Expected automation to be registered")
	}

	select {
	case <-a.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Automated series did not finish")
	}

	h.orch.mu.Lock()
	count := a.count
	h.orch.mu.Unlock()
	if count != 3 {
		t.Errorf("Expected done == 3, got %d", count)
	}
	if h.automation() != nil {
		t.Error("Automation should be released after the last capture")
	}
	if st := h.orch.Status(); st.State == StateAutomated || st.Automated != nil {
		t.Errorf("Expected automation to be gone from status, got %+v", st)
	}

	recs := h.records(t)
	if len(recs) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recs))
	}
	var ok, failed int
	for _, r := range recs {
		switch r.Status {
		case model.StatusOK:
			ok++
		case model.StatusFailed:
			failed++
		}
	}
	if ok != 2 || failed != 1 {
		t.Errorf("Expected 2 ok and 1 failed, got %d ok and %d failed", ok, failed)
	}

	// newest first, each capture one interval after the previous
	for i := 0; i+1 < len(recs); i++ {
		if gap := recs[i].Timestamp.Sub(recs[i+1].Timestamp); gap < Cooldown {
			t.Errorf("Captures %d and %d only %s apart", i, i+1, gap)
		}
	}

	if _, err := h.orch.RequestCapture(context.Background()); !errors.Is(err, apperr.ErrCooldown) {
		t.Errorf("Expected cooldown after the series, got %v", err)
	}
}

func TestAutomated_BusyAndStop(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarness(t, blockingPrimitive(entered, release))

	if err := h.orch.StartAutomated(time.Minute, 5); err != nil {
		t.Fatalf("StartAutomated failed: %v", err)
	}
	<-entered

	st := h.orch.Status()
	if st.State != StateAutomated || st.Automated == nil {
		t.Fatalf("Expected automated state, got %+v", st)
	}
	if st.Automated.Max != 5 || st.Automated.Interval != time.Minute {
		t.Errorf("Unexpected automation status: %+v", st.Automated)
	}

	if _, err := h.orch.RequestCapture(context.Background()); !errors.Is(err, apperr.ErrBusy) {
		t.Errorf("Expected busy during automation, got %v", err)
	}
	var verr *apperr.ValidationError
	if err := h.orch.StartAutomated(time.Minute, 2); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for a second series, got %v", err)
	}

	a := h.automation()
	stopped := make(chan error, 1)
	go func() { stopped <- h.orch.StopAutomated(context.Background()) }()
	waitFor(t, "stop signal", func() bool {
		select {
		case <-a.stop:
			return true
		default:
			return false
		}
	})

	select {
	case err := <-stopped:
		t.Fatalf("StopAutomated returned before the in-flight capture finished: %v", err)
	default:
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("StopAutomated failed: %v", err)
	}

	if a.count != 1 {
		t.Errorf("Expected the in-flight capture to complete and nothing more, got %d", a.count)
	}
	if got := len(h.records(t)); got != 1 {
		t.Errorf("Expected 1 record, got %d", got)
	}
	if st := h.orch.Status(); st.State != StateCooling {
		t.Errorf("Expected cooling after stop, got %s", st.State)
	}

	if err := h.orch.StopAutomated(context.Background()); err != nil {
		t.Errorf("Stopping with nothing running should be a no-op, got %v", err)
	}
}

// ========================================
// Settings
// ========================================

func TestSettingsStore_Update(t *testing.T) {
	s := NewSettingsStore(detect.Settings{Confidence: 0.25, GridSize: 2})

	grid := 5
	next, warning, err := s.Update(nil, &grid)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if next.Confidence != 0.25 || next.GridSize != 5 {
		t.Errorf("Expected partial update, got %+v", next)
	}
	if warning == "" {
		t.Error("Expected a warning for grid 5")
	}

	bad := 9
	if _, _, err := s.Update(nil, &bad); err == nil {
		t.Error("Expected error for grid 9")
	}
	conf := float32(1.5)
	if _, _, err := s.Update(&conf, nil); err == nil {
		t.Error("Expected error for confidence 1.5")
	}
	if got := s.Get(); got.GridSize != 5 || got.Confidence != 0.25 {
		t.Errorf("Rejected updates must not change settings, got %+v", got)
	}
}
