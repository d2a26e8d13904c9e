package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"brivet/internal/apperr"
	"brivet/internal/config"
	"brivet/internal/logger"
	"brivet/internal/metrics"
	"brivet/internal/repository/sqlite"
	"brivet/internal/route"
	"brivet/internal/service/ai"
	"brivet/internal/service/camera"
	"brivet/internal/service/capture"
	"brivet/internal/service/detect"
	"brivet/internal/service/live"
	"brivet/internal/service/storage"
	"brivet/internal/service/stream"
	"brivet/internal/service/webcam"

	"github.com/hybridgroup/mjpeg"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config       *config.Config
	logger       *logger.Logger
	metrics      *metrics.Metrics
	db           *sqlite.DB
	detector     *ai.DetectorService
	source       *camera.Source
	orchestrator *capture.Orchestrator
	live         *live.Loop
	hub          *stream.Hub
	pump         *stream.Pump
	liveFeed     *mjpeg.Stream
	store        *storage.Store
}

func NewApp() (*App, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.NewLogger(cfg)
	m := metrics.New()

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := storage.NewStore(cfg, log, sqlite.NewCaptureRepository(db), sqlite.NewDetectionRepository(db))
	if err := store.Init(); err != nil {
		db.Close()
		return nil, err
	}

	source := camera.NewSource(openDevice(cfg, log), camera.Options{
		Capture: camera.Mode{
			Resolution: camera.Resolution{Width: cfg.CaptureWidth, Height: cfg.CaptureHeight},
			FPS:        1,
			Quality:    cfg.CaptureQuality,
		},
		Quality:      cfg.PreviewQuality,
		WarmupFrames: 2,
	}, log, m)

	// Without a model the server still streams, captures fail with not_ready.
	var primitive detect.Primitive
	detector, err := ai.NewDetectorService(cfg, log)
	if err != nil {
		log.Warning("⚠️ Detection model unavailable: %v", err)
		primitive = detect.PrimitiveFunc(func(ctx context.Context, tile image.Image) ([]detect.Box, error) {
			return nil, fmt.Errorf("detection model: %w", apperr.ErrNotReady)
		})
	} else {
		primitive = detector
	}

	tiles := detect.NewTileDetector(primitive, detect.Options{
		Overlap:      cfg.TileOverlap,
		IoUThreshold: cfg.IoUThreshold,
		TileTimeout:  cfg.TileTimeout,
	}, log, m)

	settings := capture.NewSettingsStore(detect.Settings{
		Confidence: float32(cfg.DefaultConfidence),
		GridSize:   cfg.DefaultGridSize,
	})
	orchestrator := capture.NewOrchestrator(source, tiles, store, settings, capture.Options{
		CaptureTimeout: cfg.CaptureTimeout,
	}, log, m)

	liveFeed := mjpeg.NewStream()
	loop := live.NewLoop(source, tiles, liveFeed, live.Options{
		MaxFPS:  cfg.LiveMaxFPS,
		Quality: cfg.PreviewQuality,
	}, log, m)

	hub := stream.NewHub(log, m)
	pump := stream.NewPump(source, hub, log)

	return &App{
		config:       cfg,
		logger:       log,
		metrics:      m,
		db:           db,
		detector:     detector,
		source:       source,
		orchestrator: orchestrator,
		live:         loop,
		hub:          hub,
		pump:         pump,
		liveFeed:     liveFeed,
		store:        store,
	}, nil
}

// openDevice picks the camera backend. CAMERA_DEVICE=mock runs without hardware.
func openDevice(cfg *config.Config, log *logger.Logger) camera.Device {
	if cfg.CameraDevice == "mock" {
		log.Warning("⚠️ Using the synthetic mock camera")
		return camera.NewMockDevice()
	}
	return webcam.New(cfg.CameraDevice)
}

func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.close()

	preview := camera.Resolution{Width: a.config.PreviewWidth, Height: a.config.PreviewHeight}
	if err := a.source.StartPreview(ctx, preview, a.config.PreviewFPS); err != nil {
		return fmt.Errorf("failed to start camera preview: %w", err)
	}

	// Start background services
	go a.hub.Run(ctx)
	go a.pump.Run(ctx)

	// Setup routes
	router := route.SetupRoutes(a.config, a.logger, &route.Services{
		Capture:  a.orchestrator,
		Settings: a.orchestrator.Settings(),
		Live:     a.live,
		History:  a.store,
		Camera:   a.source,
		Hub:      a.hub,
		Feed:     a.pump.Feed(),
		LiveFeed: a.liveFeed,
		Metrics:  a.metrics,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("🚀 Camera Control Server\n")
	fmt.Printf("📍 URL: http://localhost:%d\n", a.config.Port)
	fmt.Printf("📷 Camera: %s (preview %s @ %d fps)\n", a.config.CameraDevice, preview, a.config.PreviewFPS)
	fmt.Printf("📁 Captures: %s\n", a.config.CapturesDir)
	fmt.Printf("🤖 AI Model: %s\n", a.config.ModelPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.orchestrator.StopAutomated(shutdownCtx); err != nil {
		a.logger.Warning("Automated captures did not stop cleanly: %v", err)
	}
	if err := a.live.Stop(); err != nil {
		a.logger.Warning("Live detection did not stop cleanly: %v", err)
	}
	return server.Shutdown(shutdownCtx)
}

func (a *App) close() {
	a.source.Stop()
	if a.detector != nil {
		a.detector.Close()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database: %v", err)
	}
}
