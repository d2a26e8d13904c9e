package route

import (
	"net/http"
	"os"
	"path/filepath"

	"brivet/internal/config"
	"brivet/internal/handler"
	"brivet/internal/logger"
	"brivet/internal/metrics"
	"brivet/internal/middleware"
	"brivet/internal/service/stream"
)

// Services are the handlers' dependencies.
type Services struct {
	Capture  handler.Capturer
	Settings handler.SettingsStore
	Live     handler.LiveDetector
	History  handler.History
	Camera   handler.PreviewController
	Hub      *stream.Hub
	Feed     http.Handler // MJPEG preview
	LiveFeed http.Handler // MJPEG annotated live detection
	Metrics  *metrics.Metrics
}

// dynamicHTMLHandler serves /path as /static/path.html if the file exists; otherwise 404.
func dynamicHTMLHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/" {
		path = "/index"
	}

	filePath := filepath.Join("static", filepath.Clean("/"+path)+".html")

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, filePath)
}

// SetupRoutes registers HTTP routes, static file serving and API endpoints,
// and wraps the mux with the request logging middleware.
func SetupRoutes(cfg *config.Config, logger *logger.Logger, svc *Services) http.Handler {
	mux := http.NewServeMux()

	// Static files
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir("static"))))

	// Preview
	mux.Handle("GET /api/feed", svc.Feed)
	mux.HandleFunc("GET /api/view", handler.ViewWebsocketHandler(svc.Hub, logger))
	mux.HandleFunc("GET /api/camera/settings", handler.GetCameraSettingsHandler(svc.Camera, logger))
	mux.HandleFunc("PUT /api/camera/settings", handler.UpdateCameraSettingsHandler(svc.Camera, svc.Live, logger))

	// Capture
	mux.HandleFunc("POST /api/capture", handler.CaptureHandler(svc.Capture, logger))
	mux.HandleFunc("POST /api/capture/auto/start", handler.AutoStartHandler(svc.Capture, logger))
	mux.HandleFunc("POST /api/capture/auto/stop", handler.AutoStopHandler(svc.Capture, logger))
	mux.HandleFunc("GET /api/capture/status", handler.CaptureStatusHandler(svc.Capture, logger))
	mux.HandleFunc("GET /api/settings", handler.GetSettingsHandler(svc.Settings, logger))
	mux.HandleFunc("PUT /api/settings", handler.UpdateSettingsHandler(svc.Settings, logger))

	// Live detection
	mux.HandleFunc("POST /api/live/start", handler.LiveStartHandler(cfg, svc.Live, logger))
	mux.HandleFunc("POST /api/live/stop", handler.LiveStopHandler(svc.Live, logger))
	mux.HandleFunc("GET /api/live/status", handler.LiveStatusHandler(svc.Live, logger))
	mux.HandleFunc("PUT /api/live/settings", handler.LiveSettingsHandler(svc.Live, logger))
	mux.Handle("GET /api/live/feed", svc.LiveFeed)

	// History
	mux.HandleFunc("GET /api/history", handler.HistoryHandler(svc.History, logger))
	mux.HandleFunc("GET /api/history/{id}", handler.HistoryItemHandler(svc.History, logger))
	mux.HandleFunc("DELETE /api/history/{id}", handler.DeleteHistoryHandler(svc.History, logger))
	mux.HandleFunc("GET /api/history/{id}/image", handler.HistoryImageHandler(svc.History, logger))

	// Log endpoints
	mux.HandleFunc("GET /logs/info", handler.ShowInfoLogsHandler(cfg))
	mux.HandleFunc("GET /logs/warning", handler.ShowWarningLogsHandler(cfg))
	mux.HandleFunc("GET /logs/error", handler.ShowErrorLogsHandler(cfg))
	mux.HandleFunc("POST /logs/{level}/clear", handler.ClearLogsHandler(logger))

	mux.Handle("GET /metrics", svc.Metrics.Handler())

	// Automatic HTML handler mapping for example: /settings -> /static/settings.html
	mux.HandleFunc("/", dynamicHTMLHandler)

	return middleware.RequestLogger(logger)(mux)
}
