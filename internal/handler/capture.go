package handler

import (
	"net/http"

	"brivet/internal/apperr"
	"brivet/internal/dto"
	"brivet/internal/logger"
)

// CaptureHandler handles POST /api/capture. The request blocks until the
// capture is stored or rejected.
func CaptureHandler(capturer Capturer, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := capturer.RequestCapture(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, logger, dto.NewCaptureSummary(summary))
	}
}

// AutoStartHandler handles POST /api/capture/auto/start.
func AutoStartHandler(capturer Capturer, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.AutoStartRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		interval, err := secondsToDuration(req.Interval)
		if err != nil {
			writeError(w, logger, apperr.Invalid("interval", "%v", err))
			return
		}

		if err := capturer.StartAutomated(interval, req.MaxCaptures); err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, logger, dto.NewCaptureStatus(capturer.Status()))
	}
}

// AutoStopHandler handles POST /api/capture/auto/stop. It returns once the
// series has stopped, after any capture in progress.
func AutoStopHandler(capturer Capturer, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := capturer.StopAutomated(r.Context()); err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, logger, dto.NewCaptureStatus(capturer.Status()))
	}
}

// CaptureStatusHandler handles GET /api/capture/status.
func CaptureStatusHandler(capturer Capturer, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, logger, dto.NewCaptureStatus(capturer.Status()))
	}
}

// GetSettingsHandler handles GET /api/settings.
func GetSettingsHandler(settings SettingsStore, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, logger, dto.NewSettingsResponse(settings.Get(), ""))
	}
}

// UpdateSettingsHandler handles PUT /api/settings. The new settings apply
// to the next capture.
func UpdateSettingsHandler(settings SettingsStore, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.SettingsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		next, warning, err := settings.Update(req.Confidence, req.GridSize)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		logger.Info("⚙️ Capture settings: confidence %.2f, grid %dx%d", next.Confidence, next.GridSize, next.GridSize)
		if warning != "" {
			logger.Warning("%s", warning)
		}
		writeOK(w, logger, dto.NewSettingsResponse(next, warning))
	}
}
