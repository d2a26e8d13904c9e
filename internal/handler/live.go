package handler

import (
	"net/http"

	"brivet/internal/apperr"
	"brivet/internal/config"
	"brivet/internal/dto"
	"brivet/internal/logger"
	"brivet/internal/service/camera"
)

func parseLiveResolution(s string) (camera.Resolution, error) {
	res, err := camera.ParseResolution(s)
	if err != nil {
		return camera.Resolution{}, apperr.Invalid("resolution", "%v", err)
	}
	return res, nil
}

// LiveStartHandler handles POST /api/live/start. Missing fields fall back to
// DEFAULT_CONFIDENCE and LIVE_RESOLUTION.
func LiveStartHandler(cfg *config.Config, detector LiveDetector, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.LiveStartRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		confidence := float32(cfg.DefaultConfidence)
		if req.Confidence != nil {
			confidence = *req.Confidence
		}
		resolution := req.Resolution
		if resolution == "" {
			resolution = cfg.LiveResolution
		}
		res, err := parseLiveResolution(resolution)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		if err := detector.Start(r.Context(), confidence, res); err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, logger, dto.NewLiveStatus(detector.Status()))
	}
}

// LiveStopHandler handles POST /api/live/stop.
func LiveStopHandler(detector LiveDetector, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := detector.Stop(); err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, logger, dto.NewLiveStatus(detector.Status()))
	}
}

// LiveStatusHandler handles GET /api/live/status.
func LiveStatusHandler(detector LiveDetector, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, logger, dto.NewLiveStatus(detector.Status()))
	}
}

// LiveSettingsHandler handles PUT /api/live/settings.
func LiveSettingsHandler(detector LiveDetector, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.LiveSettingsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		var res *camera.Resolution
		if req.Resolution != nil {
			parsed, err := parseLiveResolution(*req.Resolution)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			res = &parsed
		}

		if err := detector.UpdateSettings(req.Confidence, res); err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, logger, dto.NewLiveStatus(detector.Status()))
	}
}
