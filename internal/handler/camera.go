package handler

import (
	"fmt"
	"net/http"

	"brivet/internal/apperr"
	"brivet/internal/dto"
	"brivet/internal/logger"
	"brivet/internal/service/camera"
)

// GetCameraSettingsHandler handles GET /api/camera/settings.
func GetCameraSettingsHandler(preview PreviewController, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, logger, dto.NewCameraSettings(preview.PreviewMode()))
	}
}

// UpdateCameraSettingsHandler handles PUT /api/camera/settings. While live
// detection runs it owns the preview resolution and the change is rejected.
func UpdateCameraSettingsHandler(preview PreviewController, detector LiveDetector, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.CameraSettingsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		current := preview.PreviewMode()
		res := current.Resolution
		if req.Resolution != nil {
			parsed, err := camera.ParseResolution(*req.Resolution)
			if err != nil {
				writeError(w, logger, apperr.Invalid("resolution", "%v", err))
				return
			}
			res = parsed
		}
		fps := current.FPS
		if req.Framerate != nil {
			fps = *req.Framerate
		}

		if detector.Status().Active {
			writeError(w, logger, fmt.Errorf("live detection controls the preview: %w", apperr.ErrBusy))
			return
		}

		if err := preview.ApplyPreviewSettings(r.Context(), res, fps); err != nil {
			writeError(w, logger, err)
			return
		}

		logger.Info("📷 Preview settings: %s @ %d fps", res, fps)
		writeOK(w, logger, dto.NewCameraSettings(preview.PreviewMode()))
	}
}
