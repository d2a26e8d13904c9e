package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"brivet/internal/apperr"
	"brivet/internal/dto"
	"brivet/internal/logger"
	"brivet/internal/model"
	"brivet/internal/service/camera"
	"brivet/internal/service/capture"
	"brivet/internal/service/detect"
	"brivet/internal/service/live"
)

// Capturer is the capture orchestrator as seen by the API.
type Capturer interface {
	RequestCapture(ctx context.Context) (*capture.Summary, error)
	StartAutomated(interval time.Duration, maxCount int) error
	StopAutomated(ctx context.Context) error
	Status() capture.Status
}

// SettingsStore holds the capture settings.
type SettingsStore interface {
	Get() detect.Settings
	Update(confidence *float32, gridSize *int) (detect.Settings, string, error)
}

// LiveDetector is the live detection loop.
type LiveDetector interface {
	Start(ctx context.Context, confidence float32, res camera.Resolution) error
	Stop() error
	UpdateSettings(confidence *float32, res *camera.Resolution) error
	Status() live.Status
}

// PreviewController changes the preview stream configuration.
type PreviewController interface {
	PreviewMode() camera.Mode
	ApplyPreviewSettings(ctx context.Context, res camera.Resolution, fps int) error
}

// History is the result store.
type History interface {
	List(page, perPage int) ([]model.CaptureRecord, int, error)
	Get(id int64) (*model.CaptureRecord, error)
	Delete(id int64) error
	ImagePath(rec *model.CaptureRecord) string
}

// maxBodySize limits JSON request bodies.
const maxBodySize = 1 << 16

func writeJSON(w http.ResponseWriter, logger *logger.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

func writeOK(w http.ResponseWriter, logger *logger.Logger, data interface{}) {
	writeJSON(w, logger, http.StatusOK, dto.Response{Status: dto.StatusOK, Data: data})
}

// writeError maps err to an HTTP status and a structured rejection.
func writeError(w http.ResponseWriter, logger *logger.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed: %v", err)
	}
	if remaining := apperr.CooldownRemaining(err); remaining > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(remaining.Seconds()))))
	}
	writeJSON(w, logger, status, dto.NewErrorResponse(err))
}

func statusFor(err error) int {
	switch apperr.Reason(err) {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "busy":
		return http.StatusConflict
	case "cooldown":
		return http.StatusTooManyRequests
	case "not_ready", "device":
		return http.StatusServiceUnavailable
	case "detection_timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Invalid("body", "%v", err)
	}
	return nil
}

// atoiDefault converts string to int or returns a default when conversion fails or value <= 0.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid("id", "%q is not a capture id", raw)
	}
	return id, nil
}

// maxDurationSeconds is the longest interval a time.Duration can hold.
var maxDurationSeconds = float64(math.MaxInt64) / float64(time.Second)

func secondsToDuration(s float64) (time.Duration, error) {
	if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
		return 0, fmt.Errorf("must be a positive number of seconds")
	}
	if s >= maxDurationSeconds {
		return 0, fmt.Errorf("must be less than %.0f seconds", maxDurationSeconds)
	}
	return time.Duration(s * float64(time.Second)), nil
}
