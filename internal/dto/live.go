package dto

import (
	"brivet/internal/service/camera"
	"brivet/internal/service/live"
)

// LiveStartRequest starts live detection. Resolution is "WIDTHxHEIGHT" and
// falls back to the configured default when empty.
type LiveStartRequest struct {
	Confidence *float32 `json:"confidence"`
	Resolution string   `json:"resolution"`
}

// LiveSettingsRequest changes a running live detection.
type LiveSettingsRequest struct {
	Confidence *float32 `json:"confidence"`
	Resolution *string  `json:"resolution"`
}

type LiveStatus struct {
	Active      bool              `json:"active"`
	FPS         float64           `json:"fps"`
	ObjectCount int               `json:"object_count"`
	Confidence  float32           `json:"confidence"`
	Resolution  string            `json:"resolution"`
	Presets     []string          `json:"presets"`
	Detections  []DetectionResult `json:"detections"`
	LastError   string            `json:"last_error,omitempty"`
}

func NewLiveStatus(st live.Status) LiveStatus {
	presets := make([]string, 0, len(camera.LivePresets))
	for _, p := range camera.LivePresets {
		presets = append(presets, p.String())
	}

	resolution := ""
	if st.Resolution.Width > 0 {
		resolution = st.Resolution.String()
	}

	return LiveStatus{
		Active:      st.Active,
		FPS:         st.FPS,
		ObjectCount: st.ObjectCount,
		Confidence:  st.Confidence,
		Resolution:  resolution,
		Presets:     presets,
		Detections:  NewDetectionResults(st.Boxes),
		LastError:   st.LastError,
	}
}
