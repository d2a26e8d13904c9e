package dto

import "brivet/internal/service/detect"

// SettingsRequest updates capture settings. Omitted fields keep their value.
type SettingsRequest struct {
	Confidence *float32 `json:"confidence"`
	GridSize   *int     `json:"grid_size"`
}

type SettingsResponse struct {
	Confidence                 float32 `json:"confidence"`
	GridSize                   int     `json:"grid_size"`
	Warning                    string  `json:"warning,omitempty"`
	EstimatedProcessingSeconds int     `json:"estimated_processing_seconds"`
}

func NewSettingsResponse(s detect.Settings, warning string) SettingsResponse {
	return SettingsResponse{
		Confidence:                 s.Confidence,
		GridSize:                   s.GridSize,
		Warning:                    warning,
		EstimatedProcessingSeconds: detect.EstimatedSeconds(s.GridSize),
	}
}
