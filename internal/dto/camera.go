package dto

import "brivet/internal/service/camera"

// CameraSettingsRequest changes the preview stream. Omitted fields keep their value.
type CameraSettingsRequest struct {
	Resolution *string `json:"resolution"`
	Framerate  *int    `json:"framerate"`
}

type CameraSettings struct {
	Resolution           string   `json:"resolution"`
	Framerate            int      `json:"framerate"`
	AvailableResolutions []string `json:"available_resolutions"`
	MinFramerate         int      `json:"min_framerate"`
	MaxFramerate         int      `json:"max_framerate"`
}

func NewCameraSettings(mode camera.Mode) CameraSettings {
	presets := make([]string, 0, len(camera.PreviewPresets))
	for _, p := range camera.PreviewPresets {
		presets = append(presets, p.String())
	}
	return CameraSettings{
		Resolution:           mode.Resolution.String(),
		Framerate:            mode.FPS,
		AvailableResolutions: presets,
		MinFramerate:         camera.MinPreviewFPS,
		MaxFramerate:         camera.MaxPreviewFPS,
	}
}
