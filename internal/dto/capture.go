package dto

import (
	"time"

	"brivet/internal/model"
	"brivet/internal/service/capture"
)

// CaptureSummary is the result of one capture.
type CaptureSummary struct {
	RecordID            int64             `json:"record_id"`
	Status              string            `json:"status"`
	Error               string            `json:"error,omitempty"`
	ObjectCount         int               `json:"object_count"`
	ProcessingSeconds   float64           `json:"processing_seconds"`
	ImageFilename       string            `json:"image_filename,omitempty"`
	ImageURL            string            `json:"image_url,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
	GridSize            int               `json:"grid_size"`
	ConfidenceThreshold float64           `json:"confidence_threshold"`
	Detections          []DetectionResult `json:"detections"`
}

// AutomatedStatus is the progress of an automated capture series.
type AutomatedStatus struct {
	Done     int     `json:"done"`
	Max      int     `json:"max"`
	Interval float64 `json:"interval"`
	NextIn   float64 `json:"next_in"`
}

// CaptureStatus is the reply of GET /api/capture/status.
type CaptureStatus struct {
	State             string           `json:"state"`
	CooldownRemaining float64          `json:"cooldown_remaining"`
	Automated         *AutomatedStatus `json:"automated"`
	LastResult        *CaptureSummary  `json:"last_result"`
	LastError         string           `json:"last_error,omitempty"`
	Settings          SettingsResponse `json:"settings"`
}

// AutoStartRequest starts an automated series. Interval is in seconds.
type AutoStartRequest struct {
	Interval    float64 `json:"interval"`
	MaxCaptures int     `json:"max_captures"`
}

// NewCaptureSummary converts an orchestrator summary. A nil summary gives nil.
func NewCaptureSummary(s *capture.Summary) *CaptureSummary {
	if s == nil {
		return nil
	}
	return &CaptureSummary{
		RecordID:            s.RecordID,
		Status:              s.Status,
		Error:               s.Error,
		ObjectCount:         s.ObjectCount,
		ProcessingSeconds:   s.Duration.Seconds(),
		ImageFilename:       s.ImageFilename,
		ImageURL:            imageURL(s.RecordID, s.ImageFilename),
		Timestamp:           s.Timestamp,
		GridSize:            s.Settings.GridSize,
		ConfidenceThreshold: float64(s.Settings.Confidence),
		Detections:          fromModelDetections(s.Detections),
	}
}

// NewCaptureStatus converts an orchestrator status snapshot.
func NewCaptureStatus(st capture.Status) CaptureStatus {
	out := CaptureStatus{
		State:             string(st.State),
		CooldownRemaining: st.CooldownRemaining.Seconds(),
		LastResult:        NewCaptureSummary(st.LastResult),
		LastError:         st.LastError,
		Settings:          NewSettingsResponse(st.Settings, ""),
	}
	if a := st.Automated; a != nil {
		out.Automated = &AutomatedStatus{
			Done:     a.Done,
			Max:      a.Max,
			Interval: a.Interval.Seconds(),
			NextIn:   a.NextIn.Seconds(),
		}
	}
	return out
}

func fromModelDetections(dets []model.Detection) []DetectionResult {
	results := make([]DetectionResult, 0, len(dets))
	for _, d := range dets {
		results = append(results, DetectionResult{
			Label:      d.Label,
			Confidence: d.Confidence,
			X:          d.X,
			Y:          d.Y,
			Width:      d.Width,
			Height:     d.Height,
		})
	}
	return results
}
