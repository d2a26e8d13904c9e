package model

import "time"

// Capture record statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// CaptureRecord is one persisted capture, successful or failed.
type CaptureRecord struct {
	ID                  int64       `json:"id"`
	Timestamp           time.Time   `json:"timestamp"`
	Status              string      `json:"status"`
	Error               string      `json:"error,omitempty"`
	ObjectCount         int         `json:"object_count"`
	DurationMs          int64       `json:"duration_ms"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
	GridSize            int         `json:"grid_size"`
	ImageFilename       string      `json:"image_filename,omitempty"`
	SourceFilename      string      `json:"source_filename,omitempty"`
	Latitude            *float64    `json:"latitude"`
	Longitude           *float64    `json:"longitude"`
	Detections          []Detection `json:"detections,omitempty"`
}

// CaptureFilter contains filtering options for querying captures.
type CaptureFilter struct {
	Status string
	Label  string
	Limit  int
	Offset int
}
