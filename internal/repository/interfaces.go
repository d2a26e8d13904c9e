package repository

import (
	"brivet/internal/model"
)

// CaptureRepository defines the interface for capture record operations.
type CaptureRepository interface {
	// Create operations
	Insert(rec *model.CaptureRecord) (int64, error)
	InsertWithDetections(rec *model.CaptureRecord) (int64, error)

	// Read operations
	GetByID(id int64) (*model.CaptureRecord, error)
	GetByFilename(filename string) (*model.CaptureRecord, error)
	GetAll(filter *model.CaptureFilter) ([]model.CaptureRecord, error)
	GetTotalCount(filter *model.CaptureFilter) (int, error)

	// Delete operations
	Delete(id int64) error
}

// DetectionRepository defines the interface for detection data operations.
type DetectionRepository interface {
	// Create operations
	InsertBatch(detections []model.Detection) error

	// Read operations
	GetByCaptureID(captureID int64) ([]model.Detection, error)
	GetAllLabels() ([]string, error)

	// Delete operations
	DeleteByCaptureID(captureID int64) error
}
