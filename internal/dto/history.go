package dto

import (
	"encoding/json"
	"fmt"
	"time"

	"brivet/internal/model"
)

// HistoryItem is a stored capture as listed in the history.
type HistoryItem struct {
	ID                  int64             `json:"id"`
	Timestamp           time.Time         `json:"timestamp"`
	Status              string            `json:"status"`
	Error               string            `json:"error,omitempty"`
	ObjectCount         int               `json:"object_count"`
	DurationMs          int64             `json:"duration_ms"`
	ConfidenceThreshold float64           `json:"confidence_threshold"`
	GridSize            int               `json:"grid_size"`
	ImageURL            string            `json:"image_url,omitempty"`
	Latitude            *float64          `json:"latitude"`
	Longitude           *float64          `json:"longitude"`
	Detections          []DetectionResult `json:"detections,omitempty"`
}

// MarshalJSON adds display date and time next to the raw timestamp.
func (h HistoryItem) MarshalJSON() ([]byte, error) {
	type Alias HistoryItem
	return json.Marshal(&struct {
		Date      string `json:"date"`
		TimeOfDay string `json:"timeOfDay"`
		Alias
	}{
		Date:      h.Timestamp.Local().Format("02-01-2006"),
		TimeOfDay: h.Timestamp.Local().Format("15:04:05"),
		Alias:     (Alias)(h),
	})
}

// HistoryPage is one page of GET /api/history.
type HistoryPage struct {
	Captures    []HistoryItem `json:"captures"`
	Total       int           `json:"total"`
	TotalPages  int           `json:"total_pages"`
	CurrentPage int           `json:"current_page"`
	PerPage     int           `json:"per_page"`
}

func NewHistoryItem(rec *model.CaptureRecord) HistoryItem {
	item := HistoryItem{
		ID:                  rec.ID,
		Timestamp:           rec.Timestamp,
		Status:              rec.Status,
		Error:               rec.Error,
		ObjectCount:         rec.ObjectCount,
		DurationMs:          rec.DurationMs,
		ConfidenceThreshold: rec.ConfidenceThreshold,
		GridSize:            rec.GridSize,
		ImageURL:            imageURL(rec.ID, rec.ImageFilename),
		Latitude:            rec.Latitude,
		Longitude:           rec.Longitude,
	}
	if len(rec.Detections) > 0 {
		item.Detections = fromModelDetections(rec.Detections)
	}
	return item
}

func NewHistoryPage(records []model.CaptureRecord, total, page, perPage int) HistoryPage {
	items := make([]HistoryItem, 0, len(records))
	for i := range records {
		items = append(items, NewHistoryItem(&records[i]))
	}
	return HistoryPage{
		Captures:    items,
		Total:       total,
		TotalPages:  (total + perPage - 1) / perPage,
		CurrentPage: page,
		PerPage:     perPage,
	}
}

func imageURL(id int64, filename string) string {
	if id == 0 || filename == "" {
		return ""
	}
	return fmt.Sprintf("/api/history/%d/image", id)
}
