package dto

import "brivet/internal/service/detect"

// DetectionResult is one detected object in image pixel coordinates.
type DetectionResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// NewDetectionResults converts detector boxes for the API.
func NewDetectionResults(boxes []detect.Box) []DetectionResult {
	results := make([]DetectionResult, 0, len(boxes))
	for _, b := range boxes {
		results = append(results, DetectionResult{
			Label:      b.Label,
			Confidence: float64(b.Confidence),
			X:          b.Rect.Min.X,
			Y:          b.Rect.Min.Y,
			Width:      b.Rect.Dx(),
			Height:     b.Rect.Dy(),
		})
	}
	return results
}
