// Package detect runs an opaque object detector over an N×N grid of tiles
// and merges the per-tile boxes into one annotated result.
package detect

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"brivet/internal/apperr"
)

const (
	MinGridSize = 1
	MaxGridSize = 8
	// WarnGridSize and above make capture latency user visible.
	WarnGridSize = 4
	// SecondsPerTile is the rough per-tile cost used for estimates.
	SecondsPerTile = 3
)

// Box is one detected object in full-image pixel coordinates.
type Box struct {
	Label      string          `json:"label"`
	Confidence float32         `json:"confidence"`
	Rect       image.Rectangle `json:"-"`
}

// Primitive is the detection model. Boxes are returned in tile-local
// coordinates, the tile's bounds always start at (0,0).
type Primitive interface {
	Detect(ctx context.Context, tile image.Image) ([]Box, error)
}

// PrimitiveFunc adapts a function to Primitive.
type PrimitiveFunc func(ctx context.Context, tile image.Image) ([]Box, error)

func (f PrimitiveFunc) Detect(ctx context.Context, tile image.Image) ([]Box, error) {
	return f(ctx, tile)
}

// Settings are the user adjustable detection parameters.
type Settings struct {
	Confidence float32 `json:"confidence"`
	GridSize   int     `json:"grid_size"`
}

// Validate rejects out of range settings.
func (s Settings) Validate() error {
	if err := ValidateConfidence(s.Confidence); err != nil {
		return err
	}
	return ValidateGrid(s.GridSize)
}

// ValidateGrid checks n against [MinGridSize, MaxGridSize].
func ValidateGrid(n int) error {
	if n < MinGridSize || n > MaxGridSize {
		return apperr.Invalid("grid_size", "must be between %d and %d, got %d", MinGridSize, MaxGridSize, n)
	}
	return nil
}

// ValidateConfidence checks c against [0, 1].
func ValidateConfidence(c float32) error {
	if math.IsNaN(float64(c)) || c < 0 || c > 1 {
		return apperr.Invalid("confidence", "must be between 0 and 1, got %v", c)
	}
	return nil
}

// GridWarning returns an advisory for grids expensive enough to notice, or "".
func GridWarning(n int) string {
	if n < WarnGridSize {
		return ""
	}
	return fmt.Sprintf("a %dx%d grid runs %d detector passes per capture, expect roughly %d seconds of processing",
		n, n, n*n, EstimatedSeconds(n))
}

// EstimatedSeconds is the expected processing time for an n×n grid.
func EstimatedSeconds(n int) int {
	return n * n * SecondsPerTile
}

// Result is the outcome of one detection run. It is never modified after creation.
type Result struct {
	Boxes     []Box
	Count     int
	Duration  time.Duration
	Annotated *image.RGBA
	Grid      int
	Threshold float32
}
