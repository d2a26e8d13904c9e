package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"time"

	"brivet/internal/apperr"
	"brivet/internal/logger"
	"brivet/internal/metrics"
)

// Options tunes tiling and merging.
type Options struct {
	Overlap      float64       // fraction of a tile added on each side
	IoUThreshold float64       // same-label boxes above this overlap are merged
	TileTimeout  time.Duration // budget per tile, a run gets grid² of these
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	Overlap:      0.1,
	IoUThreshold: 0.5,
	TileTimeout:  20 * time.Second,
}

// TileDetector slices images into tiles and runs the primitive on each.
type TileDetector struct {
	primitive Primitive
	opts      Options
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

// NewTileDetector creates a TileDetector around primitive.
func NewTileDetector(primitive Primitive, opts Options, logger *logger.Logger, metrics *metrics.Metrics) *TileDetector {
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = DefaultOptions.IoUThreshold
	}
	if opts.TileTimeout <= 0 {
		opts.TileTimeout = DefaultOptions.TileTimeout
	}
	return &TileDetector{
		primitive: primitive,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
	}
}

type tileOutcome struct {
	boxes []Box
	err   error
}

// Detect runs the primitive over a grid×grid tiling of img, keeps boxes at or
// above threshold, merges duplicates across tiles and annotates a copy of img.
// The whole run is bounded by grid² × TileTimeout; exceeding it returns a
// DetectionTimeoutError even if the primitive never returns.
func (d *TileDetector) Detect(ctx context.Context, img image.Image, grid int, threshold float32) (*Result, error) {
	if err := ValidateGrid(grid); err != nil {
		return nil, err
	}
	if err := ValidateConfidence(threshold); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, apperr.Invalid("image", "is empty")
	}

	start := time.Now()
	tiles := Tiles(img.Bounds(), grid, d.opts.Overlap)

	budget := time.Duration(grid*grid) * d.opts.TileTimeout
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan tileOutcome, 1)
	go func() {
		boxes, err := d.runTiles(runCtx, img, tiles)
		done <- tileOutcome{boxes: boxes, err: err}
	}()

	var raw []Box
	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, &apperr.DetectionTimeoutError{Timeout: budget}
			}
			return nil, out.err
		}
		raw = out.boxes
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Warning("Detection over %d tiles exceeded %s", len(tiles), budget)
		return nil, &apperr.DetectionTimeoutError{Timeout: budget}
	}

	kept := raw[:0]
	for _, b := range raw {
		if b.Confidence >= threshold {
			kept = append(kept, b)
		}
	}
	merged := Merge(kept, d.opts.IoUThreshold)

	d.logger.Debug("Grid %dx%d: %d raw boxes, %d above %.2f, %d after merge", grid, grid, len(raw), len(kept), threshold, len(merged))

	return &Result{
		Boxes:     merged,
		Count:     len(merged),
		Duration:  time.Since(start),
		Annotated: Annotate(img, merged),
		Grid:      grid,
		Threshold: threshold,
	}, nil
}

// runTiles calls the primitive once per tile and returns the boxes in image
// coordinates.
func (d *TileDetector) runTiles(ctx context.Context, img image.Image, tiles []image.Rectangle) ([]Box, error) {
	bounds := img.Bounds()
	var boxes []Box
	for i, tile := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		crop := image.NewRGBA(image.Rect(0, 0, tile.Dx(), tile.Dy()))
		draw.Draw(crop, crop.Bounds(), img, tile.Min, draw.Src)

		d.metrics.TileCalls.Add(1)
		found, err := d.primitive.Detect(ctx, crop)
		if err != nil {
			return nil, fmt.Errorf("tile %d/%d: %w", i+1, len(tiles), err)
		}

		for _, b := range found {
			r := b.Rect.Canon().Add(tile.Min).Intersect(bounds)
			if r.Empty() {
				continue
			}
			boxes = append(boxes, Box{
				Label:      b.Label,
				Confidence: clampConfidence(b.Confidence),
				Rect:       r,
			})
		}
	}
	return boxes, nil
}
