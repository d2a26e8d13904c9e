package detect

import (
	"image"
	"sort"
)

// Tiles splits bounds into an n×n grid. Each cell is ceil(W/n)×ceil(H/n) and is
// grown by overlap (a fraction of the cell size) on every side, then clipped.
// Cells that fall entirely outside bounds are skipped.
func Tiles(bounds image.Rectangle, n int, overlap float64) []image.Rectangle {
	if n < 1 || bounds.Empty() {
		return nil
	}
	tw := (bounds.Dx() + n - 1) / n
	th := (bounds.Dy() + n - 1) / n
	mx := int(float64(tw) * overlap)
	my := int(float64(th) * overlap)

	tiles := make([]image.Rectangle, 0, n*n)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			cell := image.Rect(
				bounds.Min.X+col*tw, bounds.Min.Y+row*th,
				bounds.Min.X+(col+1)*tw, bounds.Min.Y+(row+1)*th,
			).Intersect(bounds)
			if cell.Empty() {
				continue
			}
			tiles = append(tiles, image.Rect(
				cell.Min.X-mx, cell.Min.Y-my,
				cell.Max.X+mx, cell.Max.Y+my,
			).Intersect(bounds))
		}
	}
	return tiles
}

// IoU is the intersection-over-union of two rectangles.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

// Merge applies greedy per-label non-max suppression: boxes are visited in
// descending confidence and dropped when they overlap an already kept box of
// the same label by more than iouThreshold. Ties are broken by label and
// position so the output does not depend on input order.
func Merge(boxes []Box, iouThreshold float64) []Box {
	sorted := make([]Box, len(boxes))
	copy(sorted, boxes)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		if a.Rect.Min.Y != b.Rect.Min.Y {
			return a.Rect.Min.Y < b.Rect.Min.Y
		}
		if a.Rect.Min.X != b.Rect.Min.X {
			return a.Rect.Min.X < b.Rect.Min.X
		}
		if a.Rect.Max.Y != b.Rect.Max.Y {
			return a.Rect.Max.Y < b.Rect.Max.Y
		}
		return a.Rect.Max.X < b.Rect.Max.X
	})

	kept := make([]Box, 0, len(sorted))
	for _, candidate := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.Label == candidate.Label && IoU(k.Rect, candidate.Rect) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func clampConfidence(c float32) float32 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
