package detect

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const boxThickness = 3

var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
	{R: 203, G: 56, B: 255, A: 255},
	{R: 255, G: 149, B: 200, A: 255},
}

func labelColor(label string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(label))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Annotate returns a copy of img with every box outlined and tagged "label NN%".
func Annotate(img image.Image, boxes []Box) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, img, bounds.Min, draw.Src)

	face := basicfont.Face7x13
	for _, b := range boxes {
		c := labelColor(b.Label)
		drawOutline(out, b.Rect, c, boxThickness)

		text := fmt.Sprintf("%s %d%%", b.Label, int(b.Confidence*100+0.5))
		width := font.MeasureString(face, text).Ceil()
		height := face.Metrics().Height.Ceil()

		// tag sits above the box, or inside it when the box touches the top edge
		tag := image.Rect(b.Rect.Min.X, b.Rect.Min.Y-height-2, b.Rect.Min.X+width+4, b.Rect.Min.Y)
		if tag.Min.Y < bounds.Min.Y {
			tag = tag.Add(image.Pt(0, height+2))
		}
		draw.Draw(out, tag.Intersect(bounds), image.NewUniform(c), image.Point{}, draw.Src)

		d := &font.Drawer{
			Dst:  out,
			Src:  image.NewUniform(color.Black),
			Face: face,
			Dot:  fixed.P(tag.Min.X+2, tag.Max.Y-face.Metrics().Descent.Ceil()-1),
		}
		d.DrawString(text)
	}
	return out
}

func drawOutline(dst *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
