package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
)

// DefaultPalette colours boxes by class id; class 0 is red.
var DefaultPalette = []color.NRGBA{
	{255, 0, 0, 255},
	{255, 200, 0, 255},
	{0, 200, 255, 255},
	{255, 0, 200, 255},
	{0, 255, 80, 255},
	{255, 120, 0, 255},
}

// Renderer draws detection boxes onto a copy of the original photo.
type Renderer struct {
	JPEGQuality int
	Palette     []color.NRGBA
}

// NewRenderer creates a renderer with the default palette. A quality outside
// 1..100 falls back to 90.
func NewRenderer(jpegQuality int) *Renderer {
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = 90
	}
	return &Renderer{JPEGQuality: jpegQuality, Palette: DefaultPalette}
}

// StrokeWidth is the box outline thickness for an image of the given size.
func StrokeWidth(width, height int) int {
	return max(2, int(math.Round(float64(min(width, height))/200)))
}

// Draw returns a copy of src with one stroked rectangle per detection.
// Coordinates are used as given; outlines are drawn inside the box.
func (r *Renderer) Draw(src image.Image, dets []Detection) *image.NRGBA {
	dst := imaging.Clone(src)
	bounds := dst.Bounds()
	stroke := StrokeWidth(bounds.Dx(), bounds.Dy())

	for _, d := range dets {
		box := image.Rect(
			int(math.Floor(d.X)),
			int(math.Floor(d.Y)),
			int(math.Ceil(d.X+d.Width)),
			int(math.Ceil(d.Y+d.Height)),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}
		strokeRect(dst, box, stroke, image.NewUniform(r.colorFor(d.ClassID)))
	}
	return dst
}

// Render draws the detections and encodes the result into sink under name.
// The encoding follows the extension of name (.jpg, .png, ...).
func (r *Renderer) Render(src image.Image, dets []Detection, sink Sink, name string) (string, error) {
	if src == nil {
		return "", fmt.Errorf("%w: nil image", ErrRender)
	}
	if sink == nil {
		return "", fmt.Errorf("%w: no artifact sink", ErrRender)
	}
	format, err := imaging.FormatFromFilename(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrRender, name, err)
	}

	annotated := r.Draw(src, dets)

	w, uri, err := sink.Create(name)
	if err != nil {
		return "", fmt.Errorf("%w: create artifact: %v", ErrRender, err)
	}
	if err := imaging.Encode(w, annotated, format, imaging.JPEGQuality(r.JPEGQuality)); err != nil {
		w.Close()
		return "", fmt.Errorf("%w: encode artifact: %v", ErrRender, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: write artifact: %v", ErrRender, err)
	}
	return uri, nil
}

func (r *Renderer) colorFor(classID int) color.NRGBA {
	palette := r.Palette
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// strokeRect paints the four edges of box, each stroke pixels thick.
func strokeRect(dst draw.Image, box image.Rectangle, stroke int, src image.Image) {
	edges := []image.Rectangle{
		image.Rect(box.Min.X, box.Min.Y, box.Max.X, min(box.Min.Y+stroke, box.Max.Y)),
		image.Rect(box.Min.X, max(box.Max.Y-stroke, box.Min.Y), box.Max.X, box.Max.Y),
		image.Rect(box.Min.X, box.Min.Y, min(box.Min.X+stroke, box.Max.X), box.Max.Y),
		image.Rect(max(box.Max.X-stroke, box.Min.X), box.Min.Y, box.Max.X, box.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}
