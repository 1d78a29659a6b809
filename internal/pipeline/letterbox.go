package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// padColor fills the letterbox bars.
var padColor = color.NRGBA{0, 0, 0, 255}

// Decode reads an encoded image (JPEG, PNG, GIF, BMP or TIFF), applying the
// EXIF orientation so that phone photos come out upright.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: zero dimensions %dx%d", ErrInvalidImage, b.Dx(), b.Dy())
	}
	return img, nil
}

// NewTransform computes the letterbox parameters for fitting a width×height
// image into a size×size square. The left/top padding is the floor of half the
// shortfall; the right/bottom edge absorbs the odd pixel.
func NewTransform(width, height, size int) (LetterboxTransform, error) {
	if width <= 0 || height <= 0 {
		return LetterboxTransform{}, fmt.Errorf("%w: zero dimensions %dx%d", ErrInvalidImage, width, height)
	}
	if size <= 0 {
		return LetterboxTransform{}, fmt.Errorf("%w: target size must be positive, got %d", ErrInvalidImage, size)
	}

	scale := math.Min(float64(size)/float64(width), float64(size)/float64(height))
	t := LetterboxTransform{
		Scale:          scale,
		TargetSize:     size,
		OriginalWidth:  width,
		OriginalHeight: height,
	}
	scaledW, scaledH := t.ScaledSize()
	t.PadX = (size - scaledW) / 2
	t.PadY = (size - scaledH) / 2
	return t, nil
}

// Letterbox resizes img to fit a size×size canvas without changing its aspect
// ratio and centres it on black padding. The source image is not modified.
func Letterbox(img image.Image, size int) (Canvas, LetterboxTransform, error) {
	if img == nil {
		return Canvas{}, LetterboxTransform{}, fmt.Errorf("%w: nil image", ErrInvalidImage)
	}
	b := img.Bounds()
	t, err := NewTransform(b.Dx(), b.Dy(), size)
	if err != nil {
		return Canvas{}, LetterboxTransform{}, err
	}

	scaledW, scaledH := t.ScaledSize()
	scaled := img
	if scaledW != b.Dx() || scaledH != b.Dy() {
		scaled = resize.Resize(uint(scaledW), uint(scaledH), img, resize.Bilinear)
	}

	// Overlay alpha-blends, so transparent PNG pixels end up on black like the bars.
	padded := imaging.Overlay(imaging.New(size, size, padColor), scaled, image.Pt(t.PadX, t.PadY), 1.0)

	return Canvas{Pix: rgbPixels(padded), Size: size}, t, nil
}

// rgbPixels drops the alpha channel of an NRGBA image.
func rgbPixels(img *image.NRGBA) []uint8 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]uint8, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			out = append(out, row[x*4], row[x*4+1], row[x*4+2])
		}
	}
	return out
}

func scaledDim(n int, scale float64) int {
	return max(1, int(math.Round(float64(n)*scale)))
}
