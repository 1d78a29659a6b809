package pipeline

import (
	"context"
	"io"
)

// LetterboxTransform records how an original image was fitted into the
// square model input, so detections can be mapped back.
type LetterboxTransform struct {
	Scale          float64 `json:"scale"`
	PadX           int     `json:"padX"`
	PadY           int     `json:"padY"`
	TargetSize     int     `json:"targetSize"`
	OriginalWidth  int     `json:"originalWidth"`
	OriginalHeight int     `json:"originalHeight"`
}

// ScaledSize returns the size of the resized image inside the canvas.
func (t LetterboxTransform) ScaledSize() (int, int) {
	return scaledDim(t.OriginalWidth, t.Scale), scaledDim(t.OriginalHeight, t.Scale)
}

// Canvas is the letterboxed S×S RGB image, interleaved per pixel.
type Canvas struct {
	Pix  []uint8
	Size int
}

// Tensor is a named flat float32 buffer with its logical shape.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Invoker runs the detection model on one input tensor.
type Invoker interface {
	Invoke(ctx context.Context, in Tensor) (Tensor, error)
}

// Detection is one box in original image pixel coordinates, top-left anchored.
type Detection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"classId"`
	Label      string  `json:"label,omitempty"`
}

// Result is the outcome of one detection request.
type Result struct {
	Detections     []Detection `json:"detections"`
	OriginalWidth  int         `json:"originalWidth"`
	OriginalHeight int         `json:"originalHeight"`
	ArtifactURI    string      `json:"artifactUri"`
}

// Sink receives rendered artifacts. Create returns a writer for the named
// artifact and the URI under which it will be served.
type Sink interface {
	Create(name string) (io.WriteCloser, string, error)
}
