package pipeline

import (
	"errors"
)

var (
	// ErrInvalidImage means the input could not be decoded or has no pixels.
	ErrInvalidImage = errors.New("invalid image")
	// ErrPacking means the canvas buffer does not match its declared size.
	ErrPacking = errors.New("packing error")
	// ErrMalformedOutput means the model output cannot be read as detection rows.
	ErrMalformedOutput = errors.New("malformed model output")
	// ErrTimeout means inference or an image fetch exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrRender means the overlay artifact could not be produced.
	ErrRender = errors.New("render error")
)

// Kind returns a stable identifier for the error class of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, ErrPacking):
		return "packing_error"
	case errors.Is(err, ErrMalformedOutput):
		return "malformed_output"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRender):
		return "render_error"
	default:
		return "internal"
	}
}

// Retriable reports whether the caller may retry the same request later.
func Retriable(err error) bool {
	return errors.Is(err, ErrTimeout)
}
