package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Brownie44l1/rdd-api/internal/logger"
)

// DefaultInputName is the input tensor name of an Ultralytics YOLO export.
const DefaultInputName = "images"

// Options configures a Pipeline.
type Options struct {
	TargetSize       int
	InputName        string
	InferenceTimeout time.Duration
	Postprocess      PostprocessOptions
}

// Pipeline turns a decoded photo into detections and an annotated artifact.
// It holds no per-request state and is safe for concurrent use when its
// Invoker is.
type Pipeline struct {
	opts     Options
	invoker  Invoker
	renderer *Renderer
	logger   *logger.Logger
}

// New creates a pipeline around a loaded model. A nil renderer disables
// artifact rendering.
func New(opts Options, invoker Invoker, renderer *Renderer, log *logger.Logger) *Pipeline {
	if opts.InputName == "" {
		opts.InputName = DefaultInputName
	}
	if opts.Postprocess.Layout == "" {
		opts.Postprocess.Layout = LayoutRows
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Pipeline{
		opts:     opts,
		invoker:  invoker,
		renderer: renderer,
		logger:   log,
	}
}

// Detect runs the full pipeline on img. When sink is non-nil the annotated
// image is written there under artifactName.
//
// If only rendering fails, Detect returns the complete result without an
// artifact URI together with an error wrapping ErrRender. Any other error
// returns a nil result.
func (p *Pipeline) Detect(ctx context.Context, img image.Image, sink Sink, artifactName string) (*Result, error) {
	start := time.Now()

	canvas, transform, err := Letterbox(img, p.opts.TargetSize)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Letterboxed image",
		"original_width", transform.OriginalWidth,
		"original_height", transform.OriginalHeight,
		"scale", transform.Scale,
		"pad_x", transform.PadX,
		"pad_y", transform.PadY,
	)

	input, err := InputTensor(p.opts.InputName, canvas)
	if err != nil {
		return nil, err
	}

	inferStart := time.Now()
	output, err := p.invoke(ctx, input)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Inference completed",
		"output", output.Name,
		"values", len(output.Data),
		"duration", time.Since(inferStart),
	)

	if err := CheckShape(output.Shape, len(output.Data), p.opts.Postprocess); err != nil {
		return nil, err
	}
	detections, err := Postprocess(output.Data, p.opts.Postprocess, transform)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Detections:     detections,
		OriginalWidth:  transform.OriginalWidth,
		OriginalHeight: transform.OriginalHeight,
	}

	if sink != nil && p.renderer != nil {
		uri, err := p.renderer.Render(img, detections, sink, artifactName)
		if err != nil {
			p.logger.Warn("Failed to render overlay", "artifact", artifactName, "error", err)
			return result, err
		}
		result.ArtifactURI = uri
	}

	p.logger.Debug("Detection finished",
		"detections", len(detections),
		"artifact", result.ArtifactURI,
		"duration", time.Since(start),
	)
	return result, nil
}

type invokeResult struct {
	out Tensor
	err error
}

// invoke calls the model with the configured timeout. The call runs in its
// own goroutine so an invoker that ignores ctx cannot block the caller.
func (p *Pipeline) invoke(ctx context.Context, in Tensor) (Tensor, error) {
	if p.invoker == nil {
		return Tensor{}, errors.New("no inference invoker configured")
	}
	if p.opts.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.InferenceTimeout)
		defer cancel()
	}

	done := make(chan invokeResult, 1)
	go func() {
		out, err := p.invoker.Invoke(ctx, in)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && !errors.Is(r.err, ErrTimeout) {
				return Tensor{}, fmt.Errorf("%w: inference: %v", ErrTimeout, r.err)
			}
			return Tensor{}, fmt.Errorf("inference failed: %w", r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Tensor{}, fmt.Errorf("%w: inference exceeded %v", ErrTimeout, p.opts.InferenceTimeout)
		}
		return Tensor{}, fmt.Errorf("inference cancelled: %w", ctx.Err())
	}
}
