package pipeline

import (
	"fmt"
	"math"
	"sort"
)

// OutputLayout describes how detector rows are arranged in the flat output.
type OutputLayout string

const (
	// LayoutRows stores one detection after another: N×fields, with fields
	// cx, cy, w, h, confidence and an optional class id.
	LayoutRows OutputLayout = "rows"
	// LayoutColumns stores the same fields as LayoutRows transposed: fields×N.
	LayoutColumns OutputLayout = "columns"
	// LayoutYOLOv8 is the raw Ultralytics YOLOv8 head, [4+nc]×N: cx, cy, w, h
	// followed by one score per class. The confidence is the best class score
	// and the class id its index.
	LayoutYOLOv8 OutputLayout = "yolov8"
)

// PostprocessOptions controls how raw detector output is interpreted.
type PostprocessOptions struct {
	RowWidth            int // 5 or 6 for rows/columns, 4+classes for yolov8
	ConfidenceThreshold float64
	Normalized          bool // geometry in [0,1] instead of model pixels
	Layout              OutputLayout
	ClassNames          []string
	IoUThreshold        float64 // per-class NMS when > 0
}

// CheckShape verifies that an output tensor shape agrees with the row width
// and with the number of values received. An empty shape is not checked;
// negative (dynamic) dimensions are skipped.
func CheckShape(shape []int64, values int, opts PostprocessOptions) error {
	if len(shape) == 0 {
		return nil
	}

	total, known := int64(1), true
	for _, d := range shape {
		if d < 0 {
			known = false
			break
		}
		total *= d
	}
	if known && total != int64(values) {
		return fmt.Errorf("%w: output shape %v does not match %d values", ErrMalformedOutput, shape, values)
	}

	var fields int64
	switch opts.Layout {
	case LayoutColumns, LayoutYOLOv8:
		if len(shape) < 2 {
			return fmt.Errorf("%w: %s layout needs a 2-D output, got shape %v", ErrMalformedOutput, opts.Layout, shape)
		}
		fields = shape[len(shape)-2]
	default:
		fields = shape[len(shape)-1]
	}
	if fields >= 0 && fields != int64(opts.RowWidth) {
		return fmt.Errorf("%w: output shape %v has %d fields per detection, row width is %d",
			ErrMalformedOutput, shape, fields, opts.RowWidth)
	}
	return nil
}

// Postprocess filters raw rows by confidence and maps the surviving boxes from
// model input space back to original image pixels. Rows are returned in the
// order the detector emitted them. Any malformed row fails the whole call.
func Postprocess(data []float32, opts PostprocessOptions, t LetterboxTransform) ([]Detection, error) {
	width := opts.RowWidth
	if err := checkWidth(width, opts.Layout); err != nil {
		return nil, err
	}
	if len(data)%width != 0 {
		return nil, fmt.Errorf("%w: %d values is not a multiple of row width %d", ErrMalformedOutput, len(data), width)
	}
	if t.Scale <= 0 || t.TargetSize <= 0 {
		return nil, fmt.Errorf("%w: invalid letterbox transform (scale %v, size %d)", ErrMalformedOutput, t.Scale, t.TargetSize)
	}

	n := len(data) / width
	field := rowReader(data, width, n, opts.Layout)

	detections := make([]Detection, 0)
	for i := 0; i < n; i++ {
		b, err := readRow(field, i, width, opts.Layout)
		if err != nil {
			return nil, err
		}
		if b.conf < opts.ConfidenceThreshold {
			continue
		}

		cx, cy, w, h := b.cx, b.cy, b.w, b.h
		if opts.Normalized {
			s := float64(t.TargetSize)
			cx, cy, w, h = cx*s, cy*s, w*s, h*s
		}

		d := invert(cx, cy, w, h, t)
		d.Confidence = b.conf
		d.ClassID = b.class
		if d.ClassID >= 0 && d.ClassID < len(opts.ClassNames) {
			d.Label = opts.ClassNames[d.ClassID]
		}
		detections = append(detections, d)
	}

	if opts.IoUThreshold > 0 {
		detections = suppress(detections, opts.IoUThreshold)
	}
	return detections, nil
}

func checkWidth(width int, layout OutputLayout) error {
	if layout == LayoutYOLOv8 {
		if width < 5 {
			return fmt.Errorf("%w: yolov8 row width must be 4 plus at least one class, got %d", ErrMalformedOutput, width)
		}
		return nil
	}
	if width != 5 && width != 6 {
		return fmt.Errorf("%w: row width must be 5 or 6, got %d", ErrMalformedOutput, width)
	}
	return nil
}

// rawBox is one decoded row in model space.
type rawBox struct {
	cx, cy, w, h float64
	conf         float64
	class        int
}

func readRow(field func(i, f int) float32, i, width int, layout OutputLayout) (rawBox, error) {
	var (
		b   rawBox
		geo [4]float64
	)
	for f := 0; f < width; f++ {
		v := float64(field(i, f))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return rawBox{}, fmt.Errorf("%w: row %d field %d is not finite", ErrMalformedOutput, i, f)
		}
		switch {
		case f < 4:
			geo[f] = v
		case layout == LayoutYOLOv8:
			if v < 0 || v > 1 {
				return rawBox{}, fmt.Errorf("%w: row %d class %d score %v outside [0,1]", ErrMalformedOutput, i, f-4, v)
			}
			if f == 4 || v > b.conf {
				b.conf, b.class = v, f-4
			}
		case f == 4:
			if v < 0 || v > 1 {
				return rawBox{}, fmt.Errorf("%w: row %d confidence %v outside [0,1]", ErrMalformedOutput, i, v)
			}
			b.conf = v
		default:
			b.class = int(v)
		}
	}

	b.cx, b.cy, b.w, b.h = geo[0], geo[1], geo[2], geo[3]
	if b.w < 0 || b.h < 0 {
		return rawBox{}, fmt.Errorf("%w: row %d has negative size %vx%v", ErrMalformedOutput, i, b.w, b.h)
	}
	return b, nil
}

// invert maps a centre-anchored box in model pixels to a clipped, top-left
// anchored box in original image pixels.
func invert(cx, cy, w, h float64, t LetterboxTransform) Detection {
	x := (cx - w/2 - float64(t.PadX)) / t.Scale
	y := (cy - h/2 - float64(t.PadY)) / t.Scale
	ow := w / t.Scale
	oh := h / t.Scale

	maxW, maxH := float64(t.OriginalWidth), float64(t.OriginalHeight)
	x1 := clamp(x, 0, maxW)
	y1 := clamp(y, 0, maxH)
	x2 := clamp(x+ow, 0, maxW)
	y2 := clamp(y+oh, 0, maxH)

	return Detection{
		X:      x1,
		Y:      y1,
		Width:  math.Max(0, x2-x1),
		Height: math.Max(0, y2-y1),
	}
}

// suppress drops every box that overlaps a more confident box of the same
// class by more than iou. Survivors keep their original order.
func suppress(dets []Detection, iou float64) []Detection {
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Confidence > dets[order[b]].Confidence
	})

	dropped := make([]bool, len(dets))
	for k, i := range order {
		if dropped[i] {
			continue
		}
		for _, j := range order[k+1:] {
			if !dropped[j] && dets[j].ClassID == dets[i].ClassID && overlap(dets[i], dets[j]) > iou {
				dropped[j] = true
			}
		}
	}

	kept := make([]Detection, 0, len(dets))
	for i, d := range dets {
		if !dropped[i] {
			kept = append(kept, d)
		}
	}
	return kept
}

// overlap is the intersection over union of two boxes.
func overlap(a, b Detection) float64 {
	iw := math.Min(a.X+a.Width, b.X+b.Width) - math.Max(a.X, b.X)
	ih := math.Min(a.Y+a.Height, b.Y+b.Height) - math.Max(a.Y, b.Y)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// rowReader returns an accessor for field f of row i.
func rowReader(data []float32, width, n int, layout OutputLayout) func(i, f int) float32 {
	if layout == LayoutColumns || layout == LayoutYOLOv8 {
		return func(i, f int) float32 { return data[f*n+i] }
	}
	return func(i, f int) float32 { return data[i*width+f] }
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
