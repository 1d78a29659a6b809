package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTransform(t *testing.T, w, h, size int) LetterboxTransform {
	t.Helper()
	tr, err := NewTransform(w, h, size)
	require.NoError(t, err)
	return tr
}

func rowOpts(threshold float64) PostprocessOptions {
	return PostprocessOptions{RowWidth: 6, ConfidenceThreshold: threshold, Layout: LayoutRows}
}

func TestPostprocess_LandscapeScenario(t *testing.T) {
	tr := mustTransform(t, 1200, 800, 640)

	dets, err := Postprocess([]float32{320, 320, 100, 100, 0.9, 1}, rowOpts(0.5), tr)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.InDelta(t, 506.25, d.X, 1e-6)
	assert.InDelta(t, 307.5, d.Y, 1e-6)
	assert.InDelta(t, 187.5, d.Width, 1e-6)
	assert.InDelta(t, 187.5, d.Height, 1e-6)
	assert.InDelta(t, 0.9, d.Confidence, 1e-6)
	assert.Equal(t, 1, d.ClassID)
}

func TestPostprocess_SquareIsIdentity(t *testing.T) {
	tr := mustTransform(t, 640, 640, 640)

	dets, err := Postprocess([]float32{100, 200, 50, 40, 0.7, 2}, rowOpts(0.5), tr)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	assert.InDelta(t, 75, dets[0].X, 1e-6)
	assert.InDelta(t, 180, dets[0].Y, 1e-6)
	assert.InDelta(t, 50, dets[0].Width, 1e-6)
	assert.InDelta(t, 40, dets[0].Height, 1e-6)
}

func TestPostprocess_RoundTripCanvasBounds(t *testing.T) {
	sizes := [][2]int{{1200, 800}, {800, 1200}, {640, 640}, {4032, 3024}, {333, 777}, {1, 1000}}
	for _, s := range sizes {
		tr := mustTransform(t, s[0], s[1], 640)
		S := float32(640)

		// The whole padded canvas covers the whole photo.
		dets, err := Postprocess([]float32{S / 2, S / 2, S, S, 1, 0}, rowOpts(0.5), tr)
		require.NoError(t, err)
		require.Len(t, dets, 1)
		assert.InDelta(t, 0, dets[0].X, 1e-9)
		assert.InDelta(t, 0, dets[0].Y, 1e-9)
		assert.InDelta(t, float64(s[0]), dets[0].Width, 1e-9)
		assert.InDelta(t, float64(s[1]), dets[0].Height, 1e-9)

		// The resized image region maps back to the photo within rounding.
		w, h := tr.ScaledSize()
		row := []float32{
			float32(tr.PadX) + float32(w)/2,
			float32(tr.PadY) + float32(h)/2,
			float32(w),
			float32(h),
			1, 0,
		}
		dets, err = Postprocess(row, rowOpts(0.5), tr)
		require.NoError(t, err)
		require.Len(t, dets, 1)
		assert.InDelta(t, 0, dets[0].X, 1, "size %v", s)
		assert.InDelta(t, 0, dets[0].Y, 1, "size %v", s)
		assert.InDelta(t, float64(s[0]), dets[0].Width, 1, "size %v", s)
		assert.InDelta(t, float64(s[1]), dets[0].Height, 1, "size %v", s)
	}
}

func TestPostprocess_ScaleInvariance(t *testing.T) {
	small := mustTransform(t, 600, 400, 640)
	large := mustTransform(t, 1200, 800, 640)

	assert.InDelta(t, small.Scale/2, large.Scale, 1e-12)
	assert.Equal(t, small.PadX, large.PadX)
	assert.Equal(t, small.PadY, large.PadY)

	row := []float32{320, 320, 100, 80, 0.9, 0}
	a, err := Postprocess(row, rowOpts(0.5), small)
	require.NoError(t, err)
	b, err := Postprocess(row, rowOpts(0.5), large)
	require.NoError(t, err)
	require.Len(t, a, 1)
	require.Len(t, b, 1)

	// Relative to the photo, the box is the same.
	assert.InDelta(t, a[0].X/600, b[0].X/1200, 1e-9)
	assert.InDelta(t, a[0].Y/400, b[0].Y/800, 1e-9)
	assert.InDelta(t, a[0].Width/600, b[0].Width/1200, 1e-9)
	assert.InDelta(t, a[0].Height/400, b[0].Height/800, 1e-9)
}

func TestPostprocess_Threshold(t *testing.T) {
	tr := mustTransform(t, 640, 640, 640)
	data := []float32{
		100, 100, 10, 10, 0.3, 0,
		200, 200, 10, 10, 0.5, 0,
		300, 300, 10, 10, 0.8, 0,
	}

	dets, err := Postprocess(data, rowOpts(0.5), tr)
	require.NoError(t, err)
	require.Len(t, dets, 2, "rows at the threshold are kept")
	assert.InDelta(t, 195, dets[0].X, 1e-6)
	assert.InDelta(t, 295, dets[1].X, 1e-6)
}

func TestPostprocess_ThresholdMonotonic(t *testing.T) {
	tr := mustTransform(t, 1024, 768, 640)
	data := make([]float32, 0, 6*50)
	for i := 0; i < 50; i++ {
		conf := float32(i) / 49
		data = append(data, float32(10+i*12), 300, 20, 20, conf, float32(i%4))
	}

	prev := math.MaxInt
	for threshold := 0.0; threshold <= 1.0; threshold += 0.05 {
		dets, err := Postprocess(data, rowOpts(threshold), tr)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(dets), prev, "threshold %.2f", threshold)
		prev = len(dets)
	}
}

func TestPostprocess_PreservesOrder(t *testing.T) {
	tr := mustTransform(t, 640, 640, 640)
	data := []float32{
		300, 300, 10, 10, 0.6, 0,
		100, 100, 10, 10, 0.9, 0,
		200, 200, 10, 10, 0.7, 0,
	}

	dets, err := Postprocess(data, rowOpts(0.5), tr)
	require.NoError(t, err)
	require.Len(t, dets, 3)
	assert.InDelta(t, 0.6, dets[0].Confidence, 1e-6)
	assert.InDelta(t, 0.9, dets[1].Confidence, 1e-6)
	assert.InDelta(t, 0.7, dets[2].Confidence, 1e-6)
}

func TestPostprocess_Clamping(t *testing.T) {
	tr := mustTransform(t, 1200, 800, 640)
	data := []float32{
		10, 10, 100, 100, 0.9, 0, // top-left, mostly in the padding
		630, 530, 100, 100, 0.9, 0, // bottom-right, past both edges
		-50, -50, 20, 20, 0.9, 0, // entirely outside
	}

	dets, err := Postprocess(data, rowOpts(0.5), tr)
	require.NoError(t, err)
	require.Len(t, dets, 3)

	for _, d := range dets {
		assert.GreaterOrEqual(t, d.X, 0.0)
		assert.GreaterOrEqual(t, d.Y, 0.0)
		assert.GreaterOrEqual(t, d.Width, 0.0)
		assert.GreaterOrEqual(t, d.Height, 0.0)
		assert.LessOrEqual(t, d.X+d.Width, 1200.0)
		assert.LessOrEqual(t, d.Y+d.Height, 800.0)
	}

	assert.InDelta(t, 0, dets[0].X, 1e-9)
	assert.InDelta(t, 112.5, dets[0].Width, 1e-6)
	assert.InDelta(t, 0, dets[0].Height, 1e-9)

	assert.InDelta(t, 1087.5, dets[1].X, 1e-6)
	assert.InDelta(t, 112.5, dets[1].Width, 1e-6)
	assert.InDelta(t, 701.25, dets[1].Y, 1e-6)
	assert.InDelta(t, 98.75, dets[1].Height, 1e-6)

	assert.Equal(t, 0.0, dets[2].Width)
	assert.Equal(t, 0.0, dets[2].Height)
}

func TestPostprocess_Empty(t *testing.T) {
	tr := mustTransform(t, 640, 480, 640)

	dets, err := Postprocess([]float32{1, 2, 3, 4, 0.1, 0, 5, 6, 7, 8, 0.2, 1}, rowOpts(0.5), tr)
	require.NoError(t, err)
	assert.NotNil(t, dets)
	assert.Empty(t, dets)

	dets, err = Postprocess(nil, rowOpts(0.5), tr)
	require.NoError(t, err)
	assert.NotNil(t, dets)
	assert.Empty(t, dets)
}

func TestPostprocess_Malformed(t *testing.T) {
	tr := mustTransform(t, 640, 480, 640)
	nan := float32(math.NaN())

	cases := map[string]struct {
		data []float32
		opts PostprocessOptions
	}{
		"length not a multiple": {[]float32{1, 2, 3, 4, 0.9, 0, 1}, rowOpts(0.5)},
		"unsupported width":     {[]float32{1, 2, 3, 4}, PostprocessOptions{RowWidth: 4}},
		"nan geometry":          {[]float32{nan, 2, 3, 4, 0.9, 0}, rowOpts(0.5)},
		"confidence above one":  {[]float32{1, 2, 3, 4, 1.5, 0}, rowOpts(0.5)},
		"negative confidence":   {[]float32{1, 2, 3, 4, -0.1, 0}, rowOpts(0.5)},
		"negative size":         {[]float32{1, 2, -3, 4, 0.9, 0}, rowOpts(0.5)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dets, err := Postprocess(tc.data, tc.opts, tr)
			assert.ErrorIs(t, err, ErrMalformedOutput)
			assert.Nil(t, dets)
		})
	}

	_, err := Postprocess(nil, rowOpts(0.5), LetterboxTransform{})
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestPostprocess_Normalized(t *testing.T) {
	tr := mustTransform(t, 640, 640, 640)
	opts := rowOpts(0.5)
	opts.Normalized = true

	dets, err := Postprocess([]float32{0.5, 0.5, 0.15625, 0.15625, 0.9, 0}, opts, tr)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.InDelta(t, 270, dets[0].X, 1e-4)
	assert.InDelta(t, 270, dets[0].Y, 1e-4)
	assert.InDelta(t, 100, dets[0].Width, 1e-4)
}

func TestPostprocess_ColumnsLayout(t *testing.T) {
	tr := mustTransform(t, 640, 640, 640)
	opts := rowOpts(0.5)
	opts.Layout = LayoutColumns

	// Two detections stored field by field.
	data := []float32{
		100, 300, // cx
		200, 300, // cy
		50, 20, // w
		40, 20, // h
		0.7, 0.9, // confidence
		2, 1, // class
	}

	dets, err := Postprocess(data, opts, tr)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.InDelta(t, 75, dets[0].X, 1e-6)
	assert.Equal(t, 2, dets[0].ClassID)
	assert.InDelta(t, 290, dets[1].X, 1e-6)
	assert.Equal(t, 1, dets[1].ClassID)
}

func TestPostprocess_FiveWideRowsAndLabels(t *testing.T) {
	tr := mustTransform(t, 640, 640, 640)
	names := []string{"D00", "D10", "D20", "D40"}

	dets, err := Postprocess([]float32{100, 100, 10, 10, 0.9}, PostprocessOptions{
		RowWidth: 5, ConfidenceThreshold: 0.5, ClassNames: names,
	}, tr)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 0, dets[0].ClassID)
	assert.Equal(t, "D00", dets[0].Label)

	dets, err = Postprocess([]float32{100, 100, 10, 10, 0.9, 3, 100, 100, 10, 10, 0.9, 9}, PostprocessOptions{
		RowWidth: 6, ConfidenceThreshold: 0.5, ClassNames: names,
	}, tr)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, "D40", dets[0].Label)
	assert.Equal(t, "", dets[1].Label, "unknown class ids keep an empty label")
}

func TestPostprocess_YOLOv8TwoClasses(t *testing.T) {
	tr := mustTransform(t, 640, 640, 640)
	opts := PostprocessOptions{RowWidth: 6, ConfidenceThreshold: 0.5, Layout: LayoutYOLOv8, ClassNames: []string{"crack", "pothole"}}

	// One anchor: cx, cy, w, h, score class 0, score class 1.
	dets, err := Postprocess([]float32{100, 200, 50, 40, 0.02, 0.95}, opts, tr)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, dets[0].ClassID)
	assert.Equal(t, "pothole", dets[0].Label)
	assert.InDelta(t, 0.95, dets[0].Confidence, 1e-6)
	assert.InDelta(t, 75, dets[0].X, 1e-6)
	assert.InDelta(t, 180, dets[0].Y, 1e-6)

	// Two anchors stored column-major; the second has no class above threshold.
	dets, err = Postprocess([]float32{
		100, 300,
		200, 300,
		50, 20,
		40, 20,
		0.80, 0.10,
		0.60, 0.40,
	}, opts, tr)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 0, dets[0].ClassID)
	assert.InDelta(t, 0.80, dets[0].Confidence, 1e-6)
}

func TestPostprocess_YOLOv8Malformed(t *testing.T) {
	tr := mustTransform(t, 640, 640, 640)

	_, err := Postprocess([]float32{1, 2, 3, 4}, PostprocessOptions{RowWidth: 4, Layout: LayoutYOLOv8}, tr)
	assert.ErrorIs(t, err, ErrMalformedOutput, "no class scores")

	_, err = Postprocess([]float32{1, 2, 3, 4, 0.5, 1.7}, PostprocessOptions{RowWidth: 6, Layout: LayoutYOLOv8}, tr)
	assert.ErrorIs(t, err, ErrMalformedOutput, "score above one")
}

func TestCheckShape(t *testing.T) {
	rows := PostprocessOptions{RowWidth: 6, Layout: LayoutRows}
	cols := PostprocessOptions{RowWidth: 6, Layout: LayoutColumns}
	raw := PostprocessOptions{RowWidth: 8, Layout: LayoutYOLOv8}

	assert.NoError(t, CheckShape(nil, 1800, rows))
	assert.NoError(t, CheckShape([]int64{1, 300, 6}, 1800, rows))
	assert.NoError(t, CheckShape([]int64{1, 0, 6}, 0, rows))
	assert.NoError(t, CheckShape([]int64{1, 6, 300}, 1800, cols))
	assert.NoError(t, CheckShape([]int64{1, 8, 8400}, 8*8400, raw))
	assert.NoError(t, CheckShape([]int64{1, -1, 6}, 1800, rows), "dynamic dimension")

	five := PostprocessOptions{RowWidth: 5, Layout: LayoutRows}
	assert.ErrorIs(t, CheckShape([]int64{1, 300, 6}, 1800, five), ErrMalformedOutput)
	assert.ErrorIs(t, CheckShape([]int64{1, 8, 8400}, 8*8400, cols), ErrMalformedOutput)
	assert.ErrorIs(t, CheckShape([]int64{1, 300, 6}, 1799, rows), ErrMalformedOutput)
	assert.ErrorIs(t, CheckShape([]int64{48}, 48, raw), ErrMalformedOutput)
}

func TestPostprocess_NonMaxSuppression(t *testing.T) {
	tr := mustTransform(t, 640, 640, 640)
	opts := rowOpts(0.5)
	opts.IoUThreshold = 0.5

	data := []float32{
		100, 100, 40, 40, 0.7, 0, // overlaps the next box heavily
		102, 100, 40, 40, 0.9, 0,
		102, 100, 40, 40, 0.8, 1, // same place, other class
		400, 400, 40, 40, 0.6, 0,
	}

	dets, err := Postprocess(data, opts, tr)
	require.NoError(t, err)
	require.Len(t, dets, 3)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6, "survivors keep model order")
	assert.Equal(t, 1, dets[1].ClassID)
	assert.InDelta(t, 0.6, dets[2].Confidence, 1e-6)

	opts.IoUThreshold = 0
	dets, err = Postprocess(data, opts, tr)
	require.NoError(t, err)
	assert.Len(t, dets, 4, "suppression is off by default")
}
