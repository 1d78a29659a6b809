package pipeline

import "fmt"

// PackTensor converts an interleaved RGB canvas into planar CHW float32
// data scaled to [0,1].
func PackTensor(c Canvas) ([]float32, error) {
	if c.Size <= 0 {
		return nil, fmt.Errorf("%w: canvas size must be positive, got %d", ErrPacking, c.Size)
	}
	plane := c.Size * c.Size
	if len(c.Pix) != plane*3 {
		return nil, fmt.Errorf("%w: expected %d values for %dx%dx3, got %d", ErrPacking, plane*3, c.Size, c.Size, len(c.Pix))
	}

	data := make([]float32, plane*3)
	for i := 0; i < plane; i++ {
		data[i] = float32(c.Pix[i*3]) / 255.0
		data[plane+i] = float32(c.Pix[i*3+1]) / 255.0
		data[2*plane+i] = float32(c.Pix[i*3+2]) / 255.0
	}
	return data, nil
}

// InputTensor packs the canvas into a named tensor of shape [1,3,S,S].
func InputTensor(name string, c Canvas) (Tensor, error) {
	data, err := PackTensor(c)
	if err != nil {
		return Tensor{}, err
	}
	s := int64(c.Size)
	return Tensor{Name: name, Shape: []int64{1, 3, s, s}, Data: data}, nil
}
