package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes the exported detector's I/O contract.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// LoadMetadata reads a model metadata JSON file. Missing names and the
// input shape are derived from defaultSize.
func LoadMetadata(path string, defaultSize int) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	metadata.setDefaults(defaultSize)
	if err := metadata.Validate(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

func (m *Metadata) setDefaults(size int) {
	if m.InputName == "" {
		m.InputName = "images"
	}
	if m.OutputName == "" {
		m.OutputName = "output0"
	}
	if m.ImageSize == 0 {
		m.ImageSize = size
	}
	if len(m.InputShape) == 0 {
		s := int64(m.ImageSize)
		m.InputShape = []int64{1, 3, s, s}
	}
}

// Validate checks that the shapes describe a square NCHW input and a
// non-empty output.
func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[1] != 3 || m.InputShape[2] != m.InputShape[3] {
		return fmt.Errorf("input shape must be [1,3,S,S], got %v", m.InputShape)
	}
	if int(m.InputShape[2]) != m.ImageSize {
		return fmt.Errorf("input shape %v does not match image size %d", m.InputShape, m.ImageSize)
	}
	if elements(m.OutputShape) <= 0 {
		return fmt.Errorf("output shape must be set and positive, got %v", m.OutputShape)
	}
	return nil
}

// elements returns the number of values a tensor of the given shape holds.
func elements(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
