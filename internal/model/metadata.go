package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
)

var (
	ErrModelNotFound   = errors.New("model artifact not found")
	ErrInvalidMetadata = errors.New("invalid model metadata")
)

const defaultImageSize = 224

// LoadMetadata reads the metadata sidecar, fills in the defaults of the
// Keras export and validates the result.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidMetadata, path, err)
	}

	metadata.applyDefaults()
	if err := metadata.Validate(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.Layout == "" {
		m.Layout = LayoutNHWC
	}
	if len(m.Classes) == 0 {
		m.Classes = append([]string(nil), ClassNames...)
	}
	if m.ImageSize == 0 {
		m.ImageSize = defaultImageSize
	}
	if len(m.InputShape) == 0 {
		size := int64(m.ImageSize)
		if m.Layout == LayoutNCHW {
			m.InputShape = []int64{1, 3, size, size}
		} else {
			m.InputShape = []int64{1, size, size, 3}
		}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
}

// Validate checks that the shapes describe a single square RGB image in and
// one score per class out, with the classes in the training order.
func (m *Metadata) Validate() error {
	if m.Layout != LayoutNHWC && m.Layout != LayoutNCHW {
		return fmt.Errorf("%w: unknown layout %q", ErrInvalidMetadata, m.Layout)
	}
	if len(m.InputShape) != 4 {
		return fmt.Errorf("%w: input shape %v must have rank 4", ErrInvalidMetadata, m.InputShape)
	}
	if m.InputShape[0] != 1 {
		return fmt.Errorf("%w: batch dimension must be 1, got %d", ErrInvalidMetadata, m.InputShape[0])
	}

	var channels, height, width int64
	if m.Layout == LayoutNHWC {
		height, width, channels = m.InputShape[1], m.InputShape[2], m.InputShape[3]
	} else {
		channels, height, width = m.InputShape[1], m.InputShape[2], m.InputShape[3]
	}
	if channels != 3 {
		return fmt.Errorf("%w: expected 3 channels, got %d", ErrInvalidMetadata, channels)
	}
	if height != width || height != int64(m.ImageSize) {
		return fmt.Errorf("%w: input %dx%d does not match image_size %d", ErrInvalidMetadata, height, width, m.ImageSize)
	}

	if !slices.Equal(m.Classes, ClassNames) {
		return fmt.Errorf("%w: classes %v must be %v in that order", ErrInvalidMetadata, m.Classes, ClassNames)
	}
	if got := shapeSize(m.OutputShape); got != int64(len(m.Classes)) {
		return fmt.Errorf("%w: output shape %v has %d values for %d classes", ErrInvalidMetadata, m.OutputShape, got, len(m.Classes))
	}
	return nil
}

// InputLen is the number of float32 values the model expects.
func (m *Metadata) InputLen() int {
	return int(shapeSize(m.InputShape))
}

func shapeSize(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	size := int64(1)
	for _, dim := range shape {
		size *= dim
	}
	return size
}
