package model

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/Brownie44l1/dr-api/internal/preprocess"
	"github.com/Brownie44l1/dr-api/internal/screening"
)

// Metadata is the JSON file shipped next to the .onnx artifact.
type Metadata struct {
	InputShape    []int64  `json:"input_shape"`
	OutputShape   []int64  `json:"output_shape"`
	Classes       []string `json:"classes"`
	ImageSize     int      `json:"image_size"`
	InputName     string   `json:"input_name"`
	OutputName    string   `json:"output_name"`
	Normalization string   `json:"normalization"`
	DRClassIndex  *int     `json:"dr_class_index"`
}

var (
	expectedInputShape  = []int64{1, screening.Channels, screening.ImageSize, screening.ImageSize}
	expectedOutputShape = []int64{1, 2}
)

func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}
	return metadata, nil
}

// Validate checks the artifact against what the pipeline feeds it and what the
// deployment believes about its labeling.
func (m Metadata) Validate(norm preprocess.Normalization, drIndex int) error {
	if !slices.Equal(m.InputShape, expectedInputShape) {
		return fmt.Errorf("input shape %v, want %v", m.InputShape, expectedInputShape)
	}
	if !slices.Equal(m.OutputShape, expectedOutputShape) {
		return fmt.Errorf("output shape %v, want %v", m.OutputShape, expectedOutputShape)
	}
	if m.ImageSize != 0 && m.ImageSize != screening.ImageSize {
		return fmt.Errorf("image size %d, want %d", m.ImageSize, screening.ImageSize)
	}
	if len(m.Classes) != 0 && len(m.Classes) != 2 {
		return fmt.Errorf("expected 2 classes, got %v", m.Classes)
	}

	declared, err := preprocess.ParseNormalization(m.Normalization)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if declared != norm {
		return fmt.Errorf("model expects %s normalization, configured %s", declared, norm)
	}

	if m.DRClassIndex == nil {
		return fmt.Errorf("metadata does not declare dr_class_index")
	}
	if *m.DRClassIndex != drIndex {
		return fmt.Errorf("model labels DR at index %d, configured %d", *m.DRClassIndex, drIndex)
	}
	return nil
}

func (m Metadata) ClassName(i int) string {
	if i >= 0 && i < len(m.Classes) {
		return m.Classes[i]
	}
	return fmt.Sprintf("class_%d", i)
}
