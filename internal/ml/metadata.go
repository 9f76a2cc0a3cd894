package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ModelMetadata is the sidecar written next to an exported ONNX model.
type ModelMetadata struct {
	Version       string    `json:"version"`
	TrainedAt     time.Time `json:"trained_at"`
	Labels        []string  `json:"labels"`
	Accuracy      float64   `json:"accuracy"`
	InputShape    []int     `json:"input_shape"`
	OutputShape   []int     `json:"output_shape"`
	TrainingRows  int       `json:"training_rows"`
	ValidationAcc float64   `json:"validation_accuracy"`
	ChannelMean   []float32 `json:"channel_mean,omitempty"`
	ChannelStd    []float32 `json:"channel_std,omitempty"`
}

// Classes is the size of the last output axis, or 0 when unknown.
func (m *ModelMetadata) Classes() int {
	if m == nil || len(m.OutputShape) == 0 {
		return 0
	}
	return m.OutputShape[len(m.OutputShape)-1]
}

// LoadModelMetadata reads model_metadata.json from the model's directory,
// falling back to the newest model_metadata_*.json.
func LoadModelMetadata(modelPath string) (*ModelMetadata, error) {
	dir := filepath.Dir(modelPath)
	primary := filepath.Join(dir, "model_metadata.json")

	if md, err := decodeMetadata(primary); err == nil {
		return md, nil
	}

	pattern := filepath.Join(dir, "model_metadata_*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob metadata: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no metadata files found in %s", dir)
	}
	sort.Strings(matches)                          // timestamp suffixes sort chronologically
	return decodeMetadata(matches[len(matches)-1]) // newest
}

func decodeMetadata(path string) (*ModelMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var md ModelMetadata
	if err := json.NewDecoder(file).Decode(&md); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &md, nil
}
