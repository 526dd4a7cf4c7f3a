package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// OutputKind says what the graph's output tensor holds.
type OutputKind string

const (
	OutputProbabilities OutputKind = "probabilities"
	OutputLogits        OutputKind = "logits"
	OutputFeatures      OutputKind = "features"
)

type Metadata struct {
	InputName   string     `json:"input_name"`
	OutputName  string     `json:"output_name"`
	InputShape  []int64    `json:"input_shape"`
	OutputShape []int64    `json:"output_shape"`
	Output      OutputKind `json:"output"`
}

// LoadMetadata reads a JSON sidecar describing the graph. Fields missing from
// the file keep the values in defaults; an empty path returns defaults as is.
func LoadMetadata(path string, defaults Metadata) (Metadata, error) {
	meta := defaults
	if path == "" {
		return meta, meta.validate()
	}

	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(metaFile, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, meta.validate()
}

func (m Metadata) InputSize() int {
	return volume(m.InputShape)
}

func (m Metadata) OutputSize() int {
	return volume(m.OutputShape)
}

func (m Metadata) validate() error {
	if m.InputName == "" || m.OutputName == "" {
		return fmt.Errorf("metadata needs input and output names")
	}
	if m.InputSize() <= 0 || m.OutputSize() <= 0 {
		return fmt.Errorf("metadata shapes %v -> %v are not positive", m.InputShape, m.OutputShape)
	}
	switch m.Output {
	case OutputProbabilities, OutputLogits, OutputFeatures:
	default:
		return fmt.Errorf("unknown output kind %q", m.Output)
	}
	return nil
}

func volume(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}
