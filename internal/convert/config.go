package convert

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ModelConfig is the part of a dense LLaMA config.json the converter reads.
// Every other key is carried over to the output unchanged.
type ModelConfig struct {
	HiddenSize       int     `json:"hidden_size"`
	IntermediateSize int     `json:"intermediate_size"`
	NumHiddenLayers  int     `json:"num_hidden_layers"`
	HiddenAct        string  `json:"hidden_act"`
	RMSNormEps       float64 `json:"rms_norm_eps"`
	VocabSize        int     `json:"vocab_size"`

	raw map[string]any
}

func readModelConfig(dir string) (*ModelConfig, error) {
	b, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}

	var cfg ModelConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config.json: %w", err)
	}
	if err := json.Unmarshal(b, &cfg.raw); err != nil {
		return nil, fmt.Errorf("config.json: %w", err)
	}

	switch {
	case cfg.HiddenSize < 1:
		return nil, fmt.Errorf("config.json: hidden_size %d", cfg.HiddenSize)
	case cfg.IntermediateSize < 1:
		return nil, fmt.Errorf("config.json: intermediate_size %d", cfg.IntermediateSize)
	case cfg.NumHiddenLayers < 1:
		return nil, fmt.Errorf("config.json: num_hidden_layers %d", cfg.NumHiddenLayers)
	}
	if cfg.HiddenAct == "" {
		cfg.HiddenAct = "silu"
	}
	return &cfg, nil
}

// writeJSON writes v as indented JSON through a temporary file.
func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(b, '\n'))
}

func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
