// Package modelmeta reads on-disk model metadata: the HuggingFace-style
// config.json next to the weights, and weight file sizes. Both the VRAM
// estimator and the launch planner consume it.
package modelmeta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	. "github.com/scalytics/connectd/internal/logging"
)

// VisionConfig is the vision tower section of a multimodal config.json.
type VisionConfig struct {
	HiddenSize       int `json:"hidden_size"`
	IntermediateSize int `json:"intermediate_size"`
	NumHiddenLayers  int `json:"num_hidden_layers"`
	ImageSize        int `json:"image_size"`
	PatchSize        int `json:"patch_size"`
}

// QuantizationConfig is the quantization section of config.json.
type QuantizationConfig struct {
	QuantMethod string `json:"quant_method"`
}

// DiskConfig is the subset of config.json the server cares about.
type DiskConfig struct {
	HiddenSize            int                 `json:"hidden_size"`
	NumHiddenLayers       int                 `json:"num_hidden_layers"`
	TorchDtype            string              `json:"torch_dtype"`
	NumLocalExperts       int                 `json:"num_local_experts"`
	NumExpertsPerTok      int                 `json:"num_experts_per_tok"`
	MaxPositionEmbeddings int                 `json:"max_position_embeddings"`
	VisionConfig          *VisionConfig       `json:"vision_config"`
	Quantization          *QuantizationConfig `json:"quantization_config"`

	// Parameter counts appear under several keys depending on the exporter.
	NumParameters float64 `json:"num_parameters"`
	NParams       float64 `json:"n_params"`
	TotalParams   float64 `json:"total_params"`
}

// ParamCount returns the declared parameter count in billions, or (0, false)
// when the config carries none. Counts above 10^6 are assumed to be raw
// parameter counts and are divided down.
func (c *DiskConfig) ParamCount() (float64, bool) {
	for _, v := range []float64{c.NumParameters, c.NParams, c.TotalParams} {
		if v > 0 {
			if v > 1e6 {
				return v / 1e9, true
			}
			return v, true
		}
	}
	return 0, false
}

// QuantMethod returns the on-disk quantization method, or "" when absent
// or explicitly "none".
func (c *DiskConfig) QuantMethod() string {
	if c == nil || c.Quantization == nil {
		return ""
	}
	m := strings.ToLower(c.Quantization.QuantMethod)
	if m == "none" {
		return ""
	}
	return m
}

// Read loads <modelPath>/config.json. A missing or unreadable file returns
// (nil, nil): callers fall back to heuristics, this is not an error.
func Read(modelPath string) (*DiskConfig, error) {
	path := filepath.Join(modelPath, "config.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		L_warn("modelmeta: config.json unreadable", "path", path, "error", err)
		return nil, nil
	}

	var cfg DiskConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("malformed config.json at %s: %w", path, err)
	}
	return &cfg, nil
}

// WeightSize sums the sizes of weight files under modelPath. For a file
// path it returns that file's size. Returns 0 when nothing is found.
func WeightSize(modelPath string) int64 {
	info, err := os.Stat(modelPath)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}

	var total int64
	entries, err := os.ReadDir(modelPath)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".safetensors") || strings.HasSuffix(name, ".bin") ||
			strings.HasSuffix(name, ".pt") || strings.HasSuffix(name, ".gguf") {
			if fi, err := e.Info(); err == nil {
				total += fi.Size()
			}
		}
	}
	return total
}
