package launch

import "strings"

// familyDefaults are the hard-coded per-family launch defaults, applied
// last in the merge order (disk config and DB config win).
type familyDefaults struct {
	Name                 string
	DType                string
	Quantization         string // "" or a vLLM quantization name, e.g. "bitsandbytes"
	GPUMemoryUtilization float64
	MaxModelLenCap       int
	MaxNumSeqs           int
	TrustRemoteCode      bool
	MaxNumBatchedTokens  int // 0 means use the context-derived policy
}

// families are matched against the model path substring in order; the
// first hit wins. "mistral3.1" must sort before "mistral".
var families = []familyDefaults{
	{
		Name:                 "mistral3.1",
		DType:                "auto",
		Quantization:         "bitsandbytes",
		GPUMemoryUtilization: 0.85,
		MaxModelLenCap:       32768,
		MaxNumSeqs:           8,
		TrustRemoteCode:      true,
		MaxNumBatchedTokens:  16384,
	},
	{
		Name:                 "mistral",
		DType:                "auto",
		GPUMemoryUtilization: 0.85,
		MaxModelLenCap:       32768,
		MaxNumSeqs:           16,
		TrustRemoteCode:      true,
	},
	{
		Name:                 "llama",
		DType:                "auto",
		GPUMemoryUtilization: 0.8,
		MaxModelLenCap:       32768,
		MaxNumSeqs:           16,
		TrustRemoteCode:      true,
	},
	{
		Name:                 "gemma",
		DType:                "auto",
		GPUMemoryUtilization: 0.85,
		MaxModelLenCap:       8192,
		MaxNumSeqs:           8,
		TrustRemoteCode:      true,
	},
	{
		Name:                 "deepseek",
		DType:                "auto",
		GPUMemoryUtilization: 0.9,
		MaxModelLenCap:       32768,
		MaxNumSeqs:           8,
		TrustRemoteCode:      true,
	},
	{
		Name:                 "phi",
		DType:                "auto",
		GPUMemoryUtilization: 0.85,
		MaxModelLenCap:       16384,
		MaxNumSeqs:           16,
		TrustRemoteCode:      true,
	},
}

var defaultFamily = familyDefaults{
	Name:                 "default",
	DType:                "auto",
	GPUMemoryUtilization: 0.8,
	MaxModelLenCap:       32768,
	MaxNumSeqs:           16,
}

// familyFor picks launch defaults by model path substring.
func familyFor(modelPath string) familyDefaults {
	lower := strings.ToLower(modelPath)
	for _, f := range families {
		match := f.Name
		if f.Name == "llama" && (strings.Contains(lower, "meta-llama") || strings.Contains(lower, "llama")) {
			return f
		}
		if strings.Contains(lower, match) {
			return f
		}
	}
	return defaultFamily
}
