// Package vram estimates the GPU memory a local model needs. The pipeline
// merges on-disk config, name heuristics, and file-size fallbacks into a
// principled GiB figure: weights, KV cache, vision tower, framework
// overhead, and tensor-parallel sharding.
//
// Estimates are advisory. Inability to determine a parameter count yields
// no estimate rather than a guess.
package vram

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/scalytics/connectd/internal/modelmeta"
)

const gib = float64(1 << 30)

// Input carries everything the estimator may consult.
type Input struct {
	Name               string
	ModelPath          string
	ContextWindow      int
	TensorParallelSize int
	IsEmbeddingModel   bool
	IsExternal         bool

	// RequestedPrecision is the user's model_precision from the DB config
	// blob ("int4", "fp16", ...). Empty means unset.
	RequestedPrecision string

	DiskConfig    *modelmeta.DiskConfig
	FileSizeBytes int64
}

var (
	// "7B_8E" / "7B-8E": per-expert size times expert count.
	moeSizeExpertsRe = regexp.MustCompile(`(?i)(\d+)B[_-](\d+)E`)
	// "8x7B": expert count times per-expert size.
	moeExpertsSizeRe = regexp.MustCompile(`(?i)(\d+)x(\d+)B`)

	// Common published model sizes, largest first so "13b" is not matched
	// inside "113b" nonsense names before bigger sizes get a chance.
	standardSizes = []int{70, 34, 27, 22, 17, 13, 12, 11, 9, 8, 7, 3, 1}
)

// Estimate returns the estimated VRAM requirement in GiB. The second
// return is false for external or embedding models and whenever the
// parameter count cannot be determined.
func Estimate(in Input) (float64, bool) {
	if in.IsExternal || in.IsEmbeddingModel {
		return 0, false
	}

	totalB, experts, ok := paramCount(in)
	if !ok || totalB <= 0 {
		return 0, false
	}

	expertsPerTok := 2
	if in.DiskConfig != nil {
		if in.DiskConfig.NumLocalExperts > 1 {
			experts = in.DiskConfig.NumLocalExperts
		}
		if in.DiskConfig.NumExpertsPerTok > 0 {
			expertsPerTok = in.DiskConfig.NumExpertsPerTok
		}
	}

	activeB := totalB
	isMoE := experts > 1
	if isMoE {
		activeB = totalB / float64(experts) * float64(expertsPerTok)
	}

	bpp := bytesPerParam(precision(in))

	var weights float64
	if isMoE {
		// Routing tables and shared layers keep the full set from being
		// resident, but most of it is.
		weights = totalB * bpp * 0.7
	} else {
		weights = activeB * bpp
	}

	kv := kvCacheGiB(in.DiskConfig, in.ContextWindow)
	vision := visionGiB(in.DiskConfig, bpp)

	overhead := 0.5
	switch {
	case activeB >= 30:
		overhead = 2
	case activeB >= 13:
		overhead = 1.5
	case activeB >= 7:
		overhead = 1
	}
	if isMoE {
		overhead += math.Min(1, float64(experts)*0.05)
	}

	if tp := in.TensorParallelSize; tp > 1 {
		// Weights and overhead shard across GPUs; the KV cache is held
		// per GPU in this estimate.
		weights /= float64(tp)
		overhead /= float64(tp)
	}

	total := weights + kv + vision + overhead
	total = math.Round(total*10) / 10
	if total < 1 {
		total = 1
	}
	return total, true
}

// paramCount resolves the total parameter count in billions plus any
// expert count learned from the model name. Priority: on-disk config,
// name patterns, file-size fallback.
func paramCount(in Input) (totalB float64, experts int, ok bool) {
	if in.DiskConfig != nil {
		if b, found := in.DiskConfig.ParamCount(); found {
			return b, 0, true
		}
	}

	name := in.Name
	if name == "" {
		name = in.ModelPath
	}

	if m := moeSizeExpertsRe.FindStringSubmatch(name); m != nil {
		size, _ := strconv.Atoi(m[1])
		n, _ := strconv.Atoi(m[2])
		if size > 0 && n > 0 {
			return float64(size * n), n, true
		}
	}
	if m := moeExpertsSizeRe.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[1])
		size, _ := strconv.Atoi(m[2])
		if size > 0 && n > 0 {
			return float64(n * size), n, true
		}
	}

	lower := strings.ToLower(name)
	for _, size := range standardSizes {
		if strings.Contains(lower, strconv.Itoa(size)+"b") {
			return float64(size), 0, true
		}
	}

	if in.FileSizeBytes > 0 {
		divisor := 2.2 // fp16 and unknown
		switch precision(in) {
		case "int4", "awq":
			divisor = 0.55
		case "int8":
			divisor = 1.1
		}
		return float64(in.FileSizeBytes) / gib / divisor, 0, true
	}

	return 0, 0, false
}

// precision resolves the effective precision: the user's requested
// precision wins, then on-disk quantization, then on-disk torch_dtype.
func precision(in Input) string {
	if p := strings.ToLower(in.RequestedPrecision); p != "" {
		return p
	}
	if in.DiskConfig != nil {
		if q := in.DiskConfig.QuantMethod(); q != "" {
			return q
		}
		if d := strings.ToLower(in.DiskConfig.TorchDtype); d != "" {
			return d
		}
	}
	return ""
}

func bytesPerParam(precision string) float64 {
	switch precision {
	case "int4", "awq":
		return 0.5
	case "int8", "fp8":
		return 1
	case "fp16", "bf16", "bfloat16", "float16":
		return 2
	default:
		return 2
	}
}

// kvCacheGiB sizes the attention KV cache. Missing layer or hidden
// dimensions yield 0 — an explicit failure, not an extrapolation.
func kvCacheGiB(cfg *modelmeta.DiskConfig, contextWindow int) float64 {
	if cfg == nil || cfg.HiddenSize <= 0 || cfg.NumHiddenLayers <= 0 || contextWindow <= 0 {
		return 0
	}
	// Keys and values, 2 bytes each element.
	bytes := 2 * float64(cfg.NumHiddenLayers) * float64(cfg.HiddenSize) * float64(contextWindow) * 2
	return bytes / gib
}

// visionGiB estimates the vision tower. Present-but-incomplete configs
// fall back to a flat 4 GiB.
func visionGiB(cfg *modelmeta.DiskConfig, bpp float64) float64 {
	if cfg == nil || cfg.VisionConfig == nil {
		return 0
	}
	v := cfg.VisionConfig
	if v.HiddenSize <= 0 || v.NumHiddenLayers <= 0 || v.IntermediateSize <= 0 ||
		v.ImageSize <= 0 || v.PatchSize <= 0 {
		return 4
	}

	h := float64(v.HiddenSize)
	inter := float64(v.IntermediateSize)
	layers := float64(v.NumHiddenLayers)
	numPatches := float64((v.ImageSize / v.PatchSize) * (v.ImageSize / v.PatchSize))
	patch := float64(v.PatchSize)

	params := layers*(4*h*h+2*h*inter) + (numPatches+1)*h + patch*patch*3*h
	return params * bpp / gib
}
