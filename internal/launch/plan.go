// Package launch composes the vLLM subprocess launch plan for a local
// torch model: on-disk config.json, the model's DB config blob, and
// hard-coded family defaults merged into an ordered argument list.
package launch

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/modelmeta"
	"github.com/scalytics/connectd/internal/store"
)

// Options carries the caller-supplied launch parameters.
type Options struct {
	Port        int
	DownloadDir string
}

// Plan is a fully resolved launch plan: the exact argument list handed to
// the wrapper script plus the resolved settings it was derived from.
type Plan struct {
	Args []string `json:"args"`
	Env  []string `json:"env"`

	ModelPath            string  `json:"modelPath"`
	ServedModelName      string  `json:"servedModelName"`
	DType                string  `json:"dtype"`
	Quantization         string  `json:"quantization"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization"`
	MaxModelLen          int     `json:"max_model_len"`
	MaxNumSeqs           int     `json:"max_num_seqs"`
	MaxNumBatchedTokens  int     `json:"max_num_batched_tokens"`
	TensorParallelSize   int     `json:"tensor_parallel_size"`
	TrustRemoteCode      bool    `json:"trust_remote_code"`
	EnforceEager         bool    `json:"enforce_eager"`
}

// singleGPUContextCap bounds max_model_len on single-GPU deployments
// regardless of what the model or the admin requests.
const singleGPUContextCap = 32768

// Build composes the launch plan for a torch-format model.
func Build(m *store.Model, disk *modelmeta.DiskConfig, opts Options) (*Plan, error) {
	if m.ModelFormat != store.FormatTorch {
		return nil, fmt.Errorf("model %q has unsupported format %q", m.Name, m.ModelFormat)
	}

	family := familyFor(m.ModelPath)
	dbCfg := m.ConfigMap()

	tp := m.TensorParallelSize
	if tp < 1 {
		tp = 1
	}

	plan := &Plan{
		ModelPath:            m.ModelPath,
		ServedModelName:      strconv.FormatInt(m.ID, 10),
		TensorParallelSize:   tp,
		GPUMemoryUtilization: family.GPUMemoryUtilization,
		TrustRemoteCode:      family.TrustRemoteCode,
		MaxNumSeqs:           family.MaxNumSeqs,
	}

	if v, ok := numValue(dbCfg, "gpu_memory_utilization"); ok && v > 0 && v <= 1 {
		plan.GPUMemoryUtilization = v
	}
	if v, ok := intValue(dbCfg, "max_num_seqs"); ok && v > 0 {
		plan.MaxNumSeqs = v
	}
	if v, ok := dbCfg["trust_remote_code"].(bool); ok {
		plan.TrustRemoteCode = v
	}
	if v, ok := dbCfg["enforce_eager"].(bool); ok {
		plan.EnforceEager = v
	}

	plan.DType, plan.Quantization = resolvePrecision(m, disk, dbCfg, family)
	plan.MaxModelLen = resolveMaxModelLen(m.ContextWindow, family.MaxModelLenCap, tp)
	plan.MaxNumBatchedTokens = resolveBatchedTokens(plan.MaxModelLen, family.MaxNumBatchedTokens)

	plan.Args = plan.argList(opts)
	plan.Env = envSnapshot()

	L_debug("launch: plan built", "model", m.Name, "dtype", plan.DType,
		"quantization", plan.Quantization, "maxModelLen", plan.MaxModelLen,
		"batchedTokens", plan.MaxNumBatchedTokens, "tp", tp)
	return plan, nil
}

// resolvePrecision settles the dtype/quantization pair.
//
// On-disk quantization always wins: the weights are already quantized, so
// dtype goes to auto and the method is passed through. The engine cannot
// quantize unquantized weights to int4 on the fly (AWQ excepted), so an
// int4 request on plain weights warns and falls back to the on-disk dtype.
func resolvePrecision(m *store.Model, disk *modelmeta.DiskConfig, dbCfg map[string]any, family familyDefaults) (dtype, quantization string) {
	requested := ""
	if v, ok := dbCfg["model_precision"].(string); ok {
		requested = strings.ToLower(v)
	}

	diskQuant := disk.QuantMethod()
	if diskQuant != "" {
		return "auto", diskQuant
	}

	diskDtype := ""
	if disk != nil {
		diskDtype = strings.ToLower(disk.TorchDtype)
	}

	switch requested {
	case "int4":
		L_warn("launch: int4 requested on unquantized weights, falling back to on-disk dtype",
			"model", m.Name, "dtype", diskDtype)
	case "int8":
		return "auto", "bitsandbytes"
	case "fp16", "float16":
		return "float16", family.Quantization
	case "bf16", "bfloat16":
		return "bfloat16", family.Quantization
	}

	if diskDtype != "" {
		return diskDtype, family.Quantization
	}
	return family.DType, family.Quantization
}

// resolveMaxModelLen applies the context policy: the minimum of the family
// cap and the requested window, further capped at 32,768 on a single GPU.
func resolveMaxModelLen(contextWindow, familyCap, tensorParallel int) int {
	if familyCap <= 0 {
		familyCap = singleGPUContextCap
	}
	maxLen := familyCap
	if contextWindow > 0 && contextWindow < maxLen {
		maxLen = contextWindow
	}
	if tensorParallel == 1 && maxLen > singleGPUContextCap {
		maxLen = singleGPUContextCap
	}
	return maxLen
}

// resolveBatchedTokens applies the batched-token policy.
func resolveBatchedTokens(maxModelLen, familyOverride int) int {
	if familyOverride > 0 {
		return familyOverride
	}
	switch {
	case maxModelLen <= 8192:
		if maxModelLen*2 > 8192 {
			return maxModelLen * 2
		}
		return 8192
	case maxModelLen <= 32768:
		return maxModelLen
	default:
		if maxModelLen < 65536 {
			return maxModelLen
		}
		return 65536
	}
}

// argList renders the ordered argument list for the wrapper script.
func (p *Plan) argList(opts Options) []string {
	args := []string{
		"--model", p.ModelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(opts.Port),
		"--tensor-parallel-size", strconv.Itoa(p.TensorParallelSize),
		"--served-model-name", p.ServedModelName,
		"--gpu-memory-utilization", strconv.FormatFloat(p.GPUMemoryUtilization, 'g', -1, 64),
		"--block-size", "16",
		"--swap-space", "4",
	}
	if opts.DownloadDir != "" {
		args = append(args, "--download-dir", opts.DownloadDir)
	}
	args = append(args, "--max-num-batched-tokens", strconv.Itoa(p.MaxNumBatchedTokens))
	if p.MaxModelLen > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(p.MaxModelLen))
	}
	if p.Quantization != "" {
		args = append(args, "--quantization", p.Quantization)
	}
	if p.DType != "" && p.DType != "auto" {
		args = append(args, "--dtype", p.DType)
	}
	if p.TrustRemoteCode {
		args = append(args, "--trust-remote-code")
	}
	if p.TensorParallelSize >= 4 {
		args = append(args, "--disable-custom-all-reduce")
	}
	args = append(args, "--enable-prefix-caching")
	if p.MaxNumSeqs > 0 {
		args = append(args, "--max-num-seqs", strconv.Itoa(p.MaxNumSeqs))
	}
	if p.EnforceEager {
		args = append(args, "--enforce-eager")
	}
	return args
}

// envSnapshot captures the environment the subprocess inherits.
func envSnapshot() []string {
	return os.Environ()
}

func numValue(m map[string]any, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

func intValue(m map[string]any, key string) (int, bool) {
	if v, ok := m[key].(float64); ok {
		return int(v), true
	}
	return 0, false
}
