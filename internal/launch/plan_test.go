package launch

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/scalytics/connectd/internal/modelmeta"
	"github.com/scalytics/connectd/internal/store"
)

func TestBuildLlamaPlan(t *testing.T) {
	m := &store.Model{
		ID:                 3,
		Name:               "Meta-Llama-3-8B-Instruct",
		ModelPath:          "/models/Meta-Llama-3-8B-Instruct",
		ModelFormat:        store.FormatTorch,
		ContextWindow:      16384,
		TensorParallelSize: 1,
	}
	disk := &modelmeta.DiskConfig{TorchDtype: "bfloat16"}

	plan, err := Build(m, disk, Options{Port: 8003})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []string{
		"--model", "/models/Meta-Llama-3-8B-Instruct",
		"--host", "127.0.0.1",
		"--port", "8003",
		"--tensor-parallel-size", "1",
		"--served-model-name", "3",
		"--gpu-memory-utilization", "0.8",
		"--block-size", "16",
		"--swap-space", "4",
		"--max-num-batched-tokens", "16384",
		"--max-model-len", "16384",
		"--dtype", "bfloat16",
		"--trust-remote-code",
		"--enable-prefix-caching",
		"--max-num-seqs", "16",
	}
	if !reflect.DeepEqual(plan.Args, want) {
		t.Errorf("args mismatch:\n got %v\nwant %v", plan.Args, want)
	}
}

func TestBuildRejectsNonTorch(t *testing.T) {
	m := &store.Model{Name: "some-gguf", ModelFormat: store.FormatGGUF}
	if _, err := Build(m, nil, Options{Port: 8003}); err == nil {
		t.Fatal("expected an error for a non-torch model")
	}
}

func TestBuildSingleGPUContextCap(t *testing.T) {
	m := &store.Model{
		ID: 1, Name: "big-ctx", ModelPath: "/models/unknown-arch",
		ModelFormat: store.FormatTorch, ContextWindow: 131072, TensorParallelSize: 1,
	}
	plan, err := Build(m, nil, Options{Port: 8003})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if plan.MaxModelLen != 32768 {
		t.Errorf("MaxModelLen = %d, want 32768 on a single GPU", plan.MaxModelLen)
	}
}

func TestBuildDBConfigOverrides(t *testing.T) {
	cfg, _ := json.Marshal(map[string]any{
		"gpu_memory_utilization": 0.95,
		"max_num_seqs":           4,
		"trust_remote_code":      false,
		"enforce_eager":          true,
	})
	m := &store.Model{
		ID: 2, Name: "Meta-Llama-3-8B", ModelPath: "/models/Meta-Llama-3-8B",
		ModelFormat: store.FormatTorch, ContextWindow: 8192,
		TensorParallelSize: 1, Config: cfg,
	}
	plan, err := Build(m, nil, Options{Port: 8003})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if plan.GPUMemoryUtilization != 0.95 {
		t.Errorf("GPUMemoryUtilization = %v, want 0.95", plan.GPUMemoryUtilization)
	}
	if plan.MaxNumSeqs != 4 {
		t.Errorf("MaxNumSeqs = %d, want 4", plan.MaxNumSeqs)
	}
	if plan.TrustRemoteCode {
		t.Error("TrustRemoteCode should be overridden to false")
	}
	if !plan.EnforceEager {
		t.Error("EnforceEager should be overridden to true")
	}
	if !contains(plan.Args, "--enforce-eager") {
		t.Error("args missing --enforce-eager")
	}
	if contains(plan.Args, "--trust-remote-code") {
		t.Error("args should not carry --trust-remote-code")
	}
}

func TestResolvePrecision(t *testing.T) {
	family := familyDefaults{DType: "auto"}
	tests := []struct {
		name      string
		disk      *modelmeta.DiskConfig
		requested string
		dtype     string
		quant     string
	}{
		{"disk quant wins", &modelmeta.DiskConfig{
			Quantization: &modelmeta.QuantizationConfig{QuantMethod: "awq"},
		}, "fp16", "auto", "awq"},
		{"int8 maps to bitsandbytes", nil, "int8", "auto", "bitsandbytes"},
		{"bf16 request", nil, "bf16", "bfloat16", ""},
		{"int4 on plain weights falls back", &modelmeta.DiskConfig{TorchDtype: "float16"},
			"int4", "float16", ""},
		{"disk dtype", &modelmeta.DiskConfig{TorchDtype: "bfloat16"}, "", "bfloat16", ""},
		{"family default", nil, "", "auto", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := &store.Model{Name: tc.name}
			dbCfg := map[string]any{}
			if tc.requested != "" {
				dbCfg["model_precision"] = tc.requested
			}
			dtype, quant := resolvePrecision(m, tc.disk, dbCfg, family)
			if dtype != tc.dtype || quant != tc.quant {
				t.Errorf("got (%q, %q), want (%q, %q)", dtype, quant, tc.dtype, tc.quant)
			}
		})
	}
}

func TestResolveBatchedTokens(t *testing.T) {
	tests := []struct {
		maxLen, override, want int
	}{
		{4096, 0, 8192},
		{8192, 0, 16384},
		{16384, 0, 16384},
		{32768, 0, 32768},
		{65536, 0, 65536},
		{131072, 0, 65536},
		{16384, 2048, 2048},
	}
	for _, tc := range tests {
		if got := resolveBatchedTokens(tc.maxLen, tc.override); got != tc.want {
			t.Errorf("resolveBatchedTokens(%d, %d) = %d, want %d",
				tc.maxLen, tc.override, got, tc.want)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	plan := &Plan{
		Args:                 []string{"--model", "/models/test-model"},
		ModelPath:            "/models/test-model",
		ServedModelName:      "9",
		DType:                "bfloat16",
		GPUMemoryUtilization: 0.8,
		MaxModelLen:          8192,
		TensorParallelSize:   1,
	}
	if err := SaveSnapshot(dataDir, plan); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snap, err := LoadSnapshot(dataDir, "/models/test-model")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("snapshot not found after save")
	}
	if !reflect.DeepEqual(snap.Plan, *plan) {
		t.Errorf("plan mismatch:\n got %+v\nwant %+v", snap.Plan, *plan)
	}
	if snap.Meta.ModelPath != "/models/test-model" {
		t.Errorf("meta model path = %q", snap.Meta.ModelPath)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	snap, err := LoadSnapshot(t.TempDir(), "/models/never-saved")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap != nil {
		t.Errorf("expected nil snapshot, got %+v", snap)
	}
}

func TestFamilyFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/models/Meta-Llama-3-8B", "llama"},
		{"/models/Mistral-7B-v0.3", "mistral"},
		{"/models/mistral3.1-small", "mistral3.1"},
		{"/models/gemma-2-9b", "gemma"},
		{"/models/deepseek-coder", "deepseek"},
		{"/models/Phi-3-mini", "phi"},
		{"/models/qwen2-7b", "default"},
	}
	for _, tc := range tests {
		if got := familyFor(tc.path); got.Name != tc.want {
			t.Errorf("familyFor(%q) = %q, want %q", tc.path, got.Name, tc.want)
		}
	}
}

func contains(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
