package vram

import (
	"testing"

	"github.com/scalytics/connectd/internal/modelmeta"
)

func TestEstimateLlama8B(t *testing.T) {
	in := Input{
		Name:          "Meta-Llama-3-8B-Instruct",
		ContextWindow: 8192,
		DiskConfig: &modelmeta.DiskConfig{
			NumParameters:   8e9,
			HiddenSize:      4096,
			NumHiddenLayers: 32,
			TorchDtype:      "bfloat16",
		},
	}

	got, ok := Estimate(in)
	if !ok {
		t.Fatal("expected an estimate")
	}
	// 16 GiB weights + 4 GiB KV cache + 1 GiB overhead.
	if got != 21.0 {
		t.Errorf("estimate = %v, want 21.0", got)
	}
}

func TestEstimateDeterministic(t *testing.T) {
	in := Input{
		Name:          "Meta-Llama-3-8B-Instruct",
		ContextWindow: 8192,
		DiskConfig: &modelmeta.DiskConfig{
			NumParameters:   8e9,
			HiddenSize:      4096,
			NumHiddenLayers: 32,
			TorchDtype:      "bfloat16",
		},
	}
	first, _ := Estimate(in)
	for i := 0; i < 10; i++ {
		again, _ := Estimate(in)
		if again != first {
			t.Fatalf("estimate changed between runs: %v then %v", first, again)
		}
	}
}

func TestEstimateSkipsExternalAndEmbedding(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   Input
	}{
		{"external", Input{Name: "gpt-4o", IsExternal: true}},
		{"embedding", Input{Name: "bge-large-7b", IsEmbeddingModel: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got, ok := Estimate(tc.in); ok {
				t.Errorf("expected no estimate, got %v", got)
			}
		})
	}
}

func TestEstimateNoSignal(t *testing.T) {
	if got, ok := Estimate(Input{Name: "mystery-model"}); ok {
		t.Errorf("expected no estimate for an undeterminable model, got %v", got)
	}
}

func TestEstimateMoEFromName(t *testing.T) {
	got, ok := Estimate(Input{Name: "Mixtral-8x7B-Instruct-v0.1"})
	if !ok {
		t.Fatal("expected an estimate")
	}
	// 56B total at 2 bytes/param, 70% resident: 78.4. Active 14B lands in
	// the 1.5 GiB overhead tier plus 0.4 for eight experts.
	if got != 80.3 {
		t.Errorf("estimate = %v, want 80.3", got)
	}
}

func TestEstimateSizeExpertsPattern(t *testing.T) {
	// "7B_8E" reads as per-expert size times expert count.
	got, ok := Estimate(Input{Name: "granite-7B_8E"})
	if !ok {
		t.Fatal("expected an estimate")
	}
	want, _ := Estimate(Input{Name: "Mixtral-8x7B"})
	if got != want {
		t.Errorf("7B_8E estimate = %v, 8x7B estimate = %v; want equal", got, want)
	}
}

func TestEstimateFileSizeFallback(t *testing.T) {
	got, ok := Estimate(Input{
		Name:               "mystery-model",
		FileSizeBytes:      11 << 30,
		RequestedPrecision: "int8",
	})
	if !ok {
		t.Fatal("expected an estimate from file size")
	}
	// 11 GiB / 1.1 = 10B params at 1 byte each, plus 1 GiB overhead.
	if got != 11.0 {
		t.Errorf("estimate = %v, want 11.0", got)
	}
}

func TestEstimateTensorParallelSharding(t *testing.T) {
	single, _ := Estimate(Input{Name: "llama-2-7b"})
	sharded, ok := Estimate(Input{Name: "llama-2-7b", TensorParallelSize: 2})
	if !ok {
		t.Fatal("expected an estimate")
	}
	// Weights (14) and overhead (1) halve with tp=2.
	if single != 15.0 || sharded != 7.5 {
		t.Errorf("single = %v want 15.0, sharded = %v want 7.5", single, sharded)
	}
}

func TestEstimateIncompleteVisionTower(t *testing.T) {
	base := Input{
		Name:          "Meta-Llama-3-8B-Instruct",
		ContextWindow: 8192,
		DiskConfig: &modelmeta.DiskConfig{
			NumParameters:   8e9,
			HiddenSize:      4096,
			NumHiddenLayers: 32,
			TorchDtype:      "bfloat16",
		},
	}
	withVision := base
	cfg := *base.DiskConfig
	cfg.VisionConfig = &modelmeta.VisionConfig{HiddenSize: 1024} // dims missing
	withVision.DiskConfig = &cfg

	plain, _ := Estimate(base)
	vision, ok := Estimate(withVision)
	if !ok {
		t.Fatal("expected an estimate")
	}
	if vision-plain != 4.0 {
		t.Errorf("incomplete vision tower added %v, want flat 4.0", vision-plain)
	}
}

func TestEstimateFloor(t *testing.T) {
	got, ok := Estimate(Input{Name: "tiny-llama-1b", RequestedPrecision: "int4"})
	if !ok {
		t.Fatal("expected an estimate")
	}
	if got != 1.0 {
		t.Errorf("estimate = %v, want floor of 1.0", got)
	}
}
