package launch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/modelmeta"
	"github.com/scalytics/connectd/internal/paths"
)

// Snapshot is the persisted per-model launch configuration, written next
// to the model weights under <data>/models/config/<model_dir>.json.
type Snapshot struct {
	Plan          Plan           `json:"plan"`
	GPUAssignment *string        `json:"gpuAssignment"`
	ModelInfo     ModelInfo      `json:"modelInfo"`
	Meta          SnapshotMeta   `json:"_meta"`
}

// ModelInfo records what was on disk when the snapshot was taken.
type ModelInfo struct {
	FileName      string  `json:"fileName"`
	FileSizeBytes int64   `json:"fileSizeBytes"`
	FileSizeGB    float64 `json:"fileSizeGB"`
}

// SnapshotMeta ties a snapshot back to its source.
type SnapshotMeta struct {
	ModelPath string `json:"modelPath"`
	Timestamp string `json:"timestamp"`
}

// snapshotPath maps a model directory to its snapshot file.
func snapshotPath(dataDir, modelPath string) string {
	return filepath.Join(paths.ModelConfigDir(dataDir), filepath.Base(modelPath)+".json")
}

// SaveSnapshot persists the plan for a model directory.
func SaveSnapshot(dataDir string, plan *Plan) error {
	size := modelmeta.WeightSize(plan.ModelPath)
	snap := Snapshot{
		Plan: *plan,
		ModelInfo: ModelInfo{
			FileName:      filepath.Base(plan.ModelPath),
			FileSizeBytes: size,
			FileSizeGB:    float64(size) / float64(1<<30),
		},
		Meta: SnapshotMeta{
			ModelPath: plan.ModelPath,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}

	path := snapshotPath(dataDir, plan.ModelPath)
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}

	L_debug("launch: snapshot saved", "path", path)
	return nil
}

// LoadSnapshot reads a previously saved snapshot. Returns (nil, nil) when
// none exists.
func LoadSnapshot(dataDir, modelPath string) (*Snapshot, error) {
	path := snapshotPath(dataDir, modelPath)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("malformed snapshot %s: %w", path, err)
	}
	return &snap, nil
}
