package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := ExpandTilde("~/models")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "models") {
		t.Errorf("ExpandTilde = %q", got)
	}

	// Paths without tilde pass through.
	got, err = ExpandTilde("/var/lib/connectd")
	if err != nil || got != "/var/lib/connectd" {
		t.Errorf("ExpandTilde passthrough = %q, %v", got, err)
	}
}

func TestDerivedPaths(t *testing.T) {
	dataDir := "/data"
	if got := ModelsDir(dataDir); got != "/data/models" {
		t.Errorf("ModelsDir = %q", got)
	}
	if got := ModelConfigDir(dataDir); got != "/data/models/config" {
		t.Errorf("ModelConfigDir = %q", got)
	}
	if got := DatabasePath(dataDir); got != "/data/connect.db" {
		t.Errorf("DatabasePath = %q", got)
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Errorf("EnsureDir did not create %s: %v", dir, err)
	}
	// Idempotent.
	if err := EnsureDir(dir); err != nil {
		t.Errorf("second EnsureDir: %v", err)
	}
}
