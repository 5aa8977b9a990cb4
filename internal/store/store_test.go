package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "connect.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsSeedLocalProvider(t *testing.T) {
	s := openTestStore(t)

	providers, err := s.ListProviders()
	if err != nil {
		t.Fatalf("ListProviders: %v", err)
	}
	found := false
	for _, p := range providers {
		if p.Category == CategoryInternal {
			found = true
		}
	}
	if !found {
		t.Error("migrations did not seed the internal provider")
	}
}

func TestModelCRUD(t *testing.T) {
	s := openTestStore(t)

	m := &Model{Name: "test-model", ModelPath: "/models/test-model"}
	if err := s.CreateModel(m); err != nil {
		t.Fatalf("CreateModel: %v", err)
	}
	if m.ID == 0 {
		t.Fatal("CreateModel did not assign an id")
	}

	// Defaults applied on create.
	loaded, err := s.GetModel(m.ID)
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if loaded.ModelFormat != FormatTorch || loaded.ContextWindow != 4096 || loaded.TensorParallelSize != 1 {
		t.Errorf("defaults not applied: %+v", loaded)
	}

	byName, err := s.GetModelByName("test-model")
	if err != nil || byName.ID != m.ID {
		t.Errorf("GetModelByName: %v, %+v", err, byName)
	}

	loaded.ContextWindow = 8192
	loaded.Config = json.RawMessage(`{"enforce_eager":true}`)
	if err := s.UpdateModel(loaded); err != nil {
		t.Fatalf("UpdateModel: %v", err)
	}
	again, _ := s.GetModel(m.ID)
	if again.ContextWindow != 8192 {
		t.Errorf("update not persisted: %+v", again)
	}
	if v, ok := again.ConfigMap()["enforce_eager"].(bool); !ok || !v {
		t.Errorf("config blob not persisted: %s", again.Config)
	}

	if err := s.DeleteModel(m.ID); err != nil {
		t.Fatalf("DeleteModel: %v", err)
	}
	if _, err := s.GetModel(m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCommitActivationSingleActive(t *testing.T) {
	s := openTestStore(t)

	a := &Model{Name: "model-a", ModelPath: "/models/a"}
	b := &Model{Name: "model-b", ModelPath: "/models/b"}
	emb := &Model{Name: "embedder", ModelPath: "/models/emb", IsEmbeddingModel: true, IsActive: true}
	for _, m := range []*Model{a, b, emb} {
		if err := s.CreateModel(m); err != nil {
			t.Fatalf("CreateModel(%s): %v", m.Name, err)
		}
	}

	if err := s.CommitActivation(a.ID); err != nil {
		t.Fatalf("CommitActivation(a): %v", err)
	}
	if err := s.CommitActivation(b.ID); err != nil {
		t.Fatalf("CommitActivation(b): %v", err)
	}

	n, err := s.CountActiveNonEmbedding()
	if err != nil {
		t.Fatalf("CountActiveNonEmbedding: %v", err)
	}
	if n != 1 {
		t.Errorf("active non-embedding models = %d, want 1", n)
	}

	active, err := s.ActiveModel()
	if err != nil {
		t.Fatalf("ActiveModel: %v", err)
	}
	if active.ID != b.ID {
		t.Errorf("active model = %s, want model-b", active.Name)
	}

	// Embedding model activation is untouched by the exclusivity rule.
	embAgain, _ := s.GetModel(emb.ID)
	if !embAgain.IsActive {
		t.Error("embedding model deactivated by CommitActivation")
	}
}

func TestCommitActivationMissingModel(t *testing.T) {
	s := openTestStore(t)
	if err := s.CommitActivation(9999); err == nil {
		t.Fatal("expected an error activating a missing model")
	}
	if n, _ := s.CountActiveNonEmbedding(); n != 0 {
		t.Errorf("failed activation left %d models active", n)
	}
}

func TestClearActive(t *testing.T) {
	s := openTestStore(t)
	m := &Model{Name: "model-a", ModelPath: "/models/a"}
	if err := s.CreateModel(m); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitActivation(m.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearActive(m.ID); err != nil {
		t.Fatalf("ClearActive: %v", err)
	}
	if _, err := s.ActiveModel(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no active model, got %v", err)
	}
	// Idempotent.
	if err := s.ClearActive(m.ID); err != nil {
		t.Errorf("second ClearActive: %v", err)
	}
}

func TestDeleteActiveModelRefused(t *testing.T) {
	s := openTestStore(t)
	m := &Model{Name: "model-a", ModelPath: "/models/a"}
	if err := s.CreateModel(m); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitActivation(m.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteModel(m.ID); err == nil {
		t.Fatal("expected refusal to delete an active model")
	}
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetSetting("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing setting should be ErrNotFound, got %v", err)
	}

	if err := s.SetBoolSetting(SettingGlobalPrivacyMode, true); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetBoolSetting(SettingGlobalPrivacyMode)
	if err != nil || !v {
		t.Errorf("GetBoolSetting = %v, %v", v, err)
	}

	// Upsert overwrites.
	if err := s.SetBoolSetting(SettingGlobalPrivacyMode, false); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetBoolSetting(SettingGlobalPrivacyMode); v {
		t.Error("setting not overwritten")
	}

	// Unset preferred embedding model.
	if _, ok, err := s.PreferredEmbeddingModelID(); err != nil || ok {
		t.Errorf("expected unset preference, got ok=%v err=%v", ok, err)
	}
	if err := s.SetSetting(SettingPreferredEmbeddingModel, "42"); err != nil {
		t.Fatal(err)
	}
	id, ok, err := s.PreferredEmbeddingModelID()
	if err != nil || !ok || id != 42 {
		t.Errorf("PreferredEmbeddingModelID = %d, %v, %v", id, ok, err)
	}
}

func TestMalformedConfigBlob(t *testing.T) {
	m := &Model{Name: "broken", Config: json.RawMessage(`{not json`)}
	cfg := m.ConfigMap()
	if len(cfg) != 0 {
		t.Errorf("malformed blob should yield an empty map, got %v", cfg)
	}
}
