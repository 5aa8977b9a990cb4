package policy

import (
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/scalytics/connectd/internal/store"
)

// fixture builds a store with one provider per external category, a model
// and two keys (one global, one user-owned) behind each, plus a local model.
type fixture struct {
	store     *store.Store
	providers map[string]*store.Provider
	models    map[string]*store.Model
	keys      map[string][]*store.APIKey
	local     *store.Model
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "connect.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:     s,
		providers: make(map[string]*store.Provider),
		models:    make(map[string]*store.Model),
		keys:      make(map[string][]*store.APIKey),
	}

	for _, cat := range store.ExternalCategories {
		p := &store.Provider{Name: "provider-" + cat, Category: cat, IsActive: true}
		if err := s.CreateProvider(p); err != nil {
			t.Fatalf("CreateProvider(%s): %v", cat, err)
		}
		f.providers[cat] = p

		m := &store.Model{
			Name: "model-" + cat, ModelPath: "remote://" + cat,
			ExternalProviderID: &p.ID, IsActive: true,
		}
		if err := s.CreateModel(m); err != nil {
			t.Fatalf("CreateModel(%s): %v", cat, err)
		}
		f.models[cat] = m

		global := &store.APIKey{Owner: store.GlobalOwner, ProviderID: p.ID, IsActive: true}
		user := &store.APIKey{Owner: "alice", ProviderID: p.ID, IsActive: true}
		for _, k := range []*store.APIKey{global, user} {
			if err := s.CreateAPIKey(k); err != nil {
				t.Fatalf("CreateAPIKey(%s): %v", cat, err)
			}
		}
		f.keys[cat] = []*store.APIKey{global, user}
	}

	f.local = &store.Model{Name: "local-llama", ModelPath: "/models/local-llama"}
	if err := s.CreateModel(f.local); err != nil {
		t.Fatalf("CreateModel(local): %v", err)
	}
	return f
}

func (f *fixture) providerActive(t *testing.T, cat string) bool {
	t.Helper()
	p, err := f.store.GetProvider(f.providers[cat].ID)
	if err != nil {
		t.Fatalf("GetProvider(%s): %v", cat, err)
	}
	return p.IsActive
}

func (f *fixture) modelActive(t *testing.T, cat string) bool {
	t.Helper()
	m, err := f.store.GetModel(f.models[cat].ID)
	if err != nil {
		t.Fatalf("GetModel(%s): %v", cat, err)
	}
	return m.IsActive
}

func (f *fixture) keyActive(t *testing.T, cat string, idx int) bool {
	t.Helper()
	keys, err := f.store.ListAPIKeys(f.providers[cat].ID)
	if err != nil {
		t.Fatalf("ListAPIKeys(%s): %v", cat, err)
	}
	for _, k := range keys {
		if k.ID == f.keys[cat][idx].ID {
			return k.IsActive
		}
	}
	t.Fatalf("key %d for %s vanished", idx, cat)
	return false
}

func TestApplyPrivacy(t *testing.T) {
	f := newFixture(t)
	e := New(f.store)

	if err := e.Apply(true, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// External LLMs fully cut, both key owners included.
	if f.providerActive(t, store.CategoryExtLLM) || f.modelActive(t, store.CategoryExtLLM) {
		t.Error("ext_llm still active under privacy mode")
	}
	if f.keyActive(t, store.CategoryExtLLM, 0) || f.keyActive(t, store.CategoryExtLLM, 1) {
		t.Error("ext_llm keys still active under privacy mode")
	}

	// Search and HF stay available.
	for _, cat := range []string{store.CategorySearch, store.CategoryHF} {
		if !f.providerActive(t, cat) || !f.modelActive(t, cat) {
			t.Errorf("%s should stay active under privacy mode", cat)
		}
	}
}

func TestApplyAirGap(t *testing.T) {
	f := newFixture(t)
	e := New(f.store)

	if err := e.Apply(false, true); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	for _, cat := range store.ExternalCategories {
		if f.providerActive(t, cat) {
			t.Errorf("%s provider active under air-gap", cat)
		}
		if f.modelActive(t, cat) {
			t.Errorf("%s model active under air-gap", cat)
		}
		if f.keyActive(t, cat, 0) || f.keyActive(t, cat, 1) {
			t.Errorf("%s keys active under air-gap", cat)
		}
	}

	// Local models are never part of the cascade.
	local, _ := f.store.GetModel(f.local.ID)
	if local.IsActive {
		t.Error("local model flipped by air-gap cascade")
	}
}

func TestApplyOpenRestoresGlobalKeysOnly(t *testing.T) {
	f := newFixture(t)
	e := New(f.store)

	if err := e.Apply(false, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Apply(false, false); err != nil {
		t.Fatal(err)
	}

	for _, cat := range store.ExternalCategories {
		if !f.providerActive(t, cat) || !f.modelActive(t, cat) {
			t.Errorf("%s not restored after reopening", cat)
		}
		if !f.keyActive(t, cat, 0) {
			t.Errorf("%s global key not restored", cat)
		}
		if f.keyActive(t, cat, 1) {
			t.Errorf("%s user key auto-reactivated; must stay as the user left it", cat)
		}
	}
}

func TestApplyIdempotent(t *testing.T) {
	f := newFixture(t)
	e := New(f.store)

	if err := e.Apply(true, false); err != nil {
		t.Fatal(err)
	}
	if err := e.Apply(true, false); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if f.providerActive(t, store.CategoryExtLLM) {
		t.Error("reapplication changed the outcome")
	}
	if !f.providerActive(t, store.CategorySearch) {
		t.Error("reapplication changed the outcome for search")
	}
}

func TestAirGapImpliesPrivacy(t *testing.T) {
	f := newFixture(t)
	e := New(f.store)

	// Caller passes privacy=false, air-gap=true; the cascade must still cut
	// everything, not fall into the open branch.
	if err := e.Apply(false, true); err != nil {
		t.Fatal(err)
	}
	if f.providerActive(t, store.CategoryExtLLM) {
		t.Error("air-gap without explicit privacy left ext_llm active")
	}
}

func TestValidateSearchToolActivation(t *testing.T) {
	f := newFixture(t)
	e := New(f.store)

	// Nothing configured.
	err := e.ValidateSearchToolActivation()
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}

	// Configured but pointing at a missing model.
	if err := f.store.SetSetting(store.SettingPreferredEmbeddingModel, "9999"); err != nil {
		t.Fatal(err)
	}
	if err := e.ValidateSearchToolActivation(); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure for missing model, got %v", err)
	}

	// Pointing at a non-embedding model.
	if err := f.store.SetSetting(store.SettingPreferredEmbeddingModel,
		strconv.FormatInt(f.local.ID, 10)); err != nil {
		t.Fatal(err)
	}
	if err := e.ValidateSearchToolActivation(); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure for non-embedding model, got %v", err)
	}

	// A proper local embedding model, active.
	emb := &store.Model{
		Name: "embedder", ModelPath: "/models/embedder",
		IsEmbeddingModel: true, IsActive: true,
	}
	if err := f.store.CreateModel(emb); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetSetting(store.SettingPreferredEmbeddingModel,
		strconv.FormatInt(emb.ID, 10)); err != nil {
		t.Fatal(err)
	}
	if err := e.ValidateSearchToolActivation(); err != nil {
		t.Fatalf("expected validation to pass, got %v", err)
	}
}
