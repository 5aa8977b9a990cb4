package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	. "github.com/scalytics/connectd/internal/logging"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Model formats
const (
	FormatTorch = "torch"
	FormatGGUF  = "gguf"
)

// Model is a local or remote model record.
// At most one non-embedding model has IsActive=true at any time.
type Model struct {
	ID                 int64
	Name               string
	ModelPath          string
	ModelFormat        string
	ContextWindow      int
	IsActive           bool
	IsDefault          bool
	IsEmbeddingModel   bool
	ExternalProviderID *int64
	TensorParallelSize int
	Config             json.RawMessage
}

// IsExternal reports whether the model is served by a remote provider.
func (m *Model) IsExternal() bool {
	return m.ExternalProviderID != nil
}

// ConfigMap decodes the opaque config blob. Missing or malformed blobs
// yield an empty map, never an error; launch planning treats absent keys
// as unset.
func (m *Model) ConfigMap() map[string]any {
	out := make(map[string]any)
	if len(m.Config) == 0 {
		return out
	}
	if err := json.Unmarshal(m.Config, &out); err != nil {
		L_warn("store: malformed model config blob", "model", m.Name, "error", err)
		return make(map[string]any)
	}
	return out
}

const modelColumns = `id, name, model_path, model_format, context_window,
	is_active, is_default, is_embedding_model, external_provider_id,
	tensor_parallel_size, config`

func scanModel(row interface{ Scan(...any) error }) (*Model, error) {
	var m Model
	var cfg string
	err := row.Scan(&m.ID, &m.Name, &m.ModelPath, &m.ModelFormat, &m.ContextWindow,
		&m.IsActive, &m.IsDefault, &m.IsEmbeddingModel, &m.ExternalProviderID,
		&m.TensorParallelSize, &cfg)
	if err != nil {
		return nil, err
	}
	m.Config = json.RawMessage(cfg)
	return &m, nil
}

// GetModel loads a model by id.
func (s *Store) GetModel(id int64) (*Model, error) {
	row := s.db.QueryRow("SELECT "+modelColumns+" FROM models WHERE id = ?", id)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model %d: %w", id, err)
	}
	return m, nil
}

// GetModelByName loads a model by its unique name.
func (s *Store) GetModelByName(name string) (*Model, error) {
	row := s.db.QueryRow("SELECT "+modelColumns+" FROM models WHERE name = ?", name)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model %q: %w", name, err)
	}
	return m, nil
}

// ListModels returns all models ordered by name.
func (s *Store) ListModels() ([]*Model, error) {
	rows, err := s.db.Query("SELECT " + modelColumns + " FROM models ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var out []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveModel returns the active non-embedding model, or ErrNotFound.
func (s *Store) ActiveModel() (*Model, error) {
	row := s.db.QueryRow("SELECT " + modelColumns + ` FROM models
		WHERE is_active = 1 AND is_embedding_model = 0 LIMIT 1`)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active model: %w", err)
	}
	return m, nil
}

// CountActiveNonEmbedding returns how many non-embedding models are active.
// The invariant is that this never exceeds 1.
func (s *Store) CountActiveNonEmbedding() (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM models WHERE is_active = 1 AND is_embedding_model = 0").Scan(&n)
	return n, err
}

// CreateModel inserts a model record and returns it with its id assigned.
func (s *Store) CreateModel(m *Model) error {
	if m.ModelFormat == "" {
		m.ModelFormat = FormatTorch
	}
	if m.ContextWindow <= 0 {
		m.ContextWindow = 4096
	}
	if m.TensorParallelSize <= 0 {
		m.TensorParallelSize = 1
	}
	if len(m.Config) == 0 {
		m.Config = json.RawMessage("{}")
	}

	now := time.Now().Unix()
	res, err := s.db.Exec(`INSERT INTO models
		(name, model_path, model_format, context_window, is_active, is_default,
		 is_embedding_model, external_provider_id, tensor_parallel_size, config,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Name, m.ModelPath, m.ModelFormat, m.ContextWindow, m.IsActive, m.IsDefault,
		m.IsEmbeddingModel, m.ExternalProviderID, m.TensorParallelSize, string(m.Config),
		now, now)
	if err != nil {
		return fmt.Errorf("failed to create model %q: %w", m.Name, err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

// UpdateModel persists mutable model fields (admin edits).
func (s *Store) UpdateModel(m *Model) error {
	_, err := s.db.Exec(`UPDATE models SET
		model_path = ?, model_format = ?, context_window = ?, is_default = ?,
		is_embedding_model = ?, external_provider_id = ?, tensor_parallel_size = ?,
		config = ?, updated_at = ?
		WHERE id = ?`,
		m.ModelPath, m.ModelFormat, m.ContextWindow, m.IsDefault,
		m.IsEmbeddingModel, m.ExternalProviderID, m.TensorParallelSize,
		string(m.Config), time.Now().Unix(), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update model %d: %w", m.ID, err)
	}
	return nil
}

// DeleteModel removes a model. Active models cannot be deleted.
func (s *Store) DeleteModel(id int64) error {
	res, err := s.db.Exec("DELETE FROM models WHERE id = ? AND is_active = 0", id)
	if err != nil {
		return fmt.Errorf("failed to delete model %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("model %d not deleted (missing or still active)", id)
	}
	return nil
}

// CommitActivation atomically makes modelID the only active non-embedding
// model. Readers see either the old or the new state, never a half.
func (s *Store) CommitActivation(modelID int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE models SET is_active = 0 WHERE is_embedding_model = 0"); err != nil {
			return fmt.Errorf("failed to clear active models: %w", err)
		}
		res, err := tx.Exec("UPDATE models SET is_active = 1 WHERE id = ?", modelID)
		if err != nil {
			return fmt.Errorf("failed to activate model %d: %w", modelID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("model %d vanished during activation", modelID)
		}
		return nil
	})
}

// ClearActive marks a single model inactive. Used by the lifecycle
// manager's exit handler and force cleanup; unconditional and idempotent.
func (s *Store) ClearActive(modelID int64) error {
	_, err := s.db.Exec("UPDATE models SET is_active = 0 WHERE id = ?", modelID)
	if err != nil {
		return fmt.Errorf("failed to deactivate model %d: %w", modelID, err)
	}
	return nil
}
