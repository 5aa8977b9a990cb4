// Package store persists models, providers, API keys, and system settings
// in SQLite. It is the durable source of truth: is_active flags are only
// mutated through transactions originating here (policy cascades and
// activation transitions).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/paths"
)

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Schema version for migrations
const currentSchemaVersion = 2

// Open opens (and migrates) the database at path.
func Open(path string) (*Store, error) {
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("store: opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *Store) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("store: schema up to date", "version", version)
		return nil
	}

	L_info("store: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("store: applied migration", "version", i+1)
	}

	return nil
}

// migrateV1 creates the initial schema
func migrateV1(db *sql.DB) error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	-- Providers table
	CREATE TABLE IF NOT EXISTS providers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL CHECK (category IN ('ext_llm','hf','search','internal')),
		base_url TEXT,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	-- Models table
	CREATE TABLE IF NOT EXISTS models (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		model_path TEXT NOT NULL DEFAULT '',
		model_format TEXT NOT NULL DEFAULT 'torch',
		context_window INTEGER NOT NULL DEFAULT 4096,
		is_active INTEGER NOT NULL DEFAULT 0,
		is_default INTEGER NOT NULL DEFAULT 0,
		is_embedding_model INTEGER NOT NULL DEFAULT 0,
		external_provider_id INTEGER REFERENCES providers(id),
		tensor_parallel_size INTEGER NOT NULL DEFAULT 1,
		config TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_models_active ON models(is_active, is_embedding_model);
	CREATE INDEX IF NOT EXISTS idx_models_provider ON models(external_provider_id);

	-- API keys table
	CREATE TABLE IF NOT EXISTS api_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL DEFAULT 'global',
		provider_id INTEGER NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
		is_active INTEGER NOT NULL DEFAULT 1,
		secret BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_provider ON api_keys(provider_id);

	-- System settings (key/value strings)
	CREATE TABLE IF NOT EXISTS system_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// migrateV2 seeds the internal provider and default settings
func migrateV2(db *sql.DB) error {
	schema := `
	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);

	INSERT OR IGNORE INTO providers (name, category, is_active) VALUES ('local', 'internal', 1);

	INSERT OR IGNORE INTO system_settings (key, value) VALUES ('global_privacy_mode', 'false');
	INSERT OR IGNORE INTO system_settings (key, value) VALUES ('air_gapped_mode', 'false');
	INSERT OR IGNORE INTO system_settings (key, value) VALUES ('scalytics_api_enabled', 'false');
	INSERT OR IGNORE INTO system_settings (key, value) VALUES ('scalytics_api_rate_limit_window_ms', '60000');
	INSERT OR IGNORE INTO system_settings (key, value) VALUES ('scalytics_api_rate_limit_max', '100');
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) WithTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			L_error("store: rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}
