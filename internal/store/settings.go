package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Recognized system setting keys (non-exhaustive; the table is a free-form
// string map).
const (
	SettingGlobalPrivacyMode       = "global_privacy_mode"
	SettingAirGappedMode           = "air_gapped_mode"
	SettingPreferredEmbeddingModel = "preferred_local_embedding_model_id"
	SettingActiveFilterLanguages   = "active_filter_languages"
	SettingArchiveDeletedChats     = "archive_deleted_chats_for_refinement"
	SettingScalyticsAPIEnabled     = "scalytics_api_enabled"
	SettingScalyticsAPIRateWindow  = "scalytics_api_rate_limit_window_ms"
	SettingScalyticsAPIRateMax     = "scalytics_api_rate_limit_max"
)

// GetSetting reads a setting value. Missing keys return ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM system_settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO system_settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

// GetBoolSetting reads a boolean setting; missing keys read as false.
func (s *Store) GetBoolSetting(key string) (bool, error) {
	value, err := s.GetSetting(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// SetBoolSetting writes a boolean setting as "true"/"false".
func (s *Store) SetBoolSetting(key string, v bool) error {
	return s.SetSetting(key, strconv.FormatBool(v))
}

// PreferredEmbeddingModelID returns the configured embedding model id, or
// (0, false) when unset.
func (s *Store) PreferredEmbeddingModelID() (int64, bool, error) {
	value, err := s.GetSetting(SettingPreferredEmbeddingModel)
	if errors.Is(err, ErrNotFound) || value == "" || value == "null" {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed %s: %w", SettingPreferredEmbeddingModel, err)
	}
	return id, true, nil
}
