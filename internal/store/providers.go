package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Provider categories
const (
	CategoryExtLLM   = "ext_llm"
	CategoryHF       = "hf"
	CategorySearch   = "search"
	CategoryInternal = "internal"
)

// ExternalCategories are the categories subject to privacy/air-gap policy.
var ExternalCategories = []string{CategoryExtLLM, CategoryHF, CategorySearch}

// Provider is a remote or internal model/search provider.
type Provider struct {
	ID       int64
	Name     string
	Category string
	BaseURL  string
	IsActive bool
}

func scanProvider(row interface{ Scan(...any) error }) (*Provider, error) {
	var p Provider
	var baseURL sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &baseURL, &p.IsActive); err != nil {
		return nil, err
	}
	p.BaseURL = baseURL.String
	return &p, nil
}

// GetProvider loads a provider by id.
func (s *Store) GetProvider(id int64) (*Provider, error) {
	row := s.db.QueryRow(
		"SELECT id, name, category, base_url, is_active FROM providers WHERE id = ?", id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider %d: %w", id, err)
	}
	return p, nil
}

// ListProviders returns all providers ordered by name.
func (s *Store) ListProviders() ([]*Provider, error) {
	rows, err := s.db.Query(
		"SELECT id, name, category, base_url, is_active FROM providers ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProvider inserts a provider record.
func (s *Store) CreateProvider(p *Provider) error {
	res, err := s.db.Exec(
		"INSERT INTO providers (name, category, base_url, is_active) VALUES (?, ?, ?, ?)",
		p.Name, p.Category, nullable(p.BaseURL), p.IsActive)
	if err != nil {
		return fmt.Errorf("failed to create provider %q: %w", p.Name, err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// SetProviderActive flips a single provider's active flag (admin CRUD).
// Policy cascades use the transactional helpers instead.
func (s *Store) SetProviderActive(id int64, active bool) error {
	_, err := s.db.Exec("UPDATE providers SET is_active = ? WHERE id = ?", active, id)
	if err != nil {
		return fmt.Errorf("failed to update provider %d: %w", id, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// categoryPlaceholders builds "(?, ?, ...)" plus args for an IN clause.
func categoryPlaceholders(categories []string) (string, []any) {
	args := make([]any, len(categories))
	for i, c := range categories {
		args[i] = c
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(categories)), ",") + ")", args
}

// TxSetProvidersActiveByCategory flips every provider in the given
// categories inside an existing transaction.
func TxSetProvidersActiveByCategory(tx *sql.Tx, categories []string, active bool) error {
	ph, args := categoryPlaceholders(categories)
	_, err := tx.Exec(
		"UPDATE providers SET is_active = ? WHERE category IN "+ph,
		append([]any{active}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update providers in %v: %w", categories, err)
	}
	return nil
}

// TxSetModelsActiveByProviderCategory flips every model whose external
// provider belongs to the given categories.
func TxSetModelsActiveByProviderCategory(tx *sql.Tx, categories []string, active bool) error {
	ph, args := categoryPlaceholders(categories)
	_, err := tx.Exec(`UPDATE models SET is_active = ?
		WHERE external_provider_id IN (SELECT id FROM providers WHERE category IN `+ph+")",
		append([]any{active}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update models for categories %v: %w", categories, err)
	}
	return nil
}
