package store

import (
	"database/sql"
	"fmt"
)

// GlobalOwner marks API keys not tied to a specific user.
const GlobalOwner = "global"

// APIKey is a stored provider credential. The secret is opaque here;
// encryption happens before it reaches the store.
type APIKey struct {
	ID         int64
	Owner      string
	ProviderID int64
	IsActive   bool
	Secret     []byte
}

// CreateAPIKey inserts a key record.
func (s *Store) CreateAPIKey(k *APIKey) error {
	if k.Owner == "" {
		k.Owner = GlobalOwner
	}
	res, err := s.db.Exec(
		"INSERT INTO api_keys (owner, provider_id, is_active, secret) VALUES (?, ?, ?, ?)",
		k.Owner, k.ProviderID, k.IsActive, k.Secret)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	k.ID, err = res.LastInsertId()
	return err
}

// ListAPIKeys returns all keys for a provider.
func (s *Store) ListAPIKeys(providerID int64) ([]*APIKey, error) {
	rows, err := s.db.Query(
		"SELECT id, owner, provider_id, is_active, secret FROM api_keys WHERE provider_id = ?",
		providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Owner, &k.ProviderID, &k.IsActive, &k.Secret); err != nil {
			return nil, err
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

// TxSetKeysActiveByCategory flips every key whose provider belongs to the
// given categories. When globalOnly is true, only keys owned by "global"
// are touched (used when reactivating: user keys stay as the user left them).
func TxSetKeysActiveByCategory(tx *sql.Tx, categories []string, active, globalOnly bool) error {
	ph, args := categoryPlaceholders(categories)
	query := `UPDATE api_keys SET is_active = ?
		WHERE provider_id IN (SELECT id FROM providers WHERE category IN ` + ph + ")"
	if globalOnly {
		query += " AND owner = '" + GlobalOwner + "'"
	}
	_, err := tx.Exec(query, append([]any{active}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update api keys for categories %v: %w", categories, err)
	}
	return nil
}
