// Package policy resolves the two administrator toggles (privacy,
// air-gap) into provider, API-key, and model activation mutations.
//
// The resolver is idempotent and runs each application in a single
// database transaction; a failure commits nothing. Coupling between the
// toggles (air-gap implies privacy) is coerced here for the duration of
// the cascade, and persisted by the HTTP layer that owns the settings.
package policy

import (
	"database/sql"
	"errors"
	"fmt"

	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/store"
)

// ErrPreconditionFailed marks a policy precondition violation (e.g. a tool
// requiring an embedding model that is not configured). Never auto-fixed.
var ErrPreconditionFailed = errors.New("precondition failed")

// SearchToolName is the local tool gated on an active embedding model.
const SearchToolName = "scalytics_search"

// Engine applies provider-and-key rules against the store.
type Engine struct {
	store *store.Store
}

// New creates a policy engine bound to a store.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Apply enforces the provider/key/model rules for the target toggle pair.
// Safe to call repeatedly; reapplication is a no-op.
func (e *Engine) Apply(targetPrivacy, targetAirGap bool) error {
	// Coupling rule: air-gap implies privacy for the whole cascade.
	effectivePrivacy := targetPrivacy || targetAirGap

	L_info("policy: applying rules", "privacy", effectivePrivacy, "airGap", targetAirGap)

	err := e.store.WithTx(func(tx *sql.Tx) error {
		switch {
		case targetAirGap:
			return applyAirGap(tx)
		case effectivePrivacy:
			return applyPrivacy(tx)
		default:
			return applyOpen(tx)
		}
	})
	if err != nil {
		return fmt.Errorf("policy cascade failed: %w", err)
	}
	return nil
}

// applyAirGap cuts every outbound category: keys, providers, and the
// models served through them.
func applyAirGap(tx *sql.Tx) error {
	cats := store.ExternalCategories
	if err := store.TxSetKeysActiveByCategory(tx, cats, false, false); err != nil {
		return err
	}
	if err := store.TxSetProvidersActiveByCategory(tx, cats, false); err != nil {
		return err
	}
	return store.TxSetModelsActiveByProviderCategory(tx, cats, false)
}

// applyPrivacy disables external LLM providers only; search and
// HuggingFace stay (or become) available again.
func applyPrivacy(tx *sql.Tx) error {
	off := []string{store.CategoryExtLLM}
	if err := store.TxSetKeysActiveByCategory(tx, off, false, false); err != nil {
		return err
	}
	if err := store.TxSetProvidersActiveByCategory(tx, off, false); err != nil {
		return err
	}
	if err := store.TxSetModelsActiveByProviderCategory(tx, off, false); err != nil {
		return err
	}

	on := []string{store.CategorySearch, store.CategoryHF}
	if err := store.TxSetProvidersActiveByCategory(tx, on, true); err != nil {
		return err
	}
	if err := store.TxSetModelsActiveByProviderCategory(tx, on, true); err != nil {
		return err
	}
	// Only global keys come back automatically; user keys stay as the
	// user left them.
	return store.TxSetKeysActiveByCategory(tx, on, true, true)
}

// applyOpen reactivates everything across all three categories.
func applyOpen(tx *sql.Tx) error {
	cats := store.ExternalCategories
	if err := store.TxSetProvidersActiveByCategory(tx, cats, true); err != nil {
		return err
	}
	if err := store.TxSetModelsActiveByProviderCategory(tx, cats, true); err != nil {
		return err
	}
	return store.TxSetKeysActiveByCategory(tx, cats, true, true)
}

// ValidateSearchToolActivation checks the precondition for enabling the
// scalytics_search tool: a configured, local, embedding-capable model.
func (e *Engine) ValidateSearchToolActivation() error {
	id, ok, err := e.store.PreferredEmbeddingModelID()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no preferred embedding model configured", ErrPreconditionFailed)
	}

	m, err := e.store.GetModel(id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: preferred embedding model %d does not exist", ErrPreconditionFailed, id)
	}
	if err != nil {
		return err
	}
	if m.IsExternal() {
		return fmt.Errorf("%w: preferred embedding model %q is not local", ErrPreconditionFailed, m.Name)
	}
	if !m.IsEmbeddingModel {
		return fmt.Errorf("%w: model %q is not embedding-capable", ErrPreconditionFailed, m.Name)
	}
	if !m.IsActive {
		return fmt.Errorf("%w: embedding model %q is not active", ErrPreconditionFailed, m.Name)
	}
	return nil
}
