// Package cancel provides the process-wide cancellation registry.
//
// The registry is purely advisory: it owns no workflows. Long-running loops
// (readiness polling, streaming, policy cascades) check IsRequested at least
// once per iteration and, on true, abort with ErrCancelled and Clear the flag.
package cancel

import (
	"errors"
	"sync"

	. "github.com/scalytics/connectd/internal/logging"
)

// ErrCancelled is returned by workflows that observed a cancellation request.
var ErrCancelled = errors.New("cancellation requested")

// Registry maps workflow ids (typically chat ids) to a cancellation flag.
type Registry struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flags: make(map[string]bool)}
}

// Request marks a workflow for cancellation. Idempotent; no-op on empty id.
func (r *Registry) Request(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.flags[id] = true
	r.mu.Unlock()
	L_info("cancel: requested", "workflow", id)
}

// IsRequested reports whether cancellation was requested for a workflow.
func (r *Registry) IsRequested(id string) bool {
	if id == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags[id]
}

// Clear removes the flag. Called by whoever observed and honored the
// cancellation.
func (r *Registry) Clear(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	delete(r.flags, id)
	r.mu.Unlock()
	L_debug("cancel: cleared", "workflow", id)
}
