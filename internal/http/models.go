package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// modelResponse is the admin-facing model record.
type modelResponse struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	ModelPath          string `json:"modelPath"`
	ModelFormat        string `json:"modelFormat"`
	ContextWindow      int    `json:"contextWindow"`
	IsActive           bool   `json:"isActive"`
	IsDefault          bool   `json:"isDefault"`
	IsEmbeddingModel   bool   `json:"isEmbeddingModel"`
	External           bool   `json:"external"`
	TensorParallelSize int    `json:"tensorParallelSize"`
}

// handleModelsList handles GET /api/admin/models.
func (s *Server) handleModelsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
		return
	}
	models, err := s.store.ListModels()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, modelResponse{
			ID: m.ID, Name: m.Name, ModelPath: m.ModelPath, ModelFormat: m.ModelFormat,
			ContextWindow: m.ContextWindow, IsActive: m.IsActive, IsDefault: m.IsDefault,
			IsEmbeddingModel: m.IsEmbeddingModel, External: m.IsExternal(),
			TensorParallelSize: m.TensorParallelSize,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleModelsAction routes /api/admin/models/<...>:
//
//	GET  pool-status
//	POST deactivate
//	POST force-cleanup
//	POST <id>/activate
func (s *Server) handleModelsAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/admin/models/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "pool-status":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
			return
		}
		writeJSON(w, http.StatusOK, s.engine.Status())

	case len(parts) == 1 && parts[0] == "deactivate":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
			return
		}
		if err := s.engine.DeactivateCurrent(); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
		}{"deactivated"})

	case len(parts) == 1 && parts[0] == "force-cleanup":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
			return
		}
		s.engine.ForceCleanup()
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
		}{"cleaned"})

	case len(parts) == 2 && parts[1] == "activate":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
			return
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "model id must be numeric", "id")
			return
		}
		// The id is minted here so clients can subscribe to the event feed
		// before the subprocess emits anything.
		activationID := uuid.NewString()
		if _, err := s.engine.Activate(id, activationID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, struct {
			ActivationID string `json:"activationId"`
			Status       string `json:"status"`
		}{activationID, "activating"})

	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
			return
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "model id must be numeric", "id")
			return
		}
		m, err := s.store.GetModel(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, modelResponse{
			ID: m.ID, Name: m.Name, ModelPath: m.ModelPath, ModelFormat: m.ModelFormat,
			ContextWindow: m.ContextWindow, IsActive: m.IsActive, IsDefault: m.IsDefault,
			IsEmbeddingModel: m.IsEmbeddingModel, External: m.IsExternal(),
			TensorParallelSize: m.TensorParallelSize,
		})

	default:
		writeError(w, http.StatusNotFound, codeNotFound, "unknown models endpoint", "")
	}
}

// handleActivationsAction routes POST /api/admin/activations/<id>/cancel.
// Cancellation is advisory: the readiness poller observes the flag on its
// next iteration.
func (s *Server) handleActivationsAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/admin/activations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "cancel" || parts[0] == "" {
		writeError(w, http.StatusNotFound, codeNotFound, "unknown activations endpoint", "")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
		return
	}

	s.cancels.Request(parts[0])
	writeJSON(w, http.StatusAccepted, struct {
		Status string `json:"status"`
	}{"cancellation requested"})
}
