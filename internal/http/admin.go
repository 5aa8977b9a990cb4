package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/policy"
	"github.com/scalytics/connectd/internal/store"
)

// handleSettings routes /api/admin/settings/<name>.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/admin/settings/")
	switch name {
	case "privacy":
		s.handlePrivacySetting(w, r)
	case "air_gapped":
		s.handleAirGapSetting(w, r)
	case "scalytics-api":
		s.handleScalyticsAPISetting(w, r)
	case "preferred-embedding-model":
		s.handlePreferredEmbeddingSetting(w, r)
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "unknown setting", "")
	}
}

// policyState reads the two toggles for response payloads.
func (s *Server) policyState() (privacy, airGap bool, err error) {
	privacy, err = s.store.GetBoolSetting(store.SettingGlobalPrivacyMode)
	if err != nil {
		return false, false, err
	}
	airGap, err = s.store.GetBoolSetting(store.SettingAirGappedMode)
	return privacy, airGap, err
}

type policySettingResponse struct {
	GlobalPrivacyMode bool `json:"globalPrivacyMode"`
	AirGapped         bool `json:"airGapped"`
}

func (s *Server) writePolicyState(w http.ResponseWriter) {
	privacy, airGap, err := s.policyState()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policySettingResponse{
		GlobalPrivacyMode: privacy,
		AirGapped:         airGap,
	})
}

// handlePrivacySetting gets or sets global privacy mode. Turning privacy
// off while air-gap is on also turns air-gap off: air-gap cannot stand
// without privacy.
func (s *Server) handlePrivacySetting(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writePolicyState(w)
	case http.MethodPut:
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "enabled (boolean) is required", "enabled")
			return
		}
		_, airGap, err := s.policyState()
		if err != nil {
			writeDomainError(w, err)
			return
		}

		targetPrivacy := *req.Enabled
		targetAirGap := airGap
		if !targetPrivacy && airGap {
			targetAirGap = false
		}
		s.applyPolicy(w, targetPrivacy, targetAirGap)
	default:
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
	}
}

// handleAirGapSetting gets or sets air-gapped mode. Enabling air-gap also
// enables privacy; disabling it leaves privacy as it was.
func (s *Server) handleAirGapSetting(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writePolicyState(w)
	case http.MethodPut:
		var req struct {
			AirGapped *bool `json:"airGapped"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AirGapped == nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "airGapped (boolean) is required", "airGapped")
			return
		}
		privacy, _, err := s.policyState()
		if err != nil {
			writeDomainError(w, err)
			return
		}

		targetAirGap := *req.AirGapped
		targetPrivacy := privacy || targetAirGap
		s.applyPolicy(w, targetPrivacy, targetAirGap)
	default:
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
	}
}

// applyPolicy persists the toggle pair, runs the cascade, and reports the
// resulting state.
func (s *Server) applyPolicy(w http.ResponseWriter, privacy, airGap bool) {
	if err := s.store.SetBoolSetting(store.SettingGlobalPrivacyMode, privacy); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.SetBoolSetting(store.SettingAirGappedMode, airGap); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.policy.Apply(privacy, airGap); err != nil {
		writeDomainError(w, err)
		return
	}
	L_info("http: policy updated", "privacy", privacy, "airGap", airGap)
	writeJSON(w, http.StatusOK, policySettingResponse{
		GlobalPrivacyMode: privacy,
		AirGapped:         airGap,
	})
}

type scalyticsAPISettings struct {
	Enabled           string `json:"scalytics_api_enabled"`
	RateLimitWindowMS int64  `json:"scalytics_api_rate_limit_window_ms"`
	RateLimitMax      int64  `json:"scalytics_api_rate_limit_max"`
}

func (s *Server) handleScalyticsAPISetting(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		enabled, err := s.store.GetBoolSetting(store.SettingScalyticsAPIEnabled)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		window := s.settingInt(store.SettingScalyticsAPIRateWindow, 60000)
		max := s.settingInt(store.SettingScalyticsAPIRateMax, 100)
		writeJSON(w, http.StatusOK, scalyticsAPISettings{
			Enabled: strconv.FormatBool(enabled), RateLimitWindowMS: window, RateLimitMax: max,
		})
	case http.MethodPut:
		var req scalyticsAPISettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed request body", "")
			return
		}
		if req.Enabled != "true" && req.Enabled != "false" {
			writeError(w, http.StatusBadRequest, codeInvalidRequest,
				`scalytics_api_enabled must be "true" or "false"`, "scalytics_api_enabled")
			return
		}
		if req.RateLimitWindowMS <= 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest,
				"rate limit window must be a positive number of milliseconds", "scalytics_api_rate_limit_window_ms")
			return
		}
		if req.RateLimitMax < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest,
				"rate limit max must be zero or greater", "scalytics_api_rate_limit_max")
			return
		}
		if err := s.store.SetBoolSetting(store.SettingScalyticsAPIEnabled, req.Enabled == "true"); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := s.store.SetSetting(store.SettingScalyticsAPIRateWindow,
			strconv.FormatInt(req.RateLimitWindowMS, 10)); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := s.store.SetSetting(store.SettingScalyticsAPIRateMax,
			strconv.FormatInt(req.RateLimitMax, 10)); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	default:
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
	}
}

// settingInt reads an integer setting with a fallback default.
func (s *Server) settingInt(key string, def int64) int64 {
	value, err := s.store.GetSetting(key)
	if err != nil {
		return def
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		L_warn("http: malformed integer setting", "key", key, "value", value)
		return def
	}
	return n
}

// handlePreferredEmbeddingSetting gets or sets the preferred local
// embedding model. The referenced model must exist, be local, and be
// embedding-capable.
func (s *Server) handlePreferredEmbeddingSetting(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id, ok, err := s.store.PreferredEmbeddingModelID()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp := struct {
			ModelID *int64 `json:"preferred_local_embedding_model_id"`
		}{}
		if ok {
			resp.ModelID = &id
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPut:
		var req struct {
			ModelID *int64 `json:"preferred_local_embedding_model_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed request body", "")
			return
		}
		if req.ModelID == nil {
			// Explicit null clears the preference.
			if err := s.store.SetSetting(store.SettingPreferredEmbeddingModel, ""); err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, req)
			return
		}

		m, err := s.store.GetModel(*req.ModelID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if m.IsExternal() {
			writeError(w, http.StatusBadRequest, codeInvalidRequest,
				fmt.Sprintf("model %q is not local", m.Name), "preferred_local_embedding_model_id")
			return
		}
		if !m.IsEmbeddingModel {
			writeError(w, http.StatusBadRequest, codeInvalidRequest,
				fmt.Sprintf("model %q is not embedding-capable", m.Name), "preferred_local_embedding_model_id")
			return
		}
		if err := s.store.SetSetting(store.SettingPreferredEmbeddingModel,
			strconv.FormatInt(*req.ModelID, 10)); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	default:
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
	}
}

// handleLocalToolStatus routes PUT /api/admin/mcp/local-tools/<tool>/status.
// Enabling the search tool requires a usable embedding model; the check
// reports what is wrong rather than fixing it.
func (s *Server) handleLocalToolStatus(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/admin/mcp/local-tools/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "status" || parts[0] == "" {
		writeError(w, http.StatusNotFound, codeNotFound, "unknown tool endpoint", "")
		return
	}
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed", "")
		return
	}
	toolName := parts[0]

	var req struct {
		IsActive *bool `json:"isActive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "isActive (boolean) is required", "isActive")
		return
	}

	if *req.IsActive && toolName == policy.SearchToolName {
		if err := s.policy.ValidateSearchToolActivation(); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	key := "local_tool_" + toolName + "_active"
	if err := s.store.SetBoolSetting(key, *req.IsActive); err != nil {
		writeDomainError(w, err)
		return
	}
	L_info("http: local tool status changed", "tool", toolName, "active", *req.IsActive)
	writeJSON(w, http.StatusOK, struct {
		Tool     string `json:"tool"`
		IsActive bool   `json:"isActive"`
	}{toolName, *req.IsActive})
}
