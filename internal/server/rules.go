package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/argus-observability/agentcore/internal/apperr"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.alertEngine.Rules()
	dtos := make([]ruleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(rule)
	}
	writeJSON(w, map[string]any{"rules": dtos}, s.logger)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ValidationError, "malformed request body", err))
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, apperr.New(apperr.ValidationError, "id and name are required"))
		return
	}

	rule := req.toRule(time.Now().UTC())
	if err := s.catalogStore.UpsertRule(r.Context(), rule); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "persist rule failed", err))
		return
	}
	s.alertEngine.PutRule(&rule)

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, toRuleDTO(rule), s.logger)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.catalogStore.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, apperr.New(apperr.NotFound, "rule not found"))
		return
	}

	var req ruleCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ValidationError, "malformed request body", err))
		return
	}
	req.ID = id

	rule := req.toRule(time.Now().UTC())
	rule.CreatedAt = existing.CreatedAt
	if err := s.catalogStore.UpsertRule(r.Context(), rule); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "persist rule failed", err))
		return
	}
	s.alertEngine.PutRule(&rule)

	writeJSON(w, toRuleDTO(rule), s.logger)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.catalogStore.DeleteRule(r.Context(), id); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "delete rule failed", err))
		return
	}
	s.alertEngine.DeleteRule(id)
	w.WriteHeader(http.StatusNoContent)
}

type muteRequest struct {
	DurationHours float64 `json:"duration_hours"`
}

func (s *Server) handleMuteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req muteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ValidationError, "malformed request body", err))
		return
	}
	if req.DurationHours <= 0 {
		writeError(w, apperr.New(apperr.ValidationError, "duration_hours must be positive"))
		return
	}
	if err := s.alertEngine.Mute(id, time.Duration(req.DurationHours*float64(time.Hour))); err != nil {
		writeError(w, asAppErr(err))
		return
	}
	s.persistRuleMuteState(r, id)
	writeJSON(w, map[string]string{"status": "muted"}, s.logger)
}

func (s *Server) handleUnmuteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.alertEngine.Unmute(id); err != nil {
		writeError(w, asAppErr(err))
		return
	}
	s.persistRuleMuteState(r, id)
	writeJSON(w, map[string]string{"status": "unmuted"}, s.logger)
}

// persistRuleMuteState writes the rule's updated mute window back to
// the catalog after Mute/Unmute changes it in memory, so GET /rules
// reflects it after a restart. A failure here is logged, not returned
// to the caller — the in-memory alerts.Engine state (which governs
// actual rule matching) already applied the change.
func (s *Server) persistRuleMuteState(r *http.Request, ruleID string) {
	rules := s.alertEngine.Rules()
	for _, rule := range rules {
		if rule.ID != ruleID {
			continue
		}
		if err := s.catalogStore.UpsertRule(r.Context(), rule); err != nil {
			s.logger.Warn("server: failed to persist rule mute state", "rule_id", ruleID, "error", err)
		}
		return
	}
}
