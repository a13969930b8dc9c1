package server

import (
	"net/http"
	"time"

	"github.com/argus-observability/agentcore/internal/apperr"
)

// handleAudit serves GET /audit?entity=&since=, per SPEC_FULL.md §12's
// supplemented audit-trail query endpoint. since accepts RFC3339; an
// empty or malformed value defaults to the last 24h.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entityKind := r.URL.Query().Get("entity")
	limit := parseIntParam(r, "limit", 200)

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			since = parsed.UTC()
		}
	}

	rows, err := s.catalogStore.QueryAudit(r.Context(), entityKind, since, limit)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "audit query failed", err))
		return
	}
	writeJSON(w, map[string]any{"entries": toAuditEntryDTOs(rows)}, s.logger)
}
