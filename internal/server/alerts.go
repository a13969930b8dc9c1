package server

import (
	"net/http"

	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/apperr"
	"github.com/argus-observability/agentcore/internal/authn"
	"github.com/argus-observability/agentcore/internal/catalog"
	"github.com/argus-observability/agentcore/internal/classifier"
)

// handleListAlerts serves GET /alerts?status=&severity=&page=. The
// catalog is the source of truth (not the in-memory alerts.Engine,
// which only tracks what fired since process start), so history
// survives a restart.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f := catalog.AlertFilter{
		Status:   alerts.Status(r.URL.Query().Get("status")),
		Severity: classifier.Severity(r.URL.Query().Get("severity")),
		Page:     parseIntParam(r, "page", 1),
		PageSize: parseIntParam(r, "page_size", 50),
	}
	rows, err := s.catalogStore.ListAlerts(r.Context(), f)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "list alerts failed", err))
		return
	}
	writeJSON(w, map[string]any{"alerts": toAlertDTOs(rows)}, s.logger)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := actorFromContext(r)
	if err := s.alertEngine.Acknowledge(r.Context(), id, actor); err != nil {
		writeError(w, asAppErr(err))
		return
	}
	writeJSON(w, map[string]string{"status": "acknowledged"}, s.logger)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := actorFromContext(r)
	if err := s.alertEngine.Resolve(r.Context(), id, actor); err != nil {
		writeError(w, asAppErr(err))
		return
	}
	writeJSON(w, map[string]string{"status": "resolved"}, s.logger)
}

func actorFromContext(r *http.Request) string {
	if claims, ok := authn.SessionFromContext(r.Context()); ok {
		return claims.Subject
	}
	return ""
}

// asAppErr narrows any error to an *apperr.Error for the generic
// writeError helper, defaulting to NotFound for errors the domain
// packages did not already wrap as an *apperr.Error.
func asAppErr(err error) *apperr.Error {
	if ae, ok := apperr.As(err); ok {
		return ae
	}
	return apperr.New(apperr.NotFound, err.Error())
}
