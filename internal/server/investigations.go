package server

import (
	"net/http"

	"github.com/argus-observability/agentcore/internal/apperr"
)

// handleListInvestigations serves GET /investigations?page=, per
// SPEC_FULL.md §12's supplemented investigation-history feature.
func (s *Server) handleListInvestigations(w http.ResponseWriter, r *http.Request) {
	page := parseIntParam(r, "page", 1)
	pageSize := parseIntParam(r, "page_size", 50)

	rows, err := s.catalogStore.ListInvestigations(r.Context(), page, pageSize)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "list investigations failed", err))
		return
	}
	writeJSON(w, map[string]any{"investigations": toInvestigationDTOs(rows)}, s.logger)
}
