package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/argus-observability/agentcore/internal/apperr"
	"github.com/argus-observability/agentcore/internal/authn"
	"github.com/argus-observability/agentcore/internal/ingest"
)

// handleIngest is mounted behind authn.RequireAPIKey so the tenant
// comes from a verified credential rather than the raw x-argus-key
// header ingest.Handler.ServeHTTP reads on its own. That entry point is
// not mounted on any route; the MQTT bridge (internal/ingest) calls
// Handler.IngestBatch directly, as this handler does.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	cred, ok := authn.CredentialFromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Unauthorized, "missing credential"))
		return
	}

	if s.ingestHandler.Saturated() {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", ingest.RetryAfter.Seconds()))
		writeError(w, apperr.New(apperr.IngestionBackpressure, "ingestion queue saturated, retry later"))
		return
	}

	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ValidationError, "malformed request body", err))
		return
	}
	if len(req.Events) > ingest.MaxBatchSize {
		writeError(w, apperr.New(apperr.ValidationError, fmt.Sprintf("batch exceeds max size %d", ingest.MaxBatchSize)))
		return
	}

	resp := s.ingestHandler.IngestBatch(r.Context(), cred.Tenant, req)
	writeJSON(w, resp, s.logger)
}
