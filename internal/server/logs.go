package server

import (
	"net/http"
	"time"

	"github.com/argus-observability/agentcore/internal/apperr"
	"github.com/argus-observability/agentcore/internal/store"
)

// logLookback bounds how far back GET /logs searches when the caller
// doesn't narrow the window itself. The log index is meant for recent
// triage, not historical export (that is what /ingest's upstream
// telemetry pipeline retains long-term).
const logLookback = 24 * time.Hour

// handleLogs serves GET /logs?severity=&limit=, querying the
// KindLog logical table directly rather than through a tool, since
// this is an operator-facing dashboard endpoint, not ReAct context.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 100)
	severity := r.URL.Query().Get("severity")

	now := time.Now().UTC()
	result, err := s.tsStore.Query(r.Context(), store.KindLog, store.Filter{
		Window: store.Window{Start: now.Add(-logLookback), End: now},
		Limit:  limit,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "log query failed", err))
		return
	}

	rows := result.Rows
	if severity != "" {
		filtered := make([]store.Row, 0, len(rows))
		for _, row := range rows {
			if sev, _ := row.Payload["severity"].(string); sev == severity {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	writeJSON(w, map[string]any{"logs": toLogRowDTOs(rows), "truncated": result.Truncated}, s.logger)
}

// logRowDTO gives store.Row (column-order scanned, no JSON tags) a
// snake_case wire shape consistent with the rest of the REST surface.
type logRowDTO struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
}

func toLogRowDTOs(rows []store.Row) []logRowDTO {
	out := make([]logRowDTO, len(rows))
	for i, row := range rows {
		out[i] = logRowDTO{ID: row.ID, Timestamp: row.Timestamp, Source: row.Source, Payload: row.Payload}
	}
	return out
}
