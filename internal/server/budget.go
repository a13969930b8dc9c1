package server

import "net/http"

// handleBudget serves GET /budget with the current rolling-window
// snapshot the Budget Manager already computes for budget.update push
// events.
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	snap := s.budgetMgr.Snapshot(r.Context())
	writeJSON(w, map[string]any{
		"hourly_used":  snap.HourlyUsed,
		"hourly_limit": snap.HourlyLimit,
		"daily_used":   snap.DailyUsed,
		"daily_limit":  snap.DailyLimit,
	}, s.logger)
}
