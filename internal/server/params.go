package server

import (
	"net/http"
	"strconv"
)

// parseIntParam: a malformed or missing value silently falls back to
// defaultVal rather than erroring, since these only ever gate
// pagination/limits.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
