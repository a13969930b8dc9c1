// Package server implements the REST catalog surface, the ingestion
// endpoint wrapper, and the realtime WebSocket session named in
// spec.md §6. Grounded on internal/api/server.go's shape: a
// single Server struct holding every wired component, Go 1.22+
// method+pattern routing on http.NewServeMux, a withLogging wrapper,
// and a writeJSON helper that never lets an encode failure crash the
// handler.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/argus-observability/agentcore/internal/actions"
	"github.com/argus-observability/agentcore/internal/agent"
	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/apperr"
	"github.com/argus-observability/agentcore/internal/authn"
	"github.com/argus-observability/agentcore/internal/budget"
	"github.com/argus-observability/agentcore/internal/buildinfo"
	"github.com/argus-observability/agentcore/internal/catalog"
	"github.com/argus-observability/agentcore/internal/ingest"
	"github.com/argus-observability/agentcore/internal/push"
	"github.com/argus-observability/agentcore/internal/store"
)

// writeJSON encodes v to w, logging rather than panicking on a failed
// encode (typically a client that disconnected mid-response).
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("server: failed to write JSON response", "error", err)
	}
}

// writeError renders aerr as the `{detail: string}` shape spec.md §6
// specifies for the REST catalog surface, with aerr.Kind's conventional
// HTTP status.
func writeError(w http.ResponseWriter, aerr *apperr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(aerr.Kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": aerr.Msg})
}

// Server wires every component the REST/WS surface depends on. All
// fields are set once at construction; Start/Shutdown own the
// http.Server lifecycle.
type Server struct {
	host string
	port int

	catalogStore  *catalog.Store
	tsStore       *store.Store
	hub           *push.Hub
	loop          *agent.Loop
	alertEngine   *alerts.Engine
	actionEngine  *actions.Engine
	ingestHandler *ingest.Handler
	budgetMgr     *budget.Manager
	sessions      *authn.SessionManager
	apiKeys       *authn.APIKeyManager
	corsOrigins   map[string]bool

	logger *slog.Logger
	server *http.Server
	model  string
}

// Config collects Server's constructor arguments. Grounded on the
// teacher's NewServer(address, port, loop, router, logger) signature,
// widened for the larger dependency graph this domain wires together.
type Config struct {
	Host          string
	Port          int
	CatalogStore  *catalog.Store
	TimeSeries    *store.Store
	Hub           *push.Hub
	Loop          *agent.Loop
	AlertEngine   *alerts.Engine
	ActionEngine  *actions.Engine
	IngestHandler *ingest.Handler
	BudgetMgr     *budget.Manager
	Sessions      *authn.SessionManager
	APIKeys       *authn.APIKeyManager
	CORSOrigins   []string
	Model         string
	Logger        *slog.Logger
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		origins[o] = true
	}
	return &Server{
		host:          cfg.Host,
		port:          cfg.Port,
		catalogStore:  cfg.CatalogStore,
		tsStore:       cfg.TimeSeries,
		hub:           cfg.Hub,
		loop:          cfg.Loop,
		alertEngine:   cfg.AlertEngine,
		actionEngine:  cfg.ActionEngine,
		ingestHandler: cfg.IngestHandler,
		budgetMgr:     cfg.BudgetMgr,
		sessions:      cfg.Sessions,
		apiKeys:       cfg.APIKeys,
		corsOrigins:   origins,
		model:         cfg.Model,
		logger:        logger,
	}
}

// Start registers every route and blocks serving HTTP until the
// listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.withSession(s.handleStatus))
	mux.HandleFunc("GET /settings", s.withSession(s.handleSettings))
	mux.HandleFunc("GET /security", s.withSession(s.handleSecurity))

	mux.Handle("POST /ingest", s.apiKeys.RequireAPIKey(http.HandlerFunc(s.handleIngest)))

	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /alerts", s.withSession(s.handleListAlerts))
	mux.HandleFunc("POST /alerts/{id}/acknowledge", s.withSession(s.handleAcknowledgeAlert))
	mux.HandleFunc("POST /alerts/{id}/resolve", s.withSession(s.handleResolveAlert))

	mux.HandleFunc("GET /rules", s.withSession(s.handleListRules))
	mux.HandleFunc("POST /rules", s.withSession(s.handleCreateRule))
	mux.HandleFunc("PUT /rules/{id}", s.withSession(s.handleUpdateRule))
	mux.HandleFunc("DELETE /rules/{id}", s.withSession(s.handleDeleteRule))
	mux.HandleFunc("POST /rules/{id}/mute", s.withSession(s.handleMuteRule))
	mux.HandleFunc("POST /rules/{id}/unmute", s.withSession(s.handleUnmuteRule))

	mux.HandleFunc("GET /investigations", s.withSession(s.handleListInvestigations))
	mux.HandleFunc("GET /budget", s.withSession(s.handleBudget))
	mux.HandleFunc("GET /logs", s.withSession(s.handleLogs))
	mux.HandleFunc("GET /audit", s.withSession(s.handleAudit))

	handler := s.withCORS(s.withLogging(mux))

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long enough for a held WS upgrade
	}

	addr := s.host
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting argus server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting new connections and waits (bounded by
// ctx's deadline) for in-flight requests and WS sessions to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// withCORS enforces config.CORSConfig.Origins for browser callers. An
// empty allow-list means no cross-origin access at all, since this
// endpoint is not meant to be embedded in arbitrary third-party pages.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.corsOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+authn.IngestKeyHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withSession adapts SessionManager.RequireSession (an http.Handler
// wrapper) to wrap a single http.HandlerFunc inline at route
// registration, matching the flat mux.HandleFunc style instead of
// wrapping the whole mux.
func (s *Server) withSession(h http.HandlerFunc) http.HandlerFunc {
	wrapped := s.sessions.RequireSession(h)
	return func(w http.ResponseWriter, r *http.Request) {
		wrapped.ServeHTTP(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"version":           buildinfo.Version,
		"connections":       s.hub.ConnectionCount(),
		"pending_telemetry": s.tsStore.PendingWrites(),
	}, s.logger)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var tenant, role string
	if claims, ok := authn.SessionFromContext(r.Context()); ok {
		tenant, role = claims.Tenant, claims.Role
	}
	writeJSON(w, map[string]any{
		"model":  s.model,
		"tenant": tenant,
		"role":   role,
	}, s.logger)
}

func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request) {
	pending := s.actionEngine.Pending()
	writeJSON(w, map[string]any{"pending_actions": pending}, s.logger)
}
