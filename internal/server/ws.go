package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/argus-observability/agentcore/internal/agent"
	"github.com/argus-observability/agentcore/internal/authn"
	"github.com/argus-observability/agentcore/internal/budget"
	"github.com/argus-observability/agentcore/internal/llm"
	"github.com/argus-observability/agentcore/internal/prompts"
	"github.com/argus-observability/agentcore/internal/push"
	"github.com/argus-observability/agentcore/internal/pushmsg"
)

// handleWS authenticates the realtime session via the same signed
// cookie the REST catalog surface uses, then upgrades and registers
// the connection with the push Hub. The run-driving callbacks
// (onMessage/onCancel/onAction) close over the connection id so the
// Hub can scope cancellation to the session that started a run, per
// spec.md §5.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(authn.SessionCookieName)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := s.sessions.Verify(cookie.Value)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	connID, err := uuid.NewV7()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	id := connID.String()

	conn, err := push.Upgrade(w, r, id, s.logger, s.makeCancelHandler(id), s.makeActionHandler(), s.makeUserMessageHandler(id, claims.Tenant))
	if err != nil {
		s.logger.Warn("server: websocket upgrade failed", "error", err)
		return
	}
	s.hub.Register(conn)
}

func (s *Server) makeCancelHandler(connID string) push.CancelFunc {
	return func(runID string) {
		s.loop.Cancel(runID)
	}
}

func (s *Server) makeActionHandler() push.ActionResponder {
	return func(requestID string, approved bool, actor string) {
		if err := s.actionEngine.Respond(requestID, approved, actor); err != nil {
			s.logger.Warn("server: action response failed", "request_id", requestID, "error", err)
		}
	}
}

// makeUserMessageHandler drives a ReAct run from an incoming chat
// message. It launches the run on its own goroutine and returns
// immediately, since Connection.dispatch calls it synchronously from
// the read loop.
func (s *Server) makeUserMessageHandler(connID, tenant string) push.UserMessageHandler {
	return func(conn *push.Connection, data pushmsg.UserMessageData) {
		runID, err := uuid.NewV7()
		if err != nil {
			return
		}
		req := agent.Request{
			RunID:    runID.String(),
			Model:    s.model,
			History: []llm.Message{
				{Role: "system", Content: prompts.BaseSystemPrompt()},
				{Role: "user", Content: data.Text},
			},
			Priority: budget.PriorityRoutine,
		}
		s.hub.TrackRun(connID, req.RunID)

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := s.loop.Run(ctx, req); err != nil {
				s.logger.Warn("server: react run failed", "run_id", req.RunID, "error", err)
			}
		}()
	}
}
