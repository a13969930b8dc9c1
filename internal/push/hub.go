package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/argus-observability/agentcore/internal/events"
	"github.com/argus-observability/agentcore/internal/metrics"
	"github.com/argus-observability/agentcore/internal/pushmsg"
)

// Hub tracks all live connections and relays react.delta / alerts.fired
// / alerts.state / budget.update / system.status / actions.requested /
// actions.completed bus events to every connection as push envelopes.
// It also tracks which connection initiated a user-chat run, so
// disconnecting that session cancels runs it started (spec.md §5:
// "user chat runs are session-scoped and cancelled on disconnect;
// auto-investigations are not").
type Hub struct {
	bus *events.Bus
	log *slog.Logger

	mu          sync.Mutex
	conns       map[string]*Connection
	sessionRuns map[string]map[string]bool // conn id -> set of run ids it owns
	cancelRun   CancelFunc
}

// NewHub constructs a Hub and starts relaying bus events to connections.
func NewHub(bus *events.Bus, log *slog.Logger, cancelRun CancelFunc) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		bus:         bus,
		log:         log,
		conns:       make(map[string]*Connection),
		sessionRuns: make(map[string]map[string]bool),
		cancelRun:   cancelRun,
	}
	go h.relay(events.TopicReActDelta)
	go h.relay(events.TopicInvestigationDelta)
	go h.relay(events.TopicAlertsFired)
	go h.relay(events.TopicAlertsState)
	go h.relay(events.TopicBudgetUpdate)
	go h.relay(events.TopicSystemStatus)
	go h.relay(events.TopicActionsRequested)
	go h.relay(events.TopicActionsCompleted)
	return h
}

func (h *Hub) relay(topic events.Topic) {
	ch := h.bus.Subscribe(topic, 256)
	for e := range ch {
		env := busEventToEnvelope(topic, e)
		h.Broadcast(env)
	}
}

// busEventToEnvelope converts an internal bus event into a push wire
// envelope. react.delta events already carry a pre-built envelope
// (internal/agent emits them that way); investigation.delta events
// carry the same pre-built shape but are retagged as investigation_update
// per spec.md §4.11, with the original sub-type folded into Data as
// "phase" so clients can still tell a thinking delta from a tool call;
// every other topic is translated directly.
func busEventToEnvelope(topic events.Topic, e events.Event) pushmsg.Envelope {
	if topic == events.TopicReActDelta {
		if raw, ok := e.Data["envelope"].(string); ok {
			var env pushmsg.Envelope
			if json.Unmarshal([]byte(raw), &env) == nil {
				return env
			}
		}
	}

	if topic == events.TopicInvestigationDelta {
		if raw, ok := e.Data["envelope"].(string); ok {
			var env pushmsg.Envelope
			if json.Unmarshal([]byte(raw), &env) == nil {
				return retagInvestigationUpdate(env)
			}
		}
	}

	var typ pushmsg.Type
	switch topic {
	case events.TopicAlertsFired:
		typ = pushmsg.TypeAlert
	case events.TopicAlertsState:
		typ = pushmsg.TypeAlertStateChange
	case events.TopicBudgetUpdate:
		typ = pushmsg.TypeBudgetUpdate
	case events.TopicSystemStatus:
		typ = pushmsg.TypeSystemStatus
	case events.TopicActionsRequested, events.TopicActionsCompleted:
		typ = actionEnvelopeType(e.Kind)
	default:
		typ = pushmsg.TypeSystemStatus
	}
	id, _ := uuid.NewV7()
	return pushmsg.New(typ, id.String(), e.Data)
}

// retagInvestigationUpdate rewrites env.Type to investigation_update,
// preserving its original type as a "phase" field in Data so a client
// can still distinguish a thinking delta from a tool call. Errors pass
// through untouched: `error` is itself a listed terminal wire type, not
// a streaming delta.
func retagInvestigationUpdate(env pushmsg.Envelope) pushmsg.Envelope {
	if env.Type == pushmsg.TypeError {
		return env
	}

	var fields map[string]any
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &fields)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["phase"] = string(env.Type)

	raw, err := json.Marshal(fields)
	if err != nil {
		raw = env.Data
	}
	env.Type = pushmsg.TypeInvestigationUpdate
	env.Data = raw
	return env
}

// actionEnvelopeType maps an actions.Engine lifecycle Kind ("requested",
// "executing", "completed") onto its wire envelope type.
func actionEnvelopeType(kind string) pushmsg.Type {
	switch kind {
	case "executing":
		return pushmsg.TypeActionExecuting
	case "completed":
		return pushmsg.TypeActionComplete
	default:
		return pushmsg.TypeActionRequest
	}
}

// Broadcast delivers env to every live connection.
func (h *Hub) Broadcast(env pushmsg.Envelope) {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Send(env)
	}
}

// Register adds a new connection, upgraded by the caller, and sends
// the initial `connected` envelope.
func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.sessionRuns[c.ID()] = make(map[string]bool)
	h.mu.Unlock()
	metrics.PushConnections.Inc()

	c.Send(pushmsg.New(pushmsg.TypeConnected, c.ID(), map[string]any{"connection_id": c.ID()}))
}

// Unregister removes a connection and cancels every run it owns.
func (h *Hub) Unregister(ctx context.Context, connID string) {
	h.mu.Lock()
	_, existed := h.conns[connID]
	delete(h.conns, connID)
	runs := h.sessionRuns[connID]
	delete(h.sessionRuns, connID)
	h.mu.Unlock()
	if existed {
		metrics.PushConnections.Dec()
	}

	if h.cancelRun == nil {
		return
	}
	for runID := range runs {
		h.cancelRun(runID)
	}
}

// TrackRun records that connID initiated runID, so it is cancelled on
// disconnect.
func (h *Hub) TrackRun(connID, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionRuns[connID] == nil {
		h.sessionRuns[connID] = make(map[string]bool)
	}
	h.sessionRuns[connID][runID] = true
}

// ConnectionCount reports how many sessions are currently live, for
// the GET /status endpoint.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
