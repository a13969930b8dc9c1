// Package investigation implements the Investigation Orchestrator
// (spec.md §4.11): on an URGENT alert with auto-investigate enabled,
// it starts a ReActRun whose initial message summarizes the alert,
// streams investigation_update events, and cancels the run if the
// alert resolves first. It is spec-only (no teacher analog) and wraps
// internal/agent.Loop the way internal/server's WebSocket handler wires
// agent.Loop to incoming chat messages — a thin adapter, not a second
// loop implementation.
package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/argus-observability/agentcore/internal/agent"
	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/budget"
	"github.com/argus-observability/agentcore/internal/events"
	"github.com/argus-observability/agentcore/internal/llm"
	"github.com/argus-observability/agentcore/internal/prompts"
	"github.com/argus-observability/agentcore/internal/pushmsg"
)

// Summary is a completed investigation's record, persisted to the
// catalog on investigation_end (SPEC_FULL.md's supplemented feature:
// investigation results are queryable after the fact, not just pushed
// live).
type Summary struct {
	AlertID           string
	RunID             string
	TokensUsed        int64
	TerminationReason string
	Narrative         string
}

// Recorder persists a completed investigation. internal/catalog.Store
// (via a thin adapter) is the production implementation; a nil
// Recorder simply skips persistence.
type Recorder interface {
	InsertInvestigation(ctx context.Context, investigationID string, s Summary) error
}

// Orchestrator implements alerts.Investigator.
type Orchestrator struct {
	loop     *agent.Loop
	bus      *events.Bus
	model    string
	recorder Recorder

	mu     sync.Mutex
	active map[string]context.CancelFunc // investigation id -> cancel
}

// New constructs an Orchestrator bound to loop for running investigations.
func New(loop *agent.Loop, bus *events.Bus, model string) *Orchestrator {
	return &Orchestrator{loop: loop, bus: bus, model: model, active: make(map[string]context.CancelFunc)}
}

// SetRecorder wires a Recorder for persisting investigation summaries.
// Optional: without one, investigations are still pushed live but not
// queryable afterward via GET /investigations.
func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

// Start implements alerts.Investigator. It launches the ReActRun in
// the background and returns its id immediately; investigation_start
// is emitted before this call returns.
func (o *Orchestrator) Start(ctx context.Context, alert alerts.Alert, rule alerts.Rule) (string, error) {
	id, _ := uuid.NewV7()
	investigationID := id.String()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.active[investigationID] = cancel
	o.mu.Unlock()

	o.emit(investigationID, pushmsg.TypeInvestigationStart, map[string]any{
		"alert_id": alert.ID, "rule_id": rule.ID, "rule_name": rule.Name, "source": alert.Source,
	})

	go o.run(runCtx, investigationID, alert, rule)

	return investigationID, nil
}

// Cancel implements alerts.Investigator: it stops the run if one is
// still active for investigationID, and is a no-op otherwise.
func (o *Orchestrator) Cancel(ctx context.Context, investigationID string) error {
	o.mu.Lock()
	cancel, ok := o.active[investigationID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, investigationID string, alert alerts.Alert, rule alerts.Rule) {
	defer func() {
		o.mu.Lock()
		delete(o.active, investigationID)
		o.mu.Unlock()
	}()

	initial := fmt.Sprintf(
		"Investigate alert %q fired by rule %q on source %q (severity %s). %s\nDetermine likely root cause, check for related telemetry, and summarize findings.",
		alert.ID, rule.Name, alert.Source, alert.Severity, alert.Summary,
	)

	result, err := o.loop.Run(ctx, agent.Request{
		RunID: investigationID,
		Model: o.model,
		History: []llm.Message{
			{Role: "system", Content: prompts.InvestigationPrompt(rule.Name, alert.Source, string(alert.Severity))},
			{Role: "user", Content: initial},
		},
		Priority:   budget.PriorityUrgent,
		DeltaTopic: events.TopicInvestigationDelta,
	})
	if err != nil {
		o.emit(investigationID, pushmsg.TypeInvestigationEnd, map[string]any{"error": err.Error()})
		return
	}

	o.emit(investigationID, pushmsg.TypeInvestigationEnd, map[string]any{
		"termination": string(result.Termination),
		"summary":     result.FinalMessage,
		"steps":       result.Steps,
	})

	if o.recorder != nil {
		tokensUsed := estimateTokensUsed(result)
		if err := o.recorder.InsertInvestigation(context.WithoutCancel(ctx), investigationID, Summary{
			AlertID:           alert.ID,
			RunID:             investigationID,
			TokensUsed:        tokensUsed,
			TerminationReason: string(result.Termination),
			Narrative:         result.FinalMessage,
		}); err != nil {
			o.emit(investigationID, pushmsg.TypeError, map[string]any{"code": "internal", "message": "failed to persist investigation summary"})
		}
	}
}

func estimateTokensUsed(result agent.Result) int64 {
	total := 0
	for _, m := range result.History {
		total += len(m.Content) / 4
	}
	return int64(total)
}

func (o *Orchestrator) emit(investigationID string, typ pushmsg.Type, data map[string]any) {
	if o.bus == nil {
		return
	}
	env := pushmsg.New(typ, investigationID, data)
	raw, err := json.Marshal(env)
	if err != nil {
		raw = []byte(`{}`)
	}
	o.bus.Publish(events.Event{
		Topic:  events.TopicReActDelta,
		Source: investigationID,
		Kind:   string(typ),
		Data:   map[string]any{"envelope": string(raw)},
	})
}
