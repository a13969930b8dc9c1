// Package agent implements the ReAct Loop (spec.md §4.8): budget
// admission, a streamed LLM call, tool dispatch through the Tool
// Registry (suspending for operator approval on risk>=MEDIUM tools),
// and a bounded step count, each push event strictly ordered per run.
// Grounded on agent.Loop's original streaming-then-tool-call
// iteration shape, stripped of the talent/memory/router orchestration
// that has no analog in this domain.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/argus-observability/agentcore/internal/budget"
	"github.com/argus-observability/agentcore/internal/events"
	"github.com/argus-observability/agentcore/internal/llm"
	"github.com/argus-observability/agentcore/internal/pushmsg"
	"github.com/argus-observability/agentcore/internal/tools"
)

// DefaultMaxSteps bounds tool-call iterations per run, per spec.md §4.8.
const DefaultMaxSteps = 12

var tracer = otel.Tracer("argus/agent")

// DefaultMaxResponseTokens estimates the model's reply size for budget
// admission when the caller doesn't override it.
const DefaultMaxResponseTokens = 1024

// retryDelays implements the fixed exponential backoff schedule named
// in spec.md §4.8: 100ms, 400ms, 1.6s.
var retryDelays = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

// TerminationReason is why a Run stopped producing steps.
type TerminationReason string

const (
	ReasonFinalAnswer     TerminationReason = "final-answer"
	ReasonBudgetExhausted TerminationReason = "budget-exhausted"
	ReasonToolErrorFatal  TerminationReason = "tool-error-fatal"
	ReasonMaxSteps        TerminationReason = "max-steps"
	ReasonCancelled       TerminationReason = "cancelled"
)

// Request starts one ReAct run.
type Request struct {
	RunID             string
	Model             string
	History           []llm.Message
	ToolSchemas       []map[string]any
	Priority          budget.Priority
	MaxResponseTokens int
	MaxSteps          int
	// DeltaTopic overrides the bus topic streamed deltas publish to.
	// Empty means events.TopicReActDelta (plain chat). The Investigation
	// Orchestrator sets events.TopicInvestigationDelta so the push layer
	// retags every delta as investigation_update per spec.md §4.11.
	DeltaTopic events.Topic
}

// Result is what a completed (or terminated) run produced.
type Result struct {
	RunID        string
	Termination  TerminationReason
	FinalMessage string
	Steps        int
	History      []llm.Message
}

// Loop drives runs. It is safe for concurrent use across multiple
// in-flight runs; each Run call tracks its own cancellation.
type Loop struct {
	client     llm.Client
	dispatcher *tools.Dispatcher
	budgetMgr  *budget.Manager
	bus        *events.Bus
	log        *slog.Logger

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc
	deltaTopics map[string]events.Topic
}

// New constructs a Loop.
func New(client llm.Client, dispatcher *tools.Dispatcher, budgetMgr *budget.Manager, bus *events.Bus, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		client:      client,
		dispatcher:  dispatcher,
		budgetMgr:   budgetMgr,
		bus:         bus,
		log:         log,
		cancels:     make(map[string]context.CancelFunc),
		deltaTopics: make(map[string]events.Topic),
	}
}

// Cancel requests that the run stop after its current streaming chunk.
// It is a no-op if runID is unknown (already finished or never started).
func (l *Loop) Cancel(runID string) {
	l.mu.Lock()
	cancel, ok := l.cancels[runID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run drives one ReAct run to completion or termination.
func (l *Loop) Run(ctx context.Context, req Request) (Result, error) {
	if req.RunID == "" {
		id, _ := uuid.NewV7()
		req.RunID = id.String()
	}
	if req.MaxSteps <= 0 {
		req.MaxSteps = DefaultMaxSteps
	}
	if req.MaxResponseTokens <= 0 {
		req.MaxResponseTokens = DefaultMaxResponseTokens
	}

	ctx, span := tracer.Start(ctx, "agent.Run", trace.WithAttributes(
		attribute.String("argus.run_id", req.RunID),
	))
	defer span.End()

	deltaTopic := req.DeltaTopic
	if deltaTopic == "" {
		deltaTopic = events.TopicReActDelta
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancels[req.RunID] = cancel
	l.deltaTopics[req.RunID] = deltaTopic
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.cancels, req.RunID)
		delete(l.deltaTopics, req.RunID)
		l.mu.Unlock()
		cancel()
	}()

	history := append([]llm.Message(nil), req.History...)

	for step := 0; ; step++ {
		if runCtx.Err() != nil {
			return l.terminate(req.RunID, ReasonCancelled, "", step, history), nil
		}
		if step >= req.MaxSteps {
			return l.terminate(req.RunID, ReasonMaxSteps, "reached the maximum number of steps for this run", step, history), nil
		}

		estimate := estimateTokens(history) + int64(req.MaxResponseTokens)
		reservation, ok := l.budgetMgr.Reserve(runCtx, req.Priority, estimate)
		if !ok {
			return l.terminate(req.RunID, ReasonBudgetExhausted, "this run was refused additional budget", step, history), nil
		}

		resp, err := l.streamTurn(runCtx, req, history)
		if err != nil {
			_ = l.budgetMgr.Settle(runCtx, reservation, estimate)
			if runCtx.Err() != nil {
				return l.terminate(req.RunID, ReasonCancelled, "", step, history), nil
			}
			return l.terminate(req.RunID, ReasonToolErrorFatal, fmt.Sprintf("provider error: %v", err), step, history), nil
		}

		actual := int64(resp.InputTokens + resp.OutputTokens)
		if actual == 0 {
			actual = estimate
		}
		_ = l.budgetMgr.Settle(runCtx, reservation, actual)

		history = append(history, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			l.emit(req.RunID, pushmsg.TypeAssistantMessageEnd, map[string]any{"content": resp.Message.Content})
			return Result{RunID: req.RunID, Termination: ReasonFinalAnswer, FinalMessage: resp.Message.Content, Steps: step + 1, History: history}, nil
		}

		for _, call := range resp.Message.ToolCalls {
			if runCtx.Err() != nil {
				return l.terminate(req.RunID, ReasonCancelled, "", step, history), nil
			}
			result, history2, fault := l.dispatchToolCall(runCtx, req.RunID, call, history)
			history = history2
			if fault != nil {
				return l.terminate(req.RunID, ReasonToolErrorFatal, fmt.Sprintf("tool %q faulted: %v", call.Function.Name, fault), step, history), nil
			}
			_ = result
		}
	}
}

func (l *Loop) streamTurn(ctx context.Context, req Request, history []llm.Message) (*llm.ChatResponse, error) {
	l.emit(req.RunID, pushmsg.TypeThinkingStart, nil)
	l.emit(req.RunID, pushmsg.TypeThinkingEnd, nil)
	l.emit(req.RunID, pushmsg.TypeAssistantMessageStart, nil)

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := l.client.ChatStream(ctx, req.Model, history, req.ToolSchemas, func(token string) {
			l.emit(req.RunID, pushmsg.TypeAssistantMessageDelta, map[string]any{"text": token})
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		l.log.Warn("react loop: provider call failed", "run_id", req.RunID, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func (l *Loop) dispatchToolCall(ctx context.Context, runID string, call llm.ToolCall, history []llm.Message) (tools.Result, []llm.Message, error) {
	argsJSON, err := json.Marshal(call.Function.Arguments)
	if err != nil {
		argsJSON = []byte(`{}`)
	}
	l.emit(runID, pushmsg.TypeToolCall, map[string]any{"id": call.ID, "name": call.Function.Name, "args": call.Function.Arguments})

	result, fault := l.dispatcher.Dispatch(ctx, runID, call.Function.Name, argsJSON)
	if fault != nil {
		return tools.Result{}, history, fault
	}

	resultPayload := map[string]any{"display": string(result.Display)}
	if result.Err != nil {
		resultPayload["error"] = result.Err.Error()
	} else {
		resultPayload["payload"] = result.Payload
	}
	l.emit(runID, pushmsg.TypeToolResult, map[string]any{"id": call.ID, "name": call.Function.Name, "result": resultPayload})

	content, _ := json.Marshal(resultPayload)
	history = append(history, llm.Message{Role: "tool", Content: string(content), ToolCallID: call.ID})
	return result, history, nil
}

func (l *Loop) terminate(runID string, reason TerminationReason, message string, steps int, history []llm.Message) Result {
	if reason == ReasonCancelled {
		l.emit(runID, pushmsg.TypeError, map[string]any{"reason": string(ReasonCancelled)})
	} else if message != "" {
		l.emit(runID, pushmsg.TypeError, map[string]any{"reason": string(reason), "message": message})
	}
	return Result{RunID: runID, Termination: reason, FinalMessage: message, Steps: steps, History: history}
}

func (l *Loop) emit(runID string, typ pushmsg.Type, data map[string]any) {
	if l.bus == nil {
		return
	}
	l.mu.Lock()
	topic := l.deltaTopics[runID]
	l.mu.Unlock()
	if topic == "" {
		topic = events.TopicReActDelta
	}
	env := pushmsg.New(typ, runID, data)
	envJSON, _ := json.Marshal(env)
	l.bus.Publish(events.Event{
		Topic:  topic,
		Source: runID,
		Kind:   string(typ),
		Data:   map[string]any{"envelope": string(envJSON)},
	})
}

// estimateTokens is a rough char/4 estimate; exact tokenization is
// provider-specific and not needed for admission-time estimates.
func estimateTokens(history []llm.Message) int64 {
	var chars int
	for _, m := range history {
		chars += len(m.Content)
	}
	return int64(chars/4) + 1
}
