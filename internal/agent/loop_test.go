package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-observability/agentcore/internal/budget"
	"github.com/argus-observability/agentcore/internal/events"
	"github.com/argus-observability/agentcore/internal/llm"
	"github.com/argus-observability/agentcore/internal/pushmsg"
	"github.com/argus-observability/agentcore/internal/tools"
)

func useFastRetryDelays(t *testing.T) {
	t.Helper()
	orig := retryDelays
	retryDelays = []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	t.Cleanup(func() { retryDelays = orig })
}

type scriptedClient struct {
	responses []*llm.ChatResponse
	errs      []error
	calls     int
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, toolSchemas, nil)
}

func (c *scriptedClient) ChatStream(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if cb != nil {
		cb("token")
	}
	if i >= len(c.responses) {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "done"}, InputTokens: 10, OutputTokens: 5}, nil
	}
	return c.responses[i], nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func newTestLoop(client llm.Client, dispatcher *tools.Dispatcher) *Loop {
	bm := budget.New(budget.Limits{HourlyLimit: 1_000_000, DailyLimit: 10_000_000}, events.New())
	return New(client, dispatcher, bm, events.New(), nil)
}

func TestRunTerminatesOnFinalAnswer(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: "assistant", Content: "the answer"}, InputTokens: 20, OutputTokens: 10},
	}}
	d := tools.NewDispatcher(tools.New(), nil)
	loop := newTestLoop(client, d)

	res, err := loop.Run(context.Background(), Request{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, ReasonFinalAnswer, res.Termination)
	assert.Equal(t, "the answer", res.FinalMessage)
	assert.Equal(t, 1, res.Steps)
}

func TestRunDispatchesToolCallThenFinishes(t *testing.T) {
	registry := tools.New()
	registry.Register(tools.Tool{
		Name: "ping", Risk: tools.RiskReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (any, error) { return "pong", nil },
	}, map[string]any{"type": "object"})
	d := tools.NewDispatcher(registry, nil)

	toolCallResp := &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
		{ID: "call-1", Function: struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}{Name: "ping", Arguments: map[string]any{}}},
	}}}
	finalResp := &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "pong received"}}

	client := &scriptedClient{responses: []*llm.ChatResponse{toolCallResp, finalResp}}
	loop := newTestLoop(client, d)

	res, err := loop.Run(context.Background(), Request{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, ReasonFinalAnswer, res.Termination)
	assert.Equal(t, "pong received", res.FinalMessage)
	assert.Equal(t, 2, res.Steps)

	var toolMsg *llm.Message
	for i := range res.History {
		if res.History[i].Role == "tool" {
			toolMsg = &res.History[i]
		}
	}
	require.NotNil(t, toolMsg)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolMsg.Content), &payload))
	assert.Equal(t, "pong", payload["payload"])
}

func TestRunTerminatesOnMaxSteps(t *testing.T) {
	registry := tools.New()
	registry.Register(tools.Tool{
		Name: "loopy", Risk: tools.RiskReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (any, error) { return "again", nil },
	}, map[string]any{"type": "object"})
	d := tools.NewDispatcher(registry, nil)

	var responses []*llm.ChatResponse
	for i := 0; i < 5; i++ {
		responses = append(responses, &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			{ID: "call", Function: struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}{Name: "loopy", Arguments: map[string]any{}}},
		}}})
	}
	client := &scriptedClient{responses: responses}
	loop := newTestLoop(client, d)

	res, err := loop.Run(context.Background(), Request{Model: "test-model", MaxSteps: 3})
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxSteps, res.Termination)
	assert.Equal(t, 3, res.Steps)
}

func TestRunTerminatesOnBudgetExhausted(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: "assistant", Content: "ok"}},
	}}
	d := tools.NewDispatcher(tools.New(), nil)
	bm := budget.New(budget.Limits{HourlyLimit: 1, DailyLimit: 1}, events.New())
	loop := New(client, d, bm, events.New(), nil)

	res, err := loop.Run(context.Background(), Request{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, ReasonBudgetExhausted, res.Termination)
}

func TestRunRetriesTransientProviderErrorThenSucceeds(t *testing.T) {
	useFastRetryDelays(t)
	client := &scriptedClient{
		errs:      []error{errors.New("connection reset"), errors.New("connection reset")},
		responses: []*llm.ChatResponse{nil, nil, {Message: llm.Message{Role: "assistant", Content: "recovered"}}},
	}
	d := tools.NewDispatcher(tools.New(), nil)
	loop := newTestLoop(client, d)

	res, err := loop.Run(context.Background(), Request{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, ReasonFinalAnswer, res.Termination)
	assert.Equal(t, "recovered", res.FinalMessage)
}

func TestRunTerminatesFatalAfterExhaustingRetries(t *testing.T) {
	useFastRetryDelays(t)
	persistentErr := errors.New("provider down")
	client := &scriptedClient{errs: []error{persistentErr, persistentErr, persistentErr, persistentErr}}
	d := tools.NewDispatcher(tools.New(), nil)
	loop := newTestLoop(client, d)

	res, err := loop.Run(context.Background(), Request{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, ReasonToolErrorFatal, res.Termination)
}

func TestRunEmitsThinkingEndBeforeAssistantMessageStart(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(events.TopicReActDelta, 32)

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: "assistant", Content: "ok"}},
	}}
	d := tools.NewDispatcher(tools.New(), nil)
	bm := budget.New(budget.Limits{HourlyLimit: 1_000_000, DailyLimit: 10_000_000}, events.New())
	loop := New(client, d, bm, bus, nil)

	_, err := loop.Run(context.Background(), Request{RunID: "run-thinking", Model: "test-model"})
	require.NoError(t, err)

	var types []pushmsg.Type
	for i := 0; i < 3; i++ {
		e := <-ch
		var env pushmsg.Envelope
		require.NoError(t, json.Unmarshal([]byte(e.Data["envelope"].(string)), &env))
		types = append(types, env.Type)
	}
	assert.Equal(t, []pushmsg.Type{pushmsg.TypeThinkingStart, pushmsg.TypeThinkingEnd, pushmsg.TypeAssistantMessageStart}, types)
}

func TestRunPublishesDeltasToOverriddenDeltaTopic(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(events.TopicInvestigationDelta, 32)

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: "assistant", Content: "ok"}},
	}}
	d := tools.NewDispatcher(tools.New(), nil)
	bm := budget.New(budget.Limits{HourlyLimit: 1_000_000, DailyLimit: 10_000_000}, events.New())
	loop := New(client, d, bm, bus, nil)

	_, err := loop.Run(context.Background(), Request{RunID: "run-investigate", Model: "test-model", DeltaTopic: events.TopicInvestigationDelta})
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, events.TopicInvestigationDelta, e.Topic)
	default:
		t.Fatal("expected at least one delta on the overridden topic")
	}
}

func TestCancelStopsRunBeforeNextStep(t *testing.T) {
	registry := tools.New()
	registry.Register(tools.Tool{
		Name: "loopy", Risk: tools.RiskReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (any, error) { return "again", nil },
	}, map[string]any{"type": "object"})
	d := tools.NewDispatcher(registry, nil)

	var responses []*llm.ChatResponse
	for i := 0; i < 5; i++ {
		responses = append(responses, &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			{ID: "call", Function: struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}{Name: "loopy", Arguments: map[string]any{}}},
		}}})
	}
	client := &scriptedClient{responses: responses}
	loop := newTestLoop(client, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled before Run starts

	res, err := loop.Run(ctx, Request{RunID: "run-cancel", Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, res.Termination)
}
