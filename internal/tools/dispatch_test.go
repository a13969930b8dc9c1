package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"msg": map[string]any{"type": "string"}},
		"required":   []string{"msg"},
	}
}

func TestDispatchRunsReadOnlyHandler(t *testing.T) {
	r := New()
	r.Register(Tool{
		Name: "echo", Risk: RiskReadOnly, Display: DisplayJSONTree,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	}, echoSchema())

	d := NewDispatcher(r, nil)
	res, err := d.Dispatch(context.Background(), "run-1", "echo", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.Nil(t, res.Err)
	assert.Equal(t, "hi", res.Payload)
}

func TestDispatchRejectsInvalidArgs(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "echo", Risk: RiskReadOnly, Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	}}, echoSchema())

	d := NewDispatcher(r, nil)
	res, err := d.Dispatch(context.Background(), "run-1", "echo", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeInvalidArgs, res.Err.Code)
}

func TestDispatchUnknownToolReturnsResultNotError(t *testing.T) {
	d := NewDispatcher(New(), nil)
	res, err := d.Dispatch(context.Background(), "run-1", "nope", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeUnavailable, res.Err.Code)
}

func TestDispatchHandlerErrorBecomesResult(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "boom", Risk: RiskReadOnly, Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("disk full")
	}}, map[string]any{"type": "object"})

	d := NewDispatcher(r, nil)
	res, err := d.Dispatch(context.Background(), "run-1", "boom", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeHandlerError, res.Err.Code)
}

func TestDispatchPanicPropagatesAsFault(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "panics", Risk: RiskReadOnly, Handler: func(ctx context.Context, args map[string]any) (any, error) {
		panic("catastrophic")
	}}, map[string]any{"type": "object"})

	d := NewDispatcher(r, nil)
	_, err := d.Dispatch(context.Background(), "run-1", "panics", nil)
	assert.Error(t, err)
}

func TestDispatchTimesOutSlowHandler(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "slow", Risk: RiskReadOnly, Handler: func(ctx context.Context, args map[string]any) (any, error) {
		select {
		case <-time.After(time.Hour):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}}, map[string]any{"type": "object"})

	d := NewDispatcher(r, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := d.Dispatch(ctx, "run-1", "slow", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeTimeout, res.Err.Code)
}

type fakeGateway struct {
	outcome ApprovalOutcome
	err     error
}

func (g *fakeGateway) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalOutcome, error) {
	return g.outcome, g.err
}

func TestDispatchMediumRiskRequiresApproval(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "restart_service", Risk: RiskMedium, Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return "should not run directly", nil
	}}, map[string]any{"type": "object"})

	gw := &fakeGateway{outcome: ApprovalOutcome{Approved: true, Stdout: "restarted", ExitCode: 0}}
	d := NewDispatcher(r, gw)

	res, err := d.Dispatch(context.Background(), "run-1", "restart_service", nil)
	require.NoError(t, err)
	require.Nil(t, res.Err)
	payload := res.Payload.(map[string]any)
	assert.Equal(t, "restarted", payload["stdout"])
}

func TestDispatchMediumRiskRejected(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "restart_service", Risk: RiskMedium, Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	}}, map[string]any{"type": "object"})

	gw := &fakeGateway{outcome: ApprovalOutcome{Approved: false}}
	d := NewDispatcher(r, gw)

	res, err := d.Dispatch(context.Background(), "run-1", "restart_service", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeActionRejected, res.Err.Code)
}

func TestDispatchMediumRiskWithoutGatewayIsUnavailable(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "restart_service", Risk: RiskMedium, Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	}}, map[string]any{"type": "object"})

	d := NewDispatcher(r, nil)
	res, err := d.Dispatch(context.Background(), "run-1", "restart_service", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeUnavailable, res.Err.Code)
}
