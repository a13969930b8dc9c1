package actions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-observability/agentcore/internal/events"
	"github.com/argus-observability/agentcore/internal/tools"
)

func TestRequestApprovalBlockedCommandRejectedImmediately(t *testing.T) {
	e := New(events.New(), nil, nil)
	_, err := e.RequestApproval(context.Background(), tools.ApprovalRequest{
		ToolName: "shell_command",
		Args:     map[string]any{"command": "rm -rf /"},
		Risk:     tools.RiskHigh,
	})
	assert.Error(t, err)
}

func TestRequestApprovalApprovedExecutesCommand(t *testing.T) {
	e := New(events.New(), nil, nil)

	done := make(chan tools.ApprovalOutcome, 1)
	errCh := make(chan error, 1)
	go func() {
		outcome, err := e.RequestApproval(context.Background(), tools.ApprovalRequest{
			ToolName: "shell_command",
			Args:     map[string]any{"command": "echo hello"},
			Risk:     tools.RiskHigh,
		})
		done <- outcome
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return len(e.Pending()) == 1
	}, time.Second, 10*time.Millisecond)

	reqID := e.Pending()[0].ID
	require.NoError(t, e.Respond(reqID, true, "operator-1"))

	select {
	case outcome := <-done:
		require.NoError(t, <-errCh)
		assert.True(t, outcome.Approved)
		assert.Contains(t, outcome.Stdout, "hello")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for approval to resolve")
	}
}

func TestRequestApprovalRejected(t *testing.T) {
	e := New(events.New(), nil, nil)

	done := make(chan tools.ApprovalOutcome, 1)
	go func() {
		outcome, _ := e.RequestApproval(context.Background(), tools.ApprovalRequest{
			ToolName: "shell_command",
			Args:     map[string]any{"command": "echo hi"},
			Risk:     tools.RiskHigh,
		})
		done <- outcome
	}()

	require.Eventually(t, func() bool { return len(e.Pending()) == 1 }, time.Second, 10*time.Millisecond)
	reqID := e.Pending()[0].ID
	require.NoError(t, e.Respond(reqID, false, "operator-1"))

	outcome := <-done
	assert.False(t, outcome.Approved)
}

func TestRequestApprovalCriticalRequiresAuthMarker(t *testing.T) {
	e := New(events.New(), nil, func(ctx context.Context, runID string) bool { return false })
	_, err := e.RequestApproval(context.Background(), tools.ApprovalRequest{
		ToolName: "dangerous_op",
		Args:     map[string]any{"command": "echo ok"},
		Risk:     tools.RiskCritical,
	})
	assert.Error(t, err)
}

func TestRespondUnknownRequestReturnsError(t *testing.T) {
	e := New(events.New(), nil, nil)
	err := e.Respond("nonexistent", true, "op")
	assert.Error(t, err)
}
