// Package actions implements the Action Engine (spec.md §4.9): every
// risk>=MEDIUM tool call is persisted as a pending ActionRequest,
// publishes actions.requested, and suspends the calling ReAct turn
// until an ActionResponse arrives or the 120s approval timeout
// expires. Approved actions execute under the same block-list
// discipline as tools.ShellExec (internal/tools), generalized from a
// single allow/deny-list shell runner into a command executor gated
// by an explicit approval state machine.
package actions

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-observability/agentcore/internal/apperr"
	"github.com/argus-observability/agentcore/internal/events"
	"github.com/argus-observability/agentcore/internal/tools"
)

// ApprovalTimeout is how long a pending ActionRequest waits for an
// ActionResponse before transitioning to timed-out.
const ApprovalTimeout = 120 * time.Second

// MaxOutputBytes caps captured stdout/stderr, matching ShellExec's
// truncation discipline.
const MaxOutputBytes = 100 * 1024

// Status is an ActionRequest's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusTimedOut  Status = "timed_out"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
)

// ActionRequest is the persisted record of one risk>=MEDIUM tool call
// awaiting approval.
type ActionRequest struct {
	ID             string
	ToolName       string
	Description    string
	Command        string
	Risk           tools.RiskLevel
	Reversible     bool
	RequiresPasswd bool
	ReActRunID     string
	PendingSince   time.Time
	Status         Status
	Stdout         string
	Stderr         string
	ExitCode       int
}

// AuditLog appends one lifecycle transition.
type AuditLog interface {
	Append(ctx context.Context, entity, action, actor, detail string) error
}

// DefaultBlockList are command substrings refused regardless of
// approval, per spec.md §4.9 and matching DefaultShellExecConfig.
var DefaultBlockList = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:",
}

// AuthorizationChecker reports whether the caller supplied a fresh
// authorization marker, required for CRITICAL risk actions. Issuance
// of the marker is out of scope for this engine (spec.md §4.9).
type AuthorizationChecker func(ctx context.Context, reactRunID string) bool

// Engine implements tools.ActionGateway: it persists ActionRequests,
// suspends dispatch pending an ActionResponse, and executes approved
// commands.
type Engine struct {
	bus       *events.Bus
	audit     AuditLog
	blockList []string
	authCheck AuthorizationChecker
	workingDir string

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	history  []*ActionRequest
}

type pendingRequest struct {
	req      *ActionRequest
	response chan ActionResponse
}

// ActionResponse is the operator's decision, correlated by request id.
type ActionResponse struct {
	RequestID string
	Approved  bool
	Actor     string
}

// New constructs an Engine. authCheck may be nil if no CRITICAL-risk
// tools are registered.
func New(bus *events.Bus, audit AuditLog, authCheck AuthorizationChecker) *Engine {
	return &Engine{
		bus:       bus,
		audit:     audit,
		blockList: DefaultBlockList,
		authCheck: authCheck,
		pending:   make(map[string]*pendingRequest),
	}
}

// SetWorkingDir sets the directory approved commands execute in.
func (e *Engine) SetWorkingDir(dir string) { e.workingDir = dir }

// RequestApproval implements tools.ActionGateway. It persists the
// request, publishes actions.requested, and blocks until a response
// arrives, ApprovalTimeout elapses, or ctx is cancelled.
func (e *Engine) RequestApproval(ctx context.Context, req tools.ApprovalRequest) (tools.ApprovalOutcome, error) {
	command := commandFromArgs(req.Args, req.Command)

	if blocked, pattern := e.isBlocked(command); blocked {
		return tools.ApprovalOutcome{}, apperr.New(apperr.ActionRejected, fmt.Sprintf("command matches blocked pattern %q", pattern))
	}

	if req.Risk >= tools.RiskCritical && e.authCheck != nil && !e.authCheck(ctx, req.ReActRunID) {
		return tools.ApprovalOutcome{}, apperr.New(apperr.Unauthorized, "CRITICAL action requires a fresh authorization marker")
	}

	id, _ := uuid.NewV7()
	ar := &ActionRequest{
		ID:           id.String(),
		ToolName:     req.ToolName,
		Description:  fmt.Sprintf("%s (risk %s)", req.ToolName, req.Risk),
		Command:      command,
		Risk:         req.Risk,
		ReActRunID:   req.ReActRunID,
		PendingSince: time.Now().UTC(),
		Status:       StatusPending,
	}

	respCh := make(chan ActionResponse, 1)
	e.mu.Lock()
	e.pending[ar.ID] = &pendingRequest{req: ar, response: respCh}
	e.mu.Unlock()

	e.publish(events.TopicActionsRequested, "requested", ar)
	e.auditAppend(ctx, ar, "requested", "system")

	timeout := time.NewTimer(ApprovalTimeout)
	defer timeout.Stop()

	select {
	case resp := <-respCh:
		return e.resolve(ctx, ar, resp)
	case <-timeout.C:
		e.mu.Lock()
		ar.Status = StatusTimedOut
		delete(e.pending, ar.ID)
		e.mu.Unlock()
		e.auditAppend(ctx, ar, "timed_out", "system")
		return tools.ApprovalOutcome{TimedOut: true}, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, ar.ID)
		e.mu.Unlock()
		return tools.ApprovalOutcome{}, ctx.Err()
	}
}

func (e *Engine) resolve(ctx context.Context, ar *ActionRequest, resp ActionResponse) (tools.ApprovalOutcome, error) {
	e.mu.Lock()
	delete(e.pending, ar.ID)
	e.mu.Unlock()

	if !resp.Approved {
		ar.Status = StatusRejected
		e.auditAppend(ctx, ar, "rejected", resp.Actor)
		return tools.ApprovalOutcome{Approved: false}, nil
	}

	e.auditAppend(ctx, ar, "approved", resp.Actor)
	ar.Status = StatusExecuting
	e.publish(events.TopicActionsRequested, "executing", ar)

	stdout, stderr, exitCode, err := e.execute(ctx, ar.Command)
	ar.Stdout, ar.Stderr, ar.ExitCode = stdout, stderr, exitCode
	ar.Status = StatusCompleted

	e.mu.Lock()
	e.history = append(e.history, ar)
	e.mu.Unlock()

	e.publish(events.TopicActionsCompleted, "completed", ar)
	e.auditAppend(ctx, ar, "completed", resp.Actor)

	if err != nil {
		return tools.ApprovalOutcome{}, err
	}
	return tools.ApprovalOutcome{Approved: true, Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// Respond delivers an operator's decision for a pending request. It is
// a no-op (returns an error) if the request is no longer pending,
// which happens naturally on a race with the approval timeout.
func (e *Engine) Respond(requestID string, approved bool, actor string) error {
	e.mu.Lock()
	pr, ok := e.pending[requestID]
	e.mu.Unlock()
	if !ok {
		return apperr.New(apperr.NotFound, "no pending action request with that id")
	}
	pr.response <- ActionResponse{RequestID: requestID, Approved: approved, Actor: actor}
	return nil
}

// Pending returns a snapshot of all requests awaiting a response.
func (e *Engine) Pending() []ActionRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ActionRequest, 0, len(e.pending))
	for _, pr := range e.pending {
		out = append(out, *pr.req)
	}
	return out
}

func (e *Engine) isBlocked(command string) (bool, string) {
	lower := strings.ToLower(command)
	for _, pattern := range e.blockList {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true, pattern
		}
	}
	return false, ""
}

func (e *Engine) execute(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	execCtx, cancel := context.WithTimeout(ctx, tools.DefaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	if e.workingDir != "" {
		cmd.Dir = e.workingDir
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = truncate(outBuf.String(), MaxOutputBytes)
	stderr = truncate(errBuf.String(), MaxOutputBytes)

	if execCtx.Err() == context.DeadlineExceeded {
		return stdout, stderr, -1, fmt.Errorf("action command timed out after %s", tools.DefaultTimeout)
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		return stdout, stderr, -1, runErr
	}
	return stdout, stderr, 0, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n\n[... output truncated ...]"
}

func commandFromArgs(args map[string]any, fallback []string) string {
	if v, ok := args["command"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return strings.Join(fallback, " ")
}

func (e *Engine) publish(topic events.Topic, kind string, ar *ActionRequest) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Topic: topic, Kind: kind,
		Data: map[string]any{
			"request_id": ar.ID,
			"tool":       ar.ToolName,
			"status":     string(ar.Status),
			"risk":       ar.Risk.String(),
		},
	})
}

func (e *Engine) auditAppend(ctx context.Context, ar *ActionRequest, action, actor string) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Append(ctx, "action", action, actor, ar.ID)
}
