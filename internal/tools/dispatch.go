package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/argus-observability/agentcore/internal/metrics"
)

var tracer = otel.Tracer("argus/tools")

// ApprovalRequest is what Dispatch hands to an ActionGateway when a
// tool's risk level requires the Action Approval sub-protocol
// (spec.md §4.9) before it may run.
type ApprovalRequest struct {
	ToolName   string
	Args       map[string]any
	Risk       RiskLevel
	Command    []string
	ReActRunID string
}

// ApprovalOutcome is the gateway's answer once the approval/rejection/
// timeout and (if approved) execution have all resolved.
type ApprovalOutcome struct {
	Approved bool
	TimedOut bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// ActionGateway suspends a risk>=MEDIUM tool dispatch pending operator
// approval, then executes it. Implemented by internal/actions.Engine;
// declared here so this package never imports internal/actions.
type ActionGateway interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalOutcome, error)
}

// Dispatcher validates arguments, enforces the per-call timeout, and
// routes risk>=MEDIUM tools through an ActionGateway.
type Dispatcher struct {
	registry *Registry
	gateway  ActionGateway
}

// NewDispatcher builds a Dispatcher. gateway may be nil if the registry
// holds no risk>=MEDIUM tools (e.g. in tests).
func NewDispatcher(registry *Registry, gateway ActionGateway) *Dispatcher {
	return &Dispatcher{registry: registry, gateway: gateway}
}

// Dispatch validates rawArgs against the named tool's schema, then
// either runs its handler directly (READ_ONLY/LOW risk) or suspends
// for approval (MEDIUM+). The returned error is non-nil only for a
// catastrophic fault (a recovered panic); every ordinary failure,
// including "tool not found" and argument validation failures, comes
// back as a Result with Err set.
func (d *Dispatcher) Dispatch(ctx context.Context, reactRunID, name string, rawArgs json.RawMessage) (Result, error) {
	ctx, span := tracer.Start(ctx, "tools.Dispatch", trace.WithAttributes(
		attribute.String("argus.tool", name),
		attribute.String("argus.run_id", reactRunID),
	))
	defer span.End()

	start := time.Now()
	result, fault := d.dispatch(ctx, reactRunID, name, rawArgs)
	outcome := "ok"
	if fault != nil || result.Err != nil {
		outcome = "error"
	}
	metrics.ToolDispatchSeconds.WithLabelValues(name, outcome).Observe(time.Since(start).Seconds())
	return result, fault
}

func (d *Dispatcher) dispatch(ctx context.Context, reactRunID, name string, rawArgs json.RawMessage) (Result, error) {
	tool, ok := d.registry.Get(name)
	if !ok {
		return Err(CodeUnavailable, fmt.Sprintf("unknown tool %q", name)), nil
	}

	var args map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return Err(CodeInvalidArgs, "arguments are not valid JSON: "+err.Error()), nil
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	if tool.schema != nil {
		if err := tool.schema.Validate(toJSONValue(args)); err != nil {
			return Err(CodeInvalidArgs, err.Error()), nil
		}
	}

	if tool.Risk.RequiresApproval() {
		return d.dispatchWithApproval(ctx, reactRunID, tool, args)
	}

	return d.runHandler(ctx, tool, args)
}

func (d *Dispatcher) dispatchWithApproval(ctx context.Context, reactRunID string, tool *Tool, args map[string]any) (Result, error) {
	if d.gateway == nil {
		return Err(CodeUnavailable, "tool requires approval but no action gateway is configured"), nil
	}
	outcome, err := d.gateway.RequestApproval(ctx, ApprovalRequest{
		ToolName:   tool.Name,
		Args:       args,
		Risk:       tool.Risk,
		Command:    tool.ActionCommand,
		ReActRunID: reactRunID,
	})
	if err != nil {
		return Err(CodeHandlerError, err.Error()), nil
	}
	switch {
	case outcome.TimedOut:
		return Err(CodeActionTimedOut, "approval request timed out"), nil
	case !outcome.Approved:
		return Err(CodeActionRejected, "action was rejected by operator"), nil
	default:
		return Ok(DisplayCommandOutput, map[string]any{
			"stdout":    outcome.Stdout,
			"stderr":    outcome.Stderr,
			"exit_code": outcome.ExitCode,
		}), nil
	}
}

// handlerResult carries a handler's return values across the timeout
// goroutine boundary.
type handlerResult struct {
	payload any
	err     error
}

func (d *Dispatcher) runHandler(ctx context.Context, tool *Tool, args map[string]any) (result Result, fault error) {
	callCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: panicError{inner: fmt.Errorf("tool %q panicked: %v", tool.Name, r)}}
			}
		}()
		payload, err := tool.Handler(callCtx, args)
		done <- handlerResult{payload: payload, err: err}
	}()

	select {
	case <-callCtx.Done():
		return Err(CodeTimeout, fmt.Sprintf("tool %q exceeded %s", tool.Name, DefaultTimeout)), nil
	case r := <-done:
		if r.err != nil {
			if _, isPanic := r.err.(panicError); isPanic {
				return Result{}, r.err
			}
			return Err(CodeHandlerError, r.err.Error()), nil
		}
		return Ok(tool.Display, r.payload), nil
	}
}

// panicError marks a recovered handler panic so runHandler can tell it
// apart from an ordinary handler-returned error.
type panicError struct{ inner error }

func (p panicError) Error() string { return p.inner.Error() }
func (p panicError) Unwrap() error { return p.inner }

// toJSONValue round-trips v through JSON so map[string]any args (which
// may contain non-JSON-native Go types from callers) match exactly
// what the compiled schema expects to validate.
func toJSONValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
