package tools

// Result is the outcome the ReAct loop observes from a tool call. A
// tool's own failure is carried as Err, never as a Go error out of
// Dispatch, so the loop can append it to history and keep running
// (spec.md §4.7: "Tool errors are returned as results... never
// raised").
type Result struct {
	Display DisplayType
	Payload any
	Err     *ResultError
}

// ResultError is a typed failure surfaced to the model as the tool's
// observation.
type ResultError struct {
	Code    string
	Message string
}

func (e *ResultError) Error() string { return e.Code + ": " + e.Message }

// Ok wraps a successful payload for display.
func Ok(display DisplayType, payload any) Result {
	return Result{Display: display, Payload: payload}
}

// Err wraps a tool-observable failure.
func Err(code, message string) Result {
	return Result{Err: &ResultError{Code: code, Message: message}}
}

const (
	CodeInvalidArgs    = "invalid_arguments"
	CodeTimeout        = "timeout"
	CodeUnavailable    = "tool_unavailable"
	CodeActionRejected = "action_rejected"
	CodeActionTimedOut = "action_timed_out"
	CodeHandlerError   = "handler_error"
)
