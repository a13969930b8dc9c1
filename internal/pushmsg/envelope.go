// Package pushmsg defines the discriminated-union wire schema for the
// realtime WebSocket session (spec.md §6). Every message crossing the
// socket, in either direction, is an Envelope; handlers fail closed on
// an unrecognized Type rather than guessing at a shape.
package pushmsg

import (
	"encoding/json"
	"time"
)

// Type enumerates every Envelope.Type value recognized on the wire.
type Type string

// Server→client types.
const (
	TypeConnected             Type = "connected"
	TypeSystemStatus          Type = "system_status"
	TypeThinkingStart         Type = "thinking_start"
	TypeThinkingEnd           Type = "thinking_end"
	TypeAssistantMessageStart Type = "assistant_message_start"
	TypeAssistantMessageDelta Type = "assistant_message_delta"
	TypeAssistantMessageEnd   Type = "assistant_message_end"
	TypeToolCall              Type = "tool_call"
	TypeToolResult            Type = "tool_result"
	TypeActionRequest         Type = "action_request"
	TypeActionExecuting       Type = "action_executing"
	TypeActionComplete        Type = "action_complete"
	TypeAlert                 Type = "alert"
	TypeAlertStateChange      Type = "alert_state_change"
	TypeBudgetUpdate          Type = "budget_update"
	TypeInvestigationStart    Type = "investigation_start"
	TypeInvestigationUpdate   Type = "investigation_update"
	TypeInvestigationEnd      Type = "investigation_end"
	TypeError                 Type = "error"
	TypePong                  Type = "pong"
)

// Client→server types.
const (
	TypeUserMessage    Type = "user_message"
	TypeActionResponse Type = "action_response"
	TypeCancel         Type = "cancel"
	TypePing           Type = "ping"
)

// CriticalTypes are the envelope types that, on a full outbox, evict
// the oldest queued entry instead of closing the connection. The
// evicted entry may itself be of a critical type.
var CriticalTypes = map[Type]bool{
	TypeAlert:          true,
	TypeActionRequest:  true,
	TypeActionComplete: true,
	TypeError:          true,
}

// Envelope is the single wire shape for every push message.
type Envelope struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an Envelope by marshaling data into the Data field.
// If data cannot be marshaled by encoding/json, Data is set to `{}`;
// New never panics.
func New(typ Type, id string, data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return Envelope{
		Type:      typ,
		ID:        id,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}
}

// ErrorData is the Data payload for TypeError messages.
type ErrorData struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ActionResponseData is the Data payload for a client's action_response.
type ActionResponseData struct {
	ActionID string `json:"action_id"`
	Approved bool   `json:"approved"`
}

// CancelData is the Data payload for a client's cancel message.
type CancelData struct {
	RunID string `json:"run_id"`
}

// UserMessageData is the Data payload for a client's user_message.
type UserMessageData struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
}
