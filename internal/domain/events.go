package domain

import "encoding/json"

// Event is the envelope for every event the core emits. Payload holds the
// marshalled typed payload for the given Type.
type Event struct {
	EventID    string          `json:"event_id"`
	InstanceID string          `json:"instance_id"`
	Ts         int64           `json:"ts"` // Unix milliseconds
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// InitPayload is emitted when the engine reports session initialization.
type InitPayload struct {
	SessionID  string   `json:"session_id"`
	Model      string   `json:"model,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	MCPServers []string `json:"mcp_servers,omitempty"`
}

// AssistantMessagePayload carries one committed assistant message.
type AssistantMessagePayload struct {
	UUID      string         `json:"uuid"`
	SessionID string         `json:"session_id,omitempty"`
	Content   []ContentBlock `json:"content"`
}

// ToolPendingPayload is emitted when a tool_use block is first observed.
type ToolPendingPayload struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID string          `json:"tool_use_id"`
}

// ToolCompletePayload is emitted when the engine reports a tool result.
type ToolCompletePayload struct {
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse json.RawMessage `json:"tool_response,omitempty"`
	ToolUseID    string          `json:"tool_use_id"`
	IsError      bool            `json:"is_error,omitempty"`
}

// ResultPayload is the engine's terminal result for one query.
type ResultPayload struct {
	Subtype      string          `json:"subtype,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Result       string          `json:"result,omitempty"`
	IsError      bool            `json:"is_error"`
	NumTurns     int             `json:"num_turns,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	ModelUsage   json.RawMessage `json:"model_usage,omitempty"`
}

// ErrorPayload carries a query failure message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StatusChangedPayload reflects the instance's running state after any
// state-changing operation.
type StatusChangedPayload struct {
	IsRunning      bool   `json:"is_running"`
	SessionID      string `json:"session_id,omitempty"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// NotificationPayload is a free-text notification forwarded from the engine.
type NotificationPayload struct {
	Message string `json:"message"`
	Title   string `json:"title,omitempty"`
}

// InputRequestPayload asks the consumer for a human decision.
type InputRequestPayload struct {
	RequestID   string          `json:"request_id"`
	Type        RequestKind     `json:"type"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	Questions   []Question      `json:"questions,omitempty"`
	Description string          `json:"description,omitempty"`
}

// InputResolvedPayload records the terminal outcome of an input request so
// consumers can fold request status from the event stream alone.
type InputResolvedPayload struct {
	RequestID string        `json:"request_id"`
	Outcome   RequestStatus `json:"outcome"`
}

// SessionStartPayload is forwarded from the engine's session-start hook.
type SessionStartPayload struct {
	Source    string `json:"source,omitempty"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
}

// SessionEndPayload is forwarded from the engine's session-end hook.
type SessionEndPayload struct {
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"session_id"`
}
