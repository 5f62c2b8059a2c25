package domain

import (
	"encoding/json"
	"time"
)

// ContentBlock is one unit of assistant output. Exactly one variant is
// populated, selected by Type.
type ContentBlock struct {
	Type     BlockType       `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`    // tool_use: toolUseId
	Name     string          `json:"name,omitempty"`  // tool_use: tool name
	Input    json.RawMessage `json:"input,omitempty"` // tool_use: tool input
}

// Message is one committed timeline entry. Messages are append-only; the
// rendered status of a tool_use block is derived by joining against the
// tool execution table, never by mutating the block.
type Message struct {
	UUID      string         `json:"uuid"`
	Role      string         `json:"role"` // user or assistant
	SessionID string         `json:"session_id,omitempty"`
	Content   []ContentBlock `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolExecution is one tool call's lifecycle as observed from outside the
// engine. The ToolUseID is assigned by the engine and stable across every
// event concerning the call.
type ToolExecution struct {
	ToolUseID   string              `json:"tool_use_id"`
	ToolName    string              `json:"tool_name"`
	Input       json.RawMessage     `json:"input,omitempty"`
	Output      json.RawMessage     `json:"output,omitempty"`
	Status      ToolExecutionStatus `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// QuestionOption is one selectable answer for a question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one question spec inside a question tool invocation. A single
// invocation may carry several.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// ApprovalRequest is one pending human decision. RequestID is minted by the
// ledger and never reused.
type ApprovalRequest struct {
	RequestID  string          `json:"request_id"`
	InstanceID string          `json:"instance_id"`
	Kind       RequestKind     `json:"kind"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	Questions  []Question      `json:"questions,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Usage carries token accounting reported by the engine result message.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// AgentStatus is the synchronous view of one instance returned by getStatus.
type AgentStatus struct {
	InstanceID      string            `json:"instance_id"`
	IsRunning       bool              `json:"is_running"`
	SessionID       string            `json:"session_id,omitempty"`
	Model           string            `json:"model,omitempty"`
	PermissionMode  string            `json:"permission_mode,omitempty"`
	PendingRequests []ApprovalRequest `json:"pending_requests"`
}
