// Package engine defines the boundary to the external query engine. The
// conductor treats the engine as a black box that accepts a prompt plus
// options and emits an ordered asynchronous sequence of typed messages,
// with one interception hook per tool-lifecycle event.
package engine

import (
	"context"
	"encoding/json"

	"github.com/hitloop/conductor/internal/domain"
)

// Engine is the external query engine contract. Query submits the prompt
// and returns the message stream. The stream is closed when the query
// terminates; cancellation of ctx is cooperative and causes the engine to
// stop producing messages.
type Engine interface {
	Query(ctx context.Context, prompt string, opts Options) (<-chan Message, error)
}

// Options is the configuration submitted with a query.
type Options struct {
	CWD                   string
	AdditionalDirectories []string
	AllowedTools          []string
	MaxTurns              int
	Resume                string
	Continue              bool
	Hooks                 Hooks
}

// MessageType tags the variants of the engine message stream.
type MessageType string

const (
	MessageTypeSystem      MessageType = "system"
	MessageTypeAssistant   MessageType = "assistant"
	MessageTypeStreamEvent MessageType = "stream_event"
	MessageTypeResult      MessageType = "result"
	MessageTypeError       MessageType = "error"
)

// Message is one entry of the engine stream. Each type populates only its
// relevant fields; the rest stay zero.
type Message struct {
	Type    MessageType
	Subtype string // system: "init"; result: "success", "error_during_execution", ...

	SessionID      string
	UUID           string
	Model          string
	PermissionMode string
	Tools          []string
	MCPServers     []string

	// Assistant
	Content []domain.ContentBlock

	// Stream event
	StreamText string

	// Result
	Result       string
	IsError      bool
	NumTurns     int
	TotalCostUSD float64
	Usage        *domain.Usage
	ModelUsage   json.RawMessage

	// Error
	ErrMessage string
}

// ToolUseHookInput is passed to the PreToolUse hook before a tool executes.
type ToolUseHookInput struct {
	SessionID string
	ToolName  string
	ToolInput json.RawMessage
	ToolUseID string
}

// ToolResultHookInput is passed to the PostToolUse hook after a tool ran.
type ToolResultHookInput struct {
	SessionID    string
	ToolName     string
	ToolInput    json.RawMessage
	ToolResponse json.RawMessage
	ToolUseID    string
	IsError      bool
}

// NotificationHookInput carries a free-text engine notification.
type NotificationHookInput struct {
	SessionID string
	Message   string
	Title     string
}

// SessionHookInput carries session lifecycle notifications.
type SessionHookInput struct {
	SessionID string
	Source    string // session start
	Model     string
	Reason    string // session end
}

// Decision is the outcome of a PreToolUse hook. A nil Decision means
// continue unchanged.
type Decision struct {
	Allow          bool
	UpdatedInput   json.RawMessage // replacement tool input when allowed
	Reason         string          // deny reason, threaded back to the agent
	SuppressOutput bool            // deny: drop the tool's own textual output
}

// Hooks are the interception callbacks the engine invokes synchronously at
// tool-lifecycle events. PreToolUse must not return until a decision
// exists; the engine's execution of that tool blocks on it. The lifecycle
// hooks never block.
type Hooks struct {
	PreToolUse   func(ctx context.Context, in *ToolUseHookInput) (*Decision, error)
	PostToolUse  func(ctx context.Context, in *ToolResultHookInput) error
	Notification func(ctx context.Context, in *NotificationHookInput) error
	SessionStart func(ctx context.Context, in *SessionHookInput) error
	SessionEnd   func(ctx context.Context, in *SessionHookInput) error
}
