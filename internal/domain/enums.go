// Package domain defines the core domain models for the conductor.
package domain

// InstanceStatus represents the lifecycle status of an instance.
type InstanceStatus string

const (
	InstanceStatusIdle    InstanceStatus = "idle"
	InstanceStatusRunning InstanceStatus = "running"
)

// EventType represents the type of an event emitted by the core.
type EventType string

const (
	EventTypeInit             EventType = "init"
	EventTypeAssistantMessage EventType = "assistant-message"
	EventTypeToolPending      EventType = "tool-pending"
	EventTypeToolComplete     EventType = "tool-complete"
	EventTypeResult           EventType = "result"
	EventTypeError            EventType = "error"
	EventTypeStatusChanged    EventType = "status-changed"
	EventTypeNotification     EventType = "notification"
	EventTypeInputRequest     EventType = "input-request"
	EventTypeInputResolved    EventType = "input-resolved"
	EventTypeSessionStart     EventType = "session-start"
	EventTypeSessionEnd       EventType = "session-end"
)

// RequestKind distinguishes the two kinds of pending human decisions.
type RequestKind string

const (
	RequestKindPermission RequestKind = "permission"
	RequestKindQuestion   RequestKind = "question"
)

// RequestStatus represents the status of an approval request as seen by a
// consumer.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusApproved  RequestStatus = "approved"
	RequestStatusRejected  RequestStatus = "rejected"
	RequestStatusCancelled RequestStatus = "cancelled"
)

// ToolExecutionStatus represents the status of a tool call's lifecycle.
type ToolExecutionStatus string

const (
	ToolExecutionPending  ToolExecutionStatus = "pending"
	ToolExecutionComplete ToolExecutionStatus = "complete"
	ToolExecutionError    ToolExecutionStatus = "error"
)

// ResponseAction is the action a human takes on a pending request.
type ResponseAction string

const (
	ResponseActionApprove ResponseAction = "approve"
	ResponseActionReject  ResponseAction = "reject"
	ResponseActionModify  ResponseAction = "modify"
)

// BlockType is the variant tag of a message content block.
type BlockType string

const (
	BlockTypeText     BlockType = "text"
	BlockTypeThinking BlockType = "thinking"
	BlockTypeToolUse  BlockType = "tool_use"
)

// QuestionToolName is the engine tool that asks the human clarifying
// questions instead of performing a side effect.
const QuestionToolName = "AskUserQuestion"
