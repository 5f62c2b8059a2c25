package projector

import (
	"github.com/hitloop/conductor/internal/domain"
)

// ApprovalView is an input request with the status derived from later
// resolution events.
type ApprovalView struct {
	Request domain.InputRequestPayload `json:"request"`
	Status  domain.RequestStatus       `json:"status"`
}

// InstanceState is the aggregate visible to a consumer for one instance.
// It is a pure fold over the tagged event stream: replaying the events in
// arrival order rebuilds it with no side information.
type InstanceState struct {
	InstanceID     string                `json:"instance_id"`
	Status         domain.InstanceStatus `json:"status"`
	SessionID      string                `json:"session_id,omitempty"`
	Model          string                `json:"model,omitempty"`
	PermissionMode string                `json:"permission_mode,omitempty"`
	Tools          []string              `json:"tools,omitempty"`

	Messages       []domain.Message       `json:"messages"`
	ToolExecutions []domain.ToolExecution `json:"tool_executions"`
	Approvals      []ApprovalView         `json:"approvals"`

	LastResult *domain.ResultPayload `json:"last_result,omitempty"`
	LastError  string                `json:"last_error,omitempty"`

	Notifications []domain.NotificationPayload `json:"notifications,omitempty"`

	toolIndex     map[string]int
	approvalIndex map[string]int
}

func newInstanceState(instanceID string) *InstanceState {
	return &InstanceState{
		InstanceID:     instanceID,
		Status:         domain.InstanceStatusIdle,
		Messages:       []domain.Message{},
		ToolExecutions: []domain.ToolExecution{},
		Approvals:      []ApprovalView{},
		toolIndex:      make(map[string]int),
		approvalIndex:  make(map[string]int),
	}
}

// ToolExecution returns the execution for toolUseID, if observed.
func (s *InstanceState) ToolExecution(toolUseID string) (domain.ToolExecution, bool) {
	i, ok := s.toolIndex[toolUseID]
	if !ok {
		return domain.ToolExecution{}, false
	}
	return s.ToolExecutions[i], true
}

// Approval returns the approval view for requestID, if observed.
func (s *InstanceState) Approval(requestID string) (ApprovalView, bool) {
	i, ok := s.approvalIndex[requestID]
	if !ok {
		return ApprovalView{}, false
	}
	return s.Approvals[i], true
}
