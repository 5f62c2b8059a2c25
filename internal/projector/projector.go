// Package projector folds the tagged event stream into renderable
// per-instance state. It may live across a process or IPC boundary from
// the orchestrator: the fold consumes only the event envelopes.
package projector

import (
	"fmt"
	"time"

	"github.com/hitloop/conductor/internal/domain"
)

// Projector aggregates events for any number of instances.
type Projector struct {
	states map[string]*InstanceState
}

// New creates an empty projector.
func New() *Projector {
	return &Projector{states: make(map[string]*InstanceState)}
}

// State returns the state for instanceID, creating an empty one on first
// reference.
func (p *Projector) State(instanceID string) *InstanceState {
	s, ok := p.states[instanceID]
	if !ok {
		s = newInstanceState(instanceID)
		p.states[instanceID] = s
	}
	return s
}

// Instances lists the instance ids seen so far.
func (p *Projector) Instances() []string {
	ids := make([]string, 0, len(p.states))
	for id := range p.states {
		ids = append(ids, id)
	}
	return ids
}

// Apply folds one event into the owning instance's state. Events for
// different instances are independent; within one instance they must be
// applied in arrival order.
func (p *Projector) Apply(evt domain.Event) error {
	s := p.State(evt.InstanceID)

	switch evt.Type {
	case domain.EventTypeInit:
		var payload domain.InitPayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		s.SessionID = payload.SessionID
		if payload.Model != "" {
			s.Model = payload.Model
		}
		if payload.Tools != nil {
			s.Tools = payload.Tools
		}

	case domain.EventTypeAssistantMessage:
		var payload domain.AssistantMessagePayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		s.Messages = append(s.Messages, domain.Message{
			UUID:      payload.UUID,
			Role:      "assistant",
			SessionID: payload.SessionID,
			Content:   payload.Content,
			CreatedAt: time.UnixMilli(evt.Ts),
		})

	case domain.EventTypeToolPending:
		var payload domain.ToolPendingPayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		s.recordToolPending(payload, evt.Ts)

	case domain.EventTypeToolComplete:
		var payload domain.ToolCompletePayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		s.recordToolComplete(payload, evt.Ts)

	case domain.EventTypeInputRequest:
		var payload domain.InputRequestPayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		if _, ok := s.approvalIndex[payload.RequestID]; !ok {
			s.approvalIndex[payload.RequestID] = len(s.Approvals)
			s.Approvals = append(s.Approvals, ApprovalView{
				Request: payload,
				Status:  domain.RequestStatusPending,
			})
		}

	case domain.EventTypeInputResolved:
		var payload domain.InputResolvedPayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		if i, ok := s.approvalIndex[payload.RequestID]; ok {
			s.Approvals[i].Status = payload.Outcome
		}

	case domain.EventTypeResult:
		var payload domain.ResultPayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		s.LastResult = &payload
		if payload.SessionID != "" {
			s.SessionID = payload.SessionID
		}

	case domain.EventTypeError:
		var payload domain.ErrorPayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		s.LastError = payload.Message

	case domain.EventTypeStatusChanged:
		var payload domain.StatusChangedPayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		if payload.IsRunning {
			s.Status = domain.InstanceStatusRunning
			// A fresh query supersedes the previous terminal error.
			s.LastError = ""
		} else {
			s.Status = domain.InstanceStatusIdle
		}
		if payload.SessionID != "" {
			s.SessionID = payload.SessionID
		}
		if payload.Model != "" {
			s.Model = payload.Model
		}
		if payload.PermissionMode != "" {
			s.PermissionMode = payload.PermissionMode
		}

	case domain.EventTypeNotification:
		var payload domain.NotificationPayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		s.Notifications = append(s.Notifications, payload)

	case domain.EventTypeSessionStart:
		var payload domain.SessionStartPayload
		if err := evt.DecodePayload(&payload); err != nil {
			return decodeErr(evt.Type, err)
		}
		if payload.SessionID != "" {
			s.SessionID = payload.SessionID
		}
		if payload.Model != "" {
			s.Model = payload.Model
		}

	case domain.EventTypeSessionEnd:
		// Lifecycle bookkeeping only; tool executions the session left
		// pending arrive as their own tool-complete events.

	default:
		// Unknown event types are skipped so old projections tolerate
		// newer producers.
	}

	return nil
}

// recordToolPending registers a tool_use observation. A result may already
// have arrived for the same id; its terminal status wins.
func (s *InstanceState) recordToolPending(payload domain.ToolPendingPayload, ts int64) {
	if i, ok := s.toolIndex[payload.ToolUseID]; ok {
		s.ToolExecutions[i].ToolName = payload.ToolName
		s.ToolExecutions[i].Input = payload.ToolInput
		return
	}
	s.toolIndex[payload.ToolUseID] = len(s.ToolExecutions)
	s.ToolExecutions = append(s.ToolExecutions, domain.ToolExecution{
		ToolUseID: payload.ToolUseID,
		ToolName:  payload.ToolName,
		Input:     payload.ToolInput,
		Status:    domain.ToolExecutionPending,
		CreatedAt: time.UnixMilli(ts),
	})
}

func (s *InstanceState) recordToolComplete(payload domain.ToolCompletePayload, ts int64) {
	i, ok := s.toolIndex[payload.ToolUseID]
	if !ok {
		s.toolIndex[payload.ToolUseID] = len(s.ToolExecutions)
		s.ToolExecutions = append(s.ToolExecutions, domain.ToolExecution{
			ToolUseID: payload.ToolUseID,
			ToolName:  payload.ToolName,
			Input:     payload.ToolInput,
			CreatedAt: time.UnixMilli(ts),
		})
		i = s.toolIndex[payload.ToolUseID]
	}

	exec := &s.ToolExecutions[i]
	completed := time.UnixMilli(ts)
	exec.Output = payload.ToolResponse
	exec.CompletedAt = &completed
	if payload.IsError {
		exec.Status = domain.ToolExecutionError
	} else {
		exec.Status = domain.ToolExecutionComplete
	}
}

func decodeErr(t domain.EventType, err error) error {
	return fmt.Errorf("decode %s payload: %w", t, err)
}
