// Package hooks implements the interception callbacks registered with the
// query engine, bridging each tool-lifecycle event to the approval ledger
// and the outbound event stream.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hitloop/conductor/internal/correlator"
	"github.com/hitloop/conductor/internal/domain"
	"github.com/hitloop/conductor/internal/engine"
	"github.com/hitloop/conductor/internal/ledger"
)

// Emitter publishes one typed event tagged with the owning instance.
type Emitter func(eventType domain.EventType, payload any)

// Pipeline binds one instance's ledgers and correlator to the engine hooks.
type Pipeline struct {
	instanceID  string
	permissions *ledger.Ledger
	questions   *ledger.Ledger
	tools       *correlator.Correlator
	emit        Emitter
	log         *zap.Logger
}

// New creates a pipeline for one instance.
func New(instanceID string, permissions, questions *ledger.Ledger, tools *correlator.Correlator, emit Emitter, log *zap.Logger) *Pipeline {
	return &Pipeline{
		instanceID:  instanceID,
		permissions: permissions,
		questions:   questions,
		tools:       tools,
		emit:        emit,
		log:         log,
	}
}

// Bind returns the hook set to submit with a query.
func (p *Pipeline) Bind() engine.Hooks {
	return engine.Hooks{
		PreToolUse:   p.preToolUse,
		PostToolUse:  p.postToolUse,
		Notification: p.notification,
		SessionStart: p.sessionStart,
		SessionEnd:   p.sessionEnd,
	}
}

// preToolUse suspends the tool until a human decision exists or the
// instance's cancellation fires, whichever happens first.
func (p *Pipeline) preToolUse(ctx context.Context, in *engine.ToolUseHookInput) (*engine.Decision, error) {
	if in.ToolName == domain.QuestionToolName {
		return p.askQuestions(ctx, in)
	}

	req, done := p.permissions.Register(domain.ApprovalRequest{
		InstanceID: p.instanceID,
		Kind:       domain.RequestKindPermission,
		ToolName:   in.ToolName,
		ToolInput:  in.ToolInput,
		ToolUseID:  in.ToolUseID,
	})

	p.emit(domain.EventTypeInputRequest, domain.InputRequestPayload{
		RequestID: req.RequestID,
		Type:      domain.RequestKindPermission,
		ToolName:  in.ToolName,
		ToolInput: in.ToolInput,
		ToolUseID: in.ToolUseID,
	})
	p.log.Info("tool pending human decision",
		zap.String("instance_id", p.instanceID),
		zap.String("tool_name", in.ToolName),
		zap.String("request_id", req.RequestID))

	select {
	case res := <-done:
		p.emit(domain.EventTypeInputResolved, domain.InputResolvedPayload{
			RequestID: req.RequestID,
			Outcome:   res.Outcome(),
		})
		return permissionDecision(res), nil
	case <-ctx.Done():
		// Remove the entry so a late human response is a harmless no-op.
		p.permissions.Cancel(req.RequestID)
		p.emit(domain.EventTypeInputResolved, domain.InputResolvedPayload{
			RequestID: req.RequestID,
			Outcome:   domain.RequestStatusCancelled,
		})
		return &engine.Decision{Allow: false, Reason: "Tool execution cancelled"}, nil
	}
}

func permissionDecision(res ledger.Resolution) *engine.Decision {
	switch {
	case res.Cancelled:
		return &engine.Decision{Allow: false, Reason: "Tool execution cancelled"}
	case res.Action == domain.ResponseActionApprove:
		return &engine.Decision{Allow: true}
	case res.Action == domain.ResponseActionModify:
		return &engine.Decision{Allow: true, UpdatedInput: res.ModifiedInput}
	default:
		reason := res.Feedback
		if reason == "" {
			reason = "User rejected the tool call"
		}
		return &engine.Decision{Allow: false, Reason: reason}
	}
}

// questionInput is the wire shape of the question tool's input.
type questionInput struct {
	Questions []domain.Question `json:"questions"`
}

// askQuestions runs the question sub-flow. The tool itself never executes:
// when answers exist they are threaded back through the deny reason so the
// agent reads them without the tool running, and a cancel suppresses the
// tool's own output entirely.
func (p *Pipeline) askQuestions(ctx context.Context, in *engine.ToolUseHookInput) (*engine.Decision, error) {
	var qi questionInput
	if err := json.Unmarshal(in.ToolInput, &qi); err != nil {
		return nil, fmt.Errorf("parse question input: %w", err)
	}

	req, done := p.questions.Register(domain.ApprovalRequest{
		InstanceID: p.instanceID,
		Kind:       domain.RequestKindQuestion,
		ToolName:   in.ToolName,
		ToolInput:  in.ToolInput,
		ToolUseID:  in.ToolUseID,
		Questions:  qi.Questions,
	})

	p.emit(domain.EventTypeInputRequest, domain.InputRequestPayload{
		RequestID: req.RequestID,
		Type:      domain.RequestKindQuestion,
		ToolName:  in.ToolName,
		ToolUseID: in.ToolUseID,
		Questions: qi.Questions,
	})

	var res ledger.Resolution
	select {
	case res = <-done:
	case <-ctx.Done():
		p.questions.Cancel(req.RequestID)
		res = ledger.Resolution{Cancelled: true}
	}

	p.emit(domain.EventTypeInputResolved, domain.InputResolvedPayload{
		RequestID: req.RequestID,
		Outcome:   res.Outcome(),
	})

	if res.Cancelled || len(res.Answers) == 0 {
		return &engine.Decision{
			Allow:          false,
			Reason:         "User cancelled the question",
			SuppressOutput: true,
		}, nil
	}

	return &engine.Decision{
		Allow:  false,
		Reason: formatAnswers(qi.Questions, res.Answers),
	}, nil
}

// formatAnswers serializes the human's answer set into one line per
// question, in question order. Multi-select answers arrive already joined.
func formatAnswers(questions []domain.Question, answers map[string]string) string {
	var b strings.Builder
	b.WriteString("User answered the questions:")
	for _, q := range questions {
		answer, ok := answers[q.Question]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n%s: %s", q.Question, answer)
	}
	return b.String()
}

// postToolUse translates the raw execution record into a completion event.
// No human involvement.
func (p *Pipeline) postToolUse(_ context.Context, in *engine.ToolResultHookInput) error {
	p.tools.RecordResult(in.ToolUseID, in.ToolResponse, in.IsError)
	p.emit(domain.EventTypeToolComplete, domain.ToolCompletePayload{
		ToolName:     in.ToolName,
		ToolInput:    in.ToolInput,
		ToolResponse: in.ToolResponse,
		ToolUseID:    in.ToolUseID,
		IsError:      in.IsError,
	})
	return nil
}

func (p *Pipeline) notification(_ context.Context, in *engine.NotificationHookInput) error {
	p.emit(domain.EventTypeNotification, domain.NotificationPayload{
		Message: in.Message,
		Title:   in.Title,
	})
	return nil
}

func (p *Pipeline) sessionStart(_ context.Context, in *engine.SessionHookInput) error {
	p.emit(domain.EventTypeSessionStart, domain.SessionStartPayload{
		Source:    in.Source,
		SessionID: in.SessionID,
		Model:     in.Model,
	})
	return nil
}

// sessionEnd forwards the lifecycle event and forces tool executions that
// never received a result to a terminal state.
func (p *Pipeline) sessionEnd(_ context.Context, in *engine.SessionHookInput) error {
	for _, toolUseID := range p.tools.FinishPending("session ended before a tool result arrived") {
		exec, _ := p.tools.Lookup(toolUseID)
		p.emit(domain.EventTypeToolComplete, domain.ToolCompletePayload{
			ToolName:     exec.ToolName,
			ToolInput:    exec.Input,
			ToolResponse: exec.Output,
			ToolUseID:    toolUseID,
			IsError:      true,
		})
	}
	p.emit(domain.EventTypeSessionEnd, domain.SessionEndPayload{
		Reason:    in.Reason,
		SessionID: in.SessionID,
	})
	return nil
}
