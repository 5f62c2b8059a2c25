// Package enginetest provides a scripted engine implementation for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/hitloop/conductor/internal/domain"
	"github.com/hitloop/conductor/internal/engine"
)

// Step is one scripted engine action. Emitting on out and invoking hooks
// happens in script order, one step at a time.
type Step func(ctx context.Context, hooks engine.Hooks, out chan<- engine.Message) error

// ScriptedEngine replays a fixed script of messages and hook invocations.
// Each Query consumes the same script, so one engine can back several
// sequential queries in a test.
type ScriptedEngine struct {
	Script  []Step
	queries atomic.Int64
}

// Queries reports how many times Query has been called.
func (e *ScriptedEngine) Queries() int64 {
	return e.queries.Load()
}

// Query implements engine.Engine.
func (e *ScriptedEngine) Query(ctx context.Context, prompt string, opts engine.Options) (<-chan engine.Message, error) {
	e.queries.Add(1)
	out := make(chan engine.Message, 16)

	go func() {
		defer close(out)
		for _, step := range e.Script {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := step(ctx, opts.Hooks, out); err != nil {
				select {
				case out <- engine.Message{Type: engine.MessageTypeError, ErrMessage: err.Error()}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out, nil
}

func send(ctx context.Context, out chan<- engine.Message, msg engine.Message) error {
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init emits a system/init message.
func Init(sessionID, model string, tools ...string) Step {
	return func(ctx context.Context, _ engine.Hooks, out chan<- engine.Message) error {
		return send(ctx, out, engine.Message{
			Type:      engine.MessageTypeSystem,
			Subtype:   "init",
			SessionID: sessionID,
			Model:     model,
			Tools:     tools,
		})
	}
}

// Text emits an assistant message with a single text block.
func Text(uuid, text string) Step {
	return Assistant(uuid, domain.ContentBlock{Type: domain.BlockTypeText, Text: text})
}

// Assistant emits an assistant message with the given content blocks.
func Assistant(uuid string, blocks ...domain.ContentBlock) Step {
	return func(ctx context.Context, _ engine.Hooks, out chan<- engine.Message) error {
		return send(ctx, out, engine.Message{
			Type:    engine.MessageTypeAssistant,
			UUID:    uuid,
			Content: blocks,
		})
	}
}

// ToolCall emits an assistant tool_use block, runs the PreToolUse hook, and
// reports a result through PostToolUse. When the hook allows, result is the
// tool response; when it denies, the deny reason becomes an error response
// unless the decision suppressed output.
func ToolCall(uuid, toolUseID, toolName string, input, result json.RawMessage) Step {
	return func(ctx context.Context, hooks engine.Hooks, out chan<- engine.Message) error {
		err := send(ctx, out, engine.Message{
			Type: engine.MessageTypeAssistant,
			UUID: uuid,
			Content: []domain.ContentBlock{
				{Type: domain.BlockTypeToolUse, ID: toolUseID, Name: toolName, Input: input},
			},
		})
		if err != nil {
			return err
		}

		response := result
		isError := false
		if hooks.PreToolUse != nil {
			decision, err := hooks.PreToolUse(ctx, &engine.ToolUseHookInput{
				ToolName:  toolName,
				ToolInput: input,
				ToolUseID: toolUseID,
			})
			if err != nil {
				return fmt.Errorf("pre-tool-use hook: %w", err)
			}
			if decision != nil && !decision.Allow {
				isError = true
				if decision.SuppressOutput {
					response = nil
				} else {
					response, _ = json.Marshal(decision.Reason)
				}
			}
		}

		if hooks.PostToolUse != nil {
			return hooks.PostToolUse(ctx, &engine.ToolResultHookInput{
				ToolName:     toolName,
				ToolInput:    input,
				ToolResponse: response,
				ToolUseID:    toolUseID,
				IsError:      isError,
			})
		}
		return nil
	}
}

// Notify invokes the Notification hook.
func Notify(message, title string) Step {
	return func(ctx context.Context, hooks engine.Hooks, _ chan<- engine.Message) error {
		if hooks.Notification == nil {
			return nil
		}
		return hooks.Notification(ctx, &engine.NotificationHookInput{Message: message, Title: title})
	}
}

// SessionStart invokes the SessionStart hook.
func SessionStart(sessionID, source, model string) Step {
	return func(ctx context.Context, hooks engine.Hooks, _ chan<- engine.Message) error {
		if hooks.SessionStart == nil {
			return nil
		}
		return hooks.SessionStart(ctx, &engine.SessionHookInput{SessionID: sessionID, Source: source, Model: model})
	}
}

// SessionEnd invokes the SessionEnd hook.
func SessionEnd(sessionID, reason string) Step {
	return func(ctx context.Context, hooks engine.Hooks, _ chan<- engine.Message) error {
		if hooks.SessionEnd == nil {
			return nil
		}
		return hooks.SessionEnd(ctx, &engine.SessionHookInput{SessionID: sessionID, Reason: reason})
	}
}

// Result emits a terminal result message.
func Result(sessionID, text string, numTurns int) Step {
	return func(ctx context.Context, _ engine.Hooks, out chan<- engine.Message) error {
		return send(ctx, out, engine.Message{
			Type:      engine.MessageTypeResult,
			Subtype:   "success",
			SessionID: sessionID,
			Result:    text,
			NumTurns:  numTurns,
			Usage:     &domain.Usage{InputTokens: 10, OutputTokens: 20},
		})
	}
}

// Fail makes the stream terminate with an engine error.
func Fail(message string) Step {
	return func(context.Context, engine.Hooks, chan<- engine.Message) error {
		return fmt.Errorf("%s", message)
	}
}
