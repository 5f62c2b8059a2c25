// Package driver owns exactly one query's life from submission to
// completion or cancellation.
package driver

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hitloop/conductor/internal/correlator"
	"github.com/hitloop/conductor/internal/domain"
	"github.com/hitloop/conductor/internal/engine"
	"github.com/hitloop/conductor/internal/hooks"
)

// Meta is the session metadata a driver observes while consuming the
// stream, reported back to its owner as it changes.
type Meta struct {
	SessionID      string
	Model          string
	PermissionMode string
}

// Driver consumes one query's message stream and translates it into typed
// events. It never outlives the query: Run returns when the stream ends.
type Driver struct {
	instanceID string
	eng        engine.Engine
	pipeline   *hooks.Pipeline
	tools      *correlator.Correlator
	emit       hooks.Emitter
	onMeta     func(Meta)
	log        *zap.Logger
}

// New creates a driver for one query. onMeta may be nil.
func New(instanceID string, eng engine.Engine, pipeline *hooks.Pipeline, tools *correlator.Correlator, emit hooks.Emitter, onMeta func(Meta), log *zap.Logger) *Driver {
	return &Driver{
		instanceID: instanceID,
		eng:        eng,
		pipeline:   pipeline,
		tools:      tools,
		emit:       emit,
		onMeta:     onMeta,
		log:        log,
	}
}

// Run submits the prompt and drives the message stream to exhaustion.
// Cancellation is cooperative: firing ctx makes the engine stop producing
// (and rejects any suspended hook), and the loop terminates when the
// stream closes. Any engine failure is converted into an error event and
// treated as query termination, never left hanging.
func (d *Driver) Run(ctx context.Context, prompt string, opts engine.Options) error {
	opts.Hooks = d.pipeline.Bind()

	msgs, err := d.eng.Query(ctx, prompt, opts)
	if err != nil {
		d.emit(domain.EventTypeError, domain.ErrorPayload{Message: err.Error()})
		return err
	}

	var runErr error
	for msg := range msgs {
		switch msg.Type {
		case engine.MessageTypeSystem:
			if msg.Subtype == "init" {
				d.reportMeta(msg)
				d.emit(domain.EventTypeInit, domain.InitPayload{
					SessionID:  msg.SessionID,
					Model:      msg.Model,
					Tools:      msg.Tools,
					MCPServers: msg.MCPServers,
				})
			} else {
				d.log.Debug("system message",
					zap.String("instance_id", d.instanceID),
					zap.String("subtype", msg.Subtype))
			}

		case engine.MessageTypeAssistant:
			for _, block := range msg.Content {
				if block.Type != domain.BlockTypeToolUse {
					continue
				}
				d.tools.RecordPending(block.ID, block.Name, block.Input)
				d.emit(domain.EventTypeToolPending, domain.ToolPendingPayload{
					ToolName:  block.Name,
					ToolInput: block.Input,
					ToolUseID: block.ID,
				})
			}
			d.emit(domain.EventTypeAssistantMessage, domain.AssistantMessagePayload{
				UUID:      msg.UUID,
				SessionID: msg.SessionID,
				Content:   msg.Content,
			})

		case engine.MessageTypeStreamEvent:
			// Partial chunks are not part of the committed timeline.
			d.log.Debug("stream chunk",
				zap.String("instance_id", d.instanceID),
				zap.Int("len", len(msg.StreamText)))

		case engine.MessageTypeResult:
			d.reportMeta(msg)
			d.emit(domain.EventTypeResult, domain.ResultPayload{
				Subtype:      msg.Subtype,
				SessionID:    msg.SessionID,
				Result:       msg.Result,
				IsError:      msg.IsError,
				NumTurns:     msg.NumTurns,
				TotalCostUSD: msg.TotalCostUSD,
				Usage:        msg.Usage,
				ModelUsage:   msg.ModelUsage,
			})

		case engine.MessageTypeError:
			runErr = errors.New(msg.ErrMessage)
			d.emit(domain.EventTypeError, domain.ErrorPayload{Message: msg.ErrMessage})

		default:
			d.log.Debug("unhandled engine message",
				zap.String("instance_id", d.instanceID),
				zap.String("type", string(msg.Type)))
		}
	}

	return runErr
}

func (d *Driver) reportMeta(msg engine.Message) {
	if d.onMeta == nil {
		return
	}
	d.onMeta(Meta{
		SessionID:      msg.SessionID,
		Model:          msg.Model,
		PermissionMode: msg.PermissionMode,
	})
}
