// Package sse implements the engine contract against a remote engine
// process speaking HTTP with SSE streaming. Messages arrive as "message"
// events; tool-lifecycle hooks arrive as "hook" events and block on a
// decision posted back to the engine.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hitloop/conductor/internal/domain"
	"github.com/hitloop/conductor/internal/engine"
)

// Event represents a parsed SSE event.
type Event struct {
	Event string
	Data  string
}

// Client is an HTTP client for a remote query engine.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient creates a client for the engine at baseURL.
func NewClient(baseURL string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // streams stay open for the query's lifetime
		},
		log: log,
	}
}

type queryRequest struct {
	Prompt                string   `json:"prompt"`
	CWD                   string   `json:"cwd,omitempty"`
	AdditionalDirectories []string `json:"additional_directories,omitempty"`
	AllowedTools          []string `json:"allowed_tools,omitempty"`
	MaxTurns              int      `json:"max_turns,omitempty"`
	Resume                string   `json:"resume,omitempty"`
	Continue              bool     `json:"continue,omitempty"`
}

// wireMessage is the engine's on-the-wire message shape.
type wireMessage struct {
	Type           string                `json:"type"`
	Subtype        string                `json:"subtype,omitempty"`
	SessionID      string                `json:"session_id,omitempty"`
	UUID           string                `json:"uuid,omitempty"`
	Model          string                `json:"model,omitempty"`
	PermissionMode string                `json:"permission_mode,omitempty"`
	Tools          []string              `json:"tools,omitempty"`
	MCPServers     []string              `json:"mcp_servers,omitempty"`
	Content        []domain.ContentBlock `json:"content,omitempty"`
	StreamText     string                `json:"stream_text,omitempty"`
	Result         string                `json:"result,omitempty"`
	IsError        bool                  `json:"is_error,omitempty"`
	NumTurns       int                   `json:"num_turns,omitempty"`
	TotalCostUSD   float64               `json:"total_cost_usd,omitempty"`
	Usage          *domain.Usage         `json:"usage,omitempty"`
	ModelUsage     json.RawMessage       `json:"model_usage,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// wireHook is the engine's on-the-wire hook invocation shape.
type wireHook struct {
	Hook         string          `json:"hook"` // pre_tool_use, post_tool_use, notification, session_start, session_end
	CallbackID   string          `json:"callback_id,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse json.RawMessage `json:"tool_response,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Message      string          `json:"message,omitempty"`
	Title        string          `json:"title,omitempty"`
	Source       string          `json:"source,omitempty"`
	Model        string          `json:"model,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

type wireDecision struct {
	Allow          bool            `json:"allow"`
	UpdatedInput   json.RawMessage `json:"updated_input,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	SuppressOutput bool            `json:"suppress_output,omitempty"`
}

// Query submits the prompt and streams engine messages. The returned
// channel closes when the stream ends or ctx is cancelled.
func (c *Client) Query(ctx context.Context, prompt string, opts engine.Options) (<-chan engine.Message, error) {
	body, err := json.Marshal(queryRequest{
		Prompt:                prompt,
		CWD:                   opts.CWD,
		AdditionalDirectories: opts.AdditionalDirectories,
		AllowedTools:          opts.AllowedTools,
		MaxTurns:              opts.MaxTurns,
		Resume:                opts.Resume,
		Continue:              opts.Continue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach engine: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	msgs := make(chan engine.Message, 16)
	go func() {
		defer close(msgs)
		defer resp.Body.Close()

		err := parseSSE(resp.Body, func(evt Event) error {
			return c.dispatch(ctx, evt, opts.Hooks, msgs)
		})
		if err != nil && ctx.Err() == nil {
			c.log.Warn("engine stream closed with error", zap.Error(err))
			select {
			case msgs <- engine.Message{Type: engine.MessageTypeError, ErrMessage: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()
	return msgs, nil
}

// dispatch routes one SSE event to the message channel or a hook callback.
func (c *Client) dispatch(ctx context.Context, evt Event, hooks engine.Hooks, msgs chan<- engine.Message) error {
	switch evt.Event {
	case "message", "":
		var wm wireMessage
		if err := json.Unmarshal([]byte(evt.Data), &wm); err != nil {
			return fmt.Errorf("failed to parse message event: %w", err)
		}
		select {
		case msgs <- toMessage(wm):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case "hook":
		var wh wireHook
		if err := json.Unmarshal([]byte(evt.Data), &wh); err != nil {
			return fmt.Errorf("failed to parse hook event: %w", err)
		}
		c.invokeHook(ctx, wh, hooks)
		return nil

	default:
		// Unknown event types are skipped for forward compatibility.
		return nil
	}
}

// invokeHook runs a hook callback. pre_tool_use may block for as long as a
// human takes to decide, so it runs on its own goroutine; the stream keeps
// flowing while the engine's tool waits on the posted decision.
func (c *Client) invokeHook(ctx context.Context, wh wireHook, hooks engine.Hooks) {
	switch wh.Hook {
	case "pre_tool_use":
		if hooks.PreToolUse == nil {
			c.postDecision(ctx, wh.CallbackID, &engine.Decision{Allow: true})
			return
		}
		go func() {
			decision, err := hooks.PreToolUse(ctx, &engine.ToolUseHookInput{
				SessionID: wh.SessionID,
				ToolName:  wh.ToolName,
				ToolInput: wh.ToolInput,
				ToolUseID: wh.ToolUseID,
			})
			if err != nil {
				c.log.Warn("pre-tool-use hook failed", zap.String("tool_use_id", wh.ToolUseID), zap.Error(err))
				decision = &engine.Decision{Allow: false, Reason: err.Error()}
			}
			if decision == nil {
				decision = &engine.Decision{Allow: true}
			}
			c.postDecision(ctx, wh.CallbackID, decision)
		}()

	case "post_tool_use":
		if hooks.PostToolUse == nil {
			return
		}
		if err := hooks.PostToolUse(ctx, &engine.ToolResultHookInput{
			SessionID:    wh.SessionID,
			ToolName:     wh.ToolName,
			ToolInput:    wh.ToolInput,
			ToolResponse: wh.ToolResponse,
			ToolUseID:    wh.ToolUseID,
			IsError:      wh.IsError,
		}); err != nil {
			c.log.Warn("post-tool-use hook failed", zap.String("tool_use_id", wh.ToolUseID), zap.Error(err))
		}

	case "notification":
		if hooks.Notification == nil {
			return
		}
		if err := hooks.Notification(ctx, &engine.NotificationHookInput{
			SessionID: wh.SessionID,
			Message:   wh.Message,
			Title:     wh.Title,
		}); err != nil {
			c.log.Warn("notification hook failed", zap.Error(err))
		}

	case "session_start":
		if hooks.SessionStart == nil {
			return
		}
		if err := hooks.SessionStart(ctx, &engine.SessionHookInput{
			SessionID: wh.SessionID,
			Source:    wh.Source,
			Model:     wh.Model,
		}); err != nil {
			c.log.Warn("session-start hook failed", zap.Error(err))
		}

	case "session_end":
		if hooks.SessionEnd == nil {
			return
		}
		if err := hooks.SessionEnd(ctx, &engine.SessionHookInput{
			SessionID: wh.SessionID,
			Reason:    wh.Reason,
		}); err != nil {
			c.log.Warn("session-end hook failed", zap.Error(err))
		}

	default:
		c.log.Debug("unknown hook", zap.String("hook", wh.Hook))
	}
}

// postDecision sends a hook decision back to the engine.
func (c *Client) postDecision(ctx context.Context, callbackID string, d *engine.Decision) {
	body, err := json.Marshal(wireDecision{
		Allow:          d.Allow,
		UpdatedInput:   d.UpdatedInput,
		Reason:         d.Reason,
		SuppressOutput: d.SuppressOutput,
	})
	if err != nil {
		c.log.Error("marshal decision", zap.Error(err))
		return
	}

	// The engine keeps its callback endpoint alive while the stream is
	// open; use a bounded timeout independent of the query ctx so a
	// cancellation still lets the final decision land.
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1/hooks/%s", c.baseURL, callbackID)
	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.log.Error("create decision request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("post decision failed", zap.String("callback_id", callbackID), zap.Error(err))
		return
	}
	resp.Body.Close()
}

func toMessage(wm wireMessage) engine.Message {
	return engine.Message{
		Type:           engine.MessageType(wm.Type),
		Subtype:        wm.Subtype,
		SessionID:      wm.SessionID,
		UUID:           wm.UUID,
		Model:          wm.Model,
		PermissionMode: wm.PermissionMode,
		Tools:          wm.Tools,
		MCPServers:     wm.MCPServers,
		Content:        wm.Content,
		StreamText:     wm.StreamText,
		Result:         wm.Result,
		IsError:        wm.IsError,
		NumTurns:       wm.NumTurns,
		TotalCostUSD:   wm.TotalCostUSD,
		Usage:          wm.Usage,
		ModelUsage:     wm.ModelUsage,
		ErrMessage:     wm.Error,
	}
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler func(Event) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event Event

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = Event{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
