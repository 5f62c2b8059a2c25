package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hitloop/conductor/internal/engine"
)

func TestParseSSE(t *testing.T) {
	stream := strings.Join([]string{
		": comment line",
		"event: message",
		`data: {"type":"system","subtype":"init"}`,
		"",
		"event: hook",
		"data: line one",
		"data: line two",
		"",
		`data: {"type":"result"}`,
		"",
	}, "\n")

	var events []Event
	err := parseSSE(strings.NewReader(stream), func(evt Event) error {
		events = append(events, evt)
		return nil
	})
	if err != nil {
		t.Fatalf("parseSSE failed: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Event != "message" || events[0].Data != `{"type":"system","subtype":"init"}` {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Data != "line one\nline two" {
		t.Fatalf("multi-line data not joined: %q", events[1].Data)
	}
	if events[2].Event != "" {
		t.Fatalf("expected default event type, got %q", events[2].Event)
	}
}

func TestParseSSEHandlesMissingTrailingBlank(t *testing.T) {
	var events []Event
	err := parseSSE(strings.NewReader("event: message\ndata: {}"), func(evt Event) error {
		events = append(events, evt)
		return nil
	})
	if err != nil {
		t.Fatalf("parseSSE failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected trailing event flushed, got %d", len(events))
	}
}

func TestQueryStreamsMessagesAndHooks(t *testing.T) {
	var mu sync.Mutex
	var decisions []wireDecision

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/query", func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Prompt != "hi" {
			http.Error(w, "wrong prompt", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		write := func(event, data string) {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			flusher.Flush()
		}

		write("message", `{"type":"system","subtype":"init","session_id":"s1","model":"m-large"}`)
		write("hook", `{"hook":"pre_tool_use","callback_id":"cb1","tool_name":"Bash","tool_use_id":"t1","tool_input":{"command":"ls"}}`)

		// Wait for the decision before finishing the stream.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			n := len(decisions)
			mu.Unlock()
			if n > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}

		write("message", `{"type":"result","subtype":"success","session_id":"s1","result":"done","num_turns":1}`)
	})
	mux.HandleFunc("/v1/hooks/", func(w http.ResponseWriter, r *http.Request) {
		var d wireDecision
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		decisions = append(decisions, d)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	msgs, err := client.Query(context.Background(), "hi", engine.Options{
		Hooks: engine.Hooks{
			PreToolUse: func(_ context.Context, in *engine.ToolUseHookInput) (*engine.Decision, error) {
				if in.ToolName != "Bash" || in.ToolUseID != "t1" {
					t.Errorf("unexpected hook input: %+v", in)
				}
				return &engine.Decision{Allow: true}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	var got []engine.Message
	for msg := range msgs {
		got = append(got, msg)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(got), got)
	}
	if got[0].Type != engine.MessageTypeSystem || got[0].SessionID != "s1" {
		t.Fatalf("unexpected init message: %+v", got[0])
	}
	if got[1].Type != engine.MessageTypeResult || got[1].Result != "done" {
		t.Fatalf("unexpected result message: %+v", got[1])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(decisions) != 1 || !decisions[0].Allow {
		t.Fatalf("expected one allow decision posted back, got %+v", decisions)
	}
}

func TestQueryRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	if _, err := client.Query(context.Background(), "hi", engine.Options{}); err == nil {
		t.Fatal("expected an error for non-200 response")
	}
}
