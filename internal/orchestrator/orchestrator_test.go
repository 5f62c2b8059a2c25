package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/hitloop/conductor/internal/domain"
	"github.com/hitloop/conductor/internal/engine"
	"github.com/hitloop/conductor/internal/engine/enginetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestOrchestrator(t *testing.T, eng engine.Engine) *Orchestrator {
	t.Helper()
	o := New(eng, nil, MustNewMetrics(prometheus.NewRegistry()), zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Shutdown(ctx); err != nil {
			t.Errorf("shutdown did not drain: %v", err)
		}
	})
	return o
}

// waitEvent consumes the subscription until an event of the wanted type
// arrives, failing the test on timeout.
func waitEvent(t *testing.T, events <-chan domain.Event, want domain.EventType) domain.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", want)
			}
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// waitIdle consumes the subscription until a status-changed event reports
// the instance idle.
func waitIdle(t *testing.T, events <-chan domain.Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatal("subscription closed while waiting for idle")
			}
			if evt.Type != domain.EventTypeStatusChanged {
				continue
			}
			var p domain.StatusChangedPayload
			if err := evt.DecodePayload(&p); err != nil {
				t.Fatalf("decode status payload: %v", err)
			}
			if !p.IsRunning {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for idle status")
		}
	}
}

// blockingEngine produces nothing until its query context is cancelled.
type blockingEngine struct{}

func (blockingEngine) Query(ctx context.Context, _ string, _ engine.Options) (<-chan engine.Message, error) {
	out := make(chan engine.Message)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func TestStartRunsQueryToCompletion(t *testing.T) {
	eng := &enginetest.ScriptedEngine{Script: []enginetest.Step{
		enginetest.Init("s1", "m-large"),
		enginetest.Text("u1", "hello"),
		enginetest.Result("s1", "done", 1),
	}}
	o := newTestOrchestrator(t, eng)
	events, cancel := o.Subscribe(64)
	defer cancel()

	if err := o.Start("i1", domain.StartRequest{Prompt: "hi", CWD: "/tmp"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitEvent(t, events, domain.EventTypeResult)
	waitIdle(t, events)

	status, ok := o.Status("i1")
	if !ok {
		t.Fatal("expected instance to exist")
	}
	if status.IsRunning {
		t.Fatal("expected idle after terminal status")
	}
	if status.SessionID != "s1" {
		t.Fatalf("expected session metadata, got %+v", status)
	}
	if len(status.PendingRequests) != 0 {
		t.Fatalf("expected no pending requests, got %d", len(status.PendingRequests))
	}
}

func TestStartWhileRunning(t *testing.T) {
	o := newTestOrchestrator(t, blockingEngine{})
	events, cancel := o.Subscribe(64)
	defer cancel()

	if err := o.Start("i1", domain.StartRequest{Prompt: "first"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := o.Start("i1", domain.StartRequest{Prompt: "second"}); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	// A rejected start leaves the running query untouched.
	status, _ := o.Status("i1")
	if !status.IsRunning {
		t.Fatal("expected the first query to still be running")
	}

	o.Interrupt("i1")
	waitIdle(t, events)

	// After the terminal status a new start is accepted.
	if err := o.Start("i1", domain.StartRequest{Prompt: "third"}); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	o.Interrupt("i1")
	waitIdle(t, events)
}

func TestApprovalRoundTrip(t *testing.T) {
	eng := &enginetest.ScriptedEngine{Script: []enginetest.Step{
		enginetest.Init("s1", "m"),
		enginetest.ToolCall("u1", "t1", "Bash", json.RawMessage(`{"command":"ls"}`), json.RawMessage(`"ok"`)),
		enginetest.Result("s1", "done", 1),
	}}
	o := newTestOrchestrator(t, eng)
	events, cancel := o.Subscribe(64)
	defer cancel()

	if err := o.Start("i1", domain.StartRequest{Prompt: "list"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	evt := waitEvent(t, events, domain.EventTypeInputRequest)
	var req domain.InputRequestPayload
	if err := evt.DecodePayload(&req); err != nil {
		t.Fatalf("decode input-request: %v", err)
	}
	if req.Type != domain.RequestKindPermission || req.ToolName != "Bash" {
		t.Fatalf("unexpected request: %+v", req)
	}

	status, _ := o.Status("i1")
	if len(status.PendingRequests) != 1 || status.PendingRequests[0].RequestID != req.RequestID {
		t.Fatalf("status must expose the pending request, got %+v", status.PendingRequests)
	}

	o.Respond("i1", domain.RespondRequest{
		RequestID: req.RequestID,
		Action:    domain.ResponseActionApprove,
	})

	resolved := waitEvent(t, events, domain.EventTypeInputResolved)
	var rp domain.InputResolvedPayload
	if err := resolved.DecodePayload(&rp); err != nil {
		t.Fatalf("decode input-resolved: %v", err)
	}
	if rp.RequestID != req.RequestID || rp.Outcome != domain.RequestStatusApproved {
		t.Fatalf("unexpected resolution: %+v", rp)
	}

	complete := waitEvent(t, events, domain.EventTypeToolComplete)
	var cp domain.ToolCompletePayload
	if err := complete.DecodePayload(&cp); err != nil {
		t.Fatalf("decode tool-complete: %v", err)
	}
	if cp.IsError {
		t.Fatalf("approved tool must complete cleanly: %+v", cp)
	}
	waitIdle(t, events)
}

func TestRespondUnknownRequestIsIgnored(t *testing.T) {
	o := newTestOrchestrator(t, blockingEngine{})
	events, cancel := o.Subscribe(64)
	defer cancel()

	if err := o.Start("i1", domain.StartRequest{Prompt: "x"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Neither an unknown instance nor an unknown request id may panic or
	// affect the running query.
	o.Respond("ghost", domain.RespondRequest{RequestID: "req_x", Action: domain.ResponseActionApprove})
	o.Respond("i1", domain.RespondRequest{RequestID: "req_x", Action: domain.ResponseActionApprove})

	status, _ := o.Status("i1")
	if !status.IsRunning {
		t.Fatal("query must keep running")
	}
	o.Interrupt("i1")
	waitIdle(t, events)
}

func TestInterruptIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, blockingEngine{})
	events, cancel := o.Subscribe(64)
	defer cancel()

	o.Interrupt("ghost") // unknown instance is a no-op

	if err := o.Start("i1", domain.StartRequest{Prompt: "x"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	o.Interrupt("i1")
	o.Interrupt("i1")
	waitIdle(t, events)
	o.Interrupt("i1") // idle instance is a no-op
}

func TestInterruptCancelsPendingApproval(t *testing.T) {
	eng := &enginetest.ScriptedEngine{Script: []enginetest.Step{
		enginetest.Init("s1", "m"),
		enginetest.ToolCall("u1", "t1", "Bash", json.RawMessage(`{}`), json.RawMessage(`"never"`)),
		enginetest.Result("s1", "unreached", 1),
	}}
	o := newTestOrchestrator(t, eng)
	events, cancel := o.Subscribe(64)
	defer cancel()

	if err := o.Start("i1", domain.StartRequest{Prompt: "x"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	evt := waitEvent(t, events, domain.EventTypeInputRequest)
	var req domain.InputRequestPayload
	_ = evt.DecodePayload(&req)

	o.Interrupt("i1")

	resolved := waitEvent(t, events, domain.EventTypeInputResolved)
	var rp domain.InputResolvedPayload
	_ = resolved.DecodePayload(&rp)
	if rp.Outcome != domain.RequestStatusCancelled {
		t.Fatalf("expected cancelled outcome, got %s", rp.Outcome)
	}
	waitIdle(t, events)

	status, _ := o.Status("i1")
	if len(status.PendingRequests) != 0 {
		t.Fatalf("expected no pending requests, got %+v", status.PendingRequests)
	}
}

func TestDestroyRemovesInstance(t *testing.T) {
	eng := &enginetest.ScriptedEngine{Script: []enginetest.Step{
		enginetest.Init("s1", "m"),
		enginetest.Result("s1", "done", 1),
	}}
	o := newTestOrchestrator(t, eng)
	events, cancel := o.Subscribe(64)
	defer cancel()

	if err := o.Start("i1", domain.StartRequest{Prompt: "x"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitIdle(t, events)

	o.Destroy("i1")
	waitIdle(t, events) // idle instance still gets its terminal status event

	if _, ok := o.Status("i1"); ok {
		t.Fatal("destroyed instance must be unknown")
	}
	if len(o.Instances()) != 0 {
		t.Fatalf("expected no instances, got %v", o.Instances())
	}

	// Operations on the destroyed instance are silent no-ops.
	o.Respond("i1", domain.RespondRequest{RequestID: "req_x", Action: domain.ResponseActionApprove})
	o.Interrupt("i1")
	o.Destroy("i1")
}

func TestDestroyWhileRunning(t *testing.T) {
	o := newTestOrchestrator(t, blockingEngine{})
	events, cancel := o.Subscribe(64)
	defer cancel()

	if err := o.Start("i1", domain.StartRequest{Prompt: "x"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	o.Destroy("i1")
	waitIdle(t, events)

	if _, ok := o.Status("i1"); ok {
		t.Fatal("destroyed instance must be unknown")
	}
}

func TestConcurrentInstancesAreIndependent(t *testing.T) {
	eng := &enginetest.ScriptedEngine{Script: []enginetest.Step{
		enginetest.Init("s1", "m"),
		enginetest.Text("u1", "hello"),
		enginetest.Result("s1", "done", 1),
	}}
	o := newTestOrchestrator(t, eng)
	events, cancel := o.Subscribe(256)
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := o.Start(id, domain.StartRequest{Prompt: "hi"}); err != nil {
			t.Fatalf("start %s failed: %v", id, err)
		}
	}

	idle := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(idle) < 3 {
		select {
		case evt := <-events:
			if evt.Type != domain.EventTypeStatusChanged {
				continue
			}
			var p domain.StatusChangedPayload
			_ = evt.DecodePayload(&p)
			if !p.IsRunning {
				idle[evt.InstanceID] = true
			}
		case <-deadline:
			t.Fatalf("timed out, idle so far: %v", idle)
		}
	}

	if len(o.Instances()) != 3 {
		t.Fatalf("expected 3 instances, got %v", o.Instances())
	}
}

func TestSlowSubscriberDropsEventsWithoutBlocking(t *testing.T) {
	eng := &enginetest.ScriptedEngine{Script: []enginetest.Step{
		enginetest.Init("s1", "m"),
		enginetest.Text("u1", "one"),
		enginetest.Text("u2", "two"),
		enginetest.Text("u3", "three"),
		enginetest.Result("s1", "done", 3),
	}}
	o := newTestOrchestrator(t, eng)

	// A subscriber with a tiny buffer that never reads must not stall the
	// driver loop.
	_, cancelSlow := o.Subscribe(1)
	defer cancelSlow()

	events, cancel := o.Subscribe(64)
	defer cancel()

	if err := o.Start("i1", domain.StartRequest{Prompt: "x"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitIdle(t, events)
}
