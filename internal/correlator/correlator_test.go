package correlator

import (
	"encoding/json"
	"testing"

	"github.com/hitloop/conductor/internal/domain"
)

func TestPendingThenResult(t *testing.T) {
	c := New()
	input := json.RawMessage(`{"command":"ls"}`)
	output := json.RawMessage(`"ok"`)

	c.RecordPending("t1", "Bash", input)

	exec, ok := c.Lookup("t1")
	if !ok {
		t.Fatal("expected execution for t1")
	}
	if exec.Status != domain.ToolExecutionPending {
		t.Fatalf("expected pending, got %s", exec.Status)
	}

	c.RecordResult("t1", output, false)

	exec, _ = c.Lookup("t1")
	if exec.Status != domain.ToolExecutionComplete {
		t.Fatalf("expected complete, got %s", exec.Status)
	}
	if string(exec.Output) != `"ok"` {
		t.Fatalf("unexpected output: %s", exec.Output)
	}
	if exec.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestResultBeforePending(t *testing.T) {
	c := New()

	// The engine does not guarantee a result for tool A arrives after the
	// tool_use block for tool A when other streams interleave.
	c.RecordResult("t1", json.RawMessage(`"done"`), false)
	c.RecordPending("t1", "Read", json.RawMessage(`{"path":"/tmp/x"}`))

	exec, ok := c.Lookup("t1")
	if !ok {
		t.Fatal("expected execution for t1")
	}
	if exec.Status != domain.ToolExecutionComplete {
		t.Fatalf("terminal status must survive a late pending, got %s", exec.Status)
	}
	if exec.ToolName != "Read" {
		t.Fatalf("expected name from pending record, got %q", exec.ToolName)
	}
	if string(exec.Input) != `{"path":"/tmp/x"}` {
		t.Fatalf("unexpected input: %s", exec.Input)
	}
}

func TestResultWithoutPending(t *testing.T) {
	c := New()
	c.RecordResult("orphan", json.RawMessage(`"x"`), true)

	exec, ok := c.Lookup("orphan")
	if !ok {
		t.Fatal("expected standalone record")
	}
	if exec.Status != domain.ToolExecutionError {
		t.Fatalf("expected error status, got %s", exec.Status)
	}
}

func TestFinishPending(t *testing.T) {
	c := New()
	c.RecordPending("t1", "Bash", nil)
	c.RecordPending("t2", "Read", nil)
	c.RecordResult("t2", json.RawMessage(`"ok"`), false)

	finished := c.FinishPending("session ended")
	if len(finished) != 1 || finished[0] != "t1" {
		t.Fatalf("expected only t1 finished, got %v", finished)
	}

	exec, _ := c.Lookup("t1")
	if exec.Status != domain.ToolExecutionError {
		t.Fatalf("expected forced error, got %s", exec.Status)
	}
	if string(exec.Output) != `"session ended"` {
		t.Fatalf("unexpected note: %s", exec.Output)
	}

	exec, _ = c.Lookup("t2")
	if exec.Status != domain.ToolExecutionComplete {
		t.Fatalf("completed execution must not be touched, got %s", exec.Status)
	}

	if len(c.FinishPending("again")) != 0 {
		t.Fatal("second FinishPending should find nothing")
	}
}

func TestSnapshotKeepsFirstSeenOrder(t *testing.T) {
	c := New()
	c.RecordPending("a", "Bash", nil)
	c.RecordResult("b", nil, false)
	c.RecordPending("c", "Read", nil)

	snap := c.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(snap))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap[i].ToolUseID != want {
			t.Fatalf("position %d: got %s, want %s", i, snap[i].ToolUseID, want)
		}
	}
}
