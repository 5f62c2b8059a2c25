// Package correlator joins tool_use content blocks to their eventual
// results by toolUseId, independent of arrival order. The engine does not
// guarantee that a result for tool A arrives before the tool_use block for
// tool B, so correlation is by key lookup, never by order.
package correlator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hitloop/conductor/internal/domain"
)

// Correlator is an order-tolerant table of tool executions.
type Correlator struct {
	mu    sync.RWMutex
	execs map[string]*domain.ToolExecution
	order []string
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{execs: make(map[string]*domain.ToolExecution)}
}

// RecordPending registers a tool_use block. If a result already arrived for
// the same toolUseId, the existing record keeps its terminal status and
// only gains the name and input.
func (c *Correlator) RecordPending(toolUseID, toolName string, input json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exec, ok := c.execs[toolUseID]; ok {
		exec.ToolName = toolName
		exec.Input = input
		return
	}
	c.execs[toolUseID] = &domain.ToolExecution{
		ToolUseID: toolUseID,
		ToolName:  toolName,
		Input:     input,
		Status:    domain.ToolExecutionPending,
		CreatedAt: time.Now(),
	}
	c.order = append(c.order, toolUseID)
}

// RecordResult records a tool's completion. A result for a toolUseId never
// registered as pending becomes a standalone completed record.
func (c *Correlator) RecordResult(toolUseID string, output json.RawMessage, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exec, ok := c.execs[toolUseID]
	if !ok {
		exec = &domain.ToolExecution{
			ToolUseID: toolUseID,
			CreatedAt: time.Now(),
		}
		c.execs[toolUseID] = exec
		c.order = append(c.order, toolUseID)
	}

	now := time.Now()
	exec.Output = output
	exec.CompletedAt = &now
	if isError {
		exec.Status = domain.ToolExecutionError
	} else {
		exec.Status = domain.ToolExecutionComplete
	}
}

// Lookup returns the execution for toolUseID.
func (c *Correlator) Lookup(toolUseID string) (domain.ToolExecution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exec, ok := c.execs[toolUseID]
	if !ok {
		return domain.ToolExecution{}, false
	}
	return *exec, true
}

// Snapshot returns all executions in first-seen order.
func (c *Correlator) Snapshot() []domain.ToolExecution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.ToolExecution, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.execs[id])
	}
	return out
}

// FinishPending forces every still-pending execution to the error status.
// Entries with no result otherwise stay pending forever; only an explicit
// session end or instance destroy calls this. It returns the affected ids.
func (c *Correlator) FinishPending(note string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	output, _ := json.Marshal(note)
	now := time.Now()
	var finished []string
	for _, id := range c.order {
		exec := c.execs[id]
		if exec.Status != domain.ToolExecutionPending {
			continue
		}
		exec.Status = domain.ToolExecutionError
		exec.Output = output
		exec.CompletedAt = &now
		finished = append(finished, id)
	}
	return finished
}
