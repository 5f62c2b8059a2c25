package orchestrator

import (
	"context"
	"sync"

	"github.com/hitloop/conductor/internal/correlator"
	"github.com/hitloop/conductor/internal/domain"
	"github.com/hitloop/conductor/internal/driver"
	"github.com/hitloop/conductor/internal/ledger"
)

// Instance is one logical conversation. It is owned exclusively by the
// orchestrator; all mutation goes through the instance mutex so the
// single-writer discipline survives Go's multi-threaded runtime.
type Instance struct {
	mu sync.Mutex

	id             string
	cwd            string
	additionalDirs []string

	running bool
	cancel  context.CancelFunc

	sessionID      string
	model          string
	permissionMode string

	permissions *ledger.Ledger
	questions   *ledger.Ledger
	tools       *correlator.Correlator
}

func newInstance(id, cwd string, additionalDirs []string) *Instance {
	return &Instance{
		id:             id,
		cwd:            cwd,
		additionalDirs: additionalDirs,
		permissions:    ledger.New(),
		questions:      ledger.New(),
		tools:          correlator.New(),
	}
}

// setMeta records the last observed session metadata, keeping previous
// values when the stream omits a field.
func (i *Instance) setMeta(m driver.Meta) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if m.SessionID != "" {
		i.sessionID = m.SessionID
	}
	if m.Model != "" {
		i.model = m.Model
	}
	if m.PermissionMode != "" {
		i.permissionMode = m.PermissionMode
	}
}

func (i *Instance) statusPayload() domain.StatusChangedPayload {
	i.mu.Lock()
	defer i.mu.Unlock()
	return domain.StatusChangedPayload{
		IsRunning:      i.running,
		SessionID:      i.sessionID,
		Model:          i.model,
		PermissionMode: i.permissionMode,
	}
}

// pendingRequests returns all pending decisions across both ledgers.
func (i *Instance) pendingRequests() []domain.ApprovalRequest {
	pending := i.permissions.Pending()
	return append(pending, i.questions.Pending()...)
}

// Tools exposes the instance's tool execution table for consumers that
// join tool_use blocks against results.
func (i *Instance) Tools() *correlator.Correlator {
	return i.tools
}
