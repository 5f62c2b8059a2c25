// Package ledger holds in-flight approval and question requests and the
// completion channel each suspended hook is blocked on. It is the only
// place a request id is minted and the only place a pending decision is
// resolved.
package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitloop/conductor/internal/domain"
)

// Resolution is the terminal outcome delivered to a suspended hook.
type Resolution struct {
	Action        domain.ResponseAction
	ModifiedInput json.RawMessage
	Feedback      string
	Answers       map[string]string
	Cancelled     bool
}

// Outcome maps the resolution to the consumer-visible request status.
func (r Resolution) Outcome() domain.RequestStatus {
	switch {
	case r.Cancelled:
		return domain.RequestStatusCancelled
	case r.Action == domain.ResponseActionReject:
		return domain.RequestStatusRejected
	default:
		return domain.RequestStatusApproved
	}
}

type pending struct {
	request domain.ApprovalRequest
	done    chan Resolution // buffered, written at most once
}

// Ledger is a per-instance table of pending requests. At most one live
// completion channel exists per request id; once resolved or cancelled the
// entry is removed, so resolving twice is a no-op guarded by absence.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*pending
	order   []string
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[string]*pending)}
}

// NewRequestID mints a process-unique request id. Uniqueness, not
// unguessability, is the requirement.
func NewRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), uuid.New().String()[:6])
}

// Register stores a new pending request and returns it together with the
// channel its resolution will arrive on.
func (l *Ledger) Register(req domain.ApprovalRequest) (domain.ApprovalRequest, <-chan Resolution) {
	if req.RequestID == "" {
		req.RequestID = NewRequestID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	p := &pending{request: req, done: make(chan Resolution, 1)}

	l.mu.Lock()
	l.entries[req.RequestID] = p
	l.order = append(l.order, req.RequestID)
	l.mu.Unlock()

	return req, p.done
}

// Resolve delivers a human decision for requestID. It reports false when
// the request is unknown, which covers double-submit and stale-UI races.
func (l *Ledger) Resolve(requestID string, res Resolution) bool {
	p := l.remove(requestID)
	if p == nil {
		return false
	}
	p.done <- res
	return true
}

// Cancel resolves requestID with a synthetic cancelled outcome.
func (l *Ledger) Cancel(requestID string) bool {
	return l.Resolve(requestID, Resolution{Cancelled: true})
}

// CancelAll cancels every pending request and returns their ids.
func (l *Ledger) CancelAll() []string {
	l.mu.Lock()
	ids := make([]string, 0, len(l.entries))
	removed := make([]*pending, 0, len(l.entries))
	for _, id := range l.order {
		if p, ok := l.entries[id]; ok {
			ids = append(ids, id)
			removed = append(removed, p)
		}
	}
	l.entries = make(map[string]*pending)
	l.order = nil
	l.mu.Unlock()

	for _, p := range removed {
		p.done <- Resolution{Cancelled: true}
	}
	return ids
}

// Get returns the pending request for requestID, if any.
func (l *Ledger) Get(requestID string) (domain.ApprovalRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.entries[requestID]
	if !ok {
		return domain.ApprovalRequest{}, false
	}
	return p.request, true
}

// Pending returns all pending requests in registration order.
func (l *Ledger) Pending() []domain.ApprovalRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ApprovalRequest, 0, len(l.entries))
	for _, id := range l.order {
		if p, ok := l.entries[id]; ok {
			out = append(out, p.request)
		}
	}
	return out
}

func (l *Ledger) remove(requestID string) *pending {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.entries[requestID]
	if !ok {
		return nil
	}
	delete(l.entries, requestID)
	for i, id := range l.order {
		if id == requestID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return p
}
