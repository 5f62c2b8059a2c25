package ledger

import (
	"strings"
	"testing"

	"github.com/hitloop/conductor/internal/domain"
)

func TestRegisterMintsRequestID(t *testing.T) {
	l := New()

	req, done := l.Register(domain.ApprovalRequest{
		InstanceID: "i1",
		Kind:       domain.RequestKindPermission,
		ToolName:   "Bash",
	})
	if req.RequestID == "" {
		t.Fatal("expected a minted request id")
	}
	if !strings.HasPrefix(req.RequestID, "req_") {
		t.Fatalf("unexpected request id shape: %s", req.RequestID)
	}
	if req.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}
	if done == nil {
		t.Fatal("expected a completion channel")
	}

	got, ok := l.Get(req.RequestID)
	if !ok || got.ToolName != "Bash" {
		t.Fatalf("unexpected pending request: %+v", got)
	}
}

func TestResolveDeliversExactlyOnce(t *testing.T) {
	l := New()
	req, done := l.Register(domain.ApprovalRequest{Kind: domain.RequestKindPermission})

	if !l.Resolve(req.RequestID, Resolution{Action: domain.ResponseActionApprove}) {
		t.Fatal("first resolve should succeed")
	}
	if l.Resolve(req.RequestID, Resolution{Action: domain.ResponseActionReject}) {
		t.Fatal("second resolve should be a no-op")
	}
	if l.Cancel(req.RequestID) {
		t.Fatal("cancel after resolve should be a no-op")
	}

	res := <-done
	if res.Action != domain.ResponseActionApprove || res.Cancelled {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	select {
	case extra := <-done:
		t.Fatalf("unexpected second resolution: %+v", extra)
	default:
	}

	if _, ok := l.Get(req.RequestID); ok {
		t.Fatal("resolved request should be removed")
	}
}

func TestResolveUnknownRequest(t *testing.T) {
	l := New()
	if l.Resolve("req_missing", Resolution{Action: domain.ResponseActionApprove}) {
		t.Fatal("resolving an unknown request should report false")
	}
}

func TestCancelAll(t *testing.T) {
	l := New()
	_, done1 := l.Register(domain.ApprovalRequest{Kind: domain.RequestKindPermission})
	_, done2 := l.Register(domain.ApprovalRequest{Kind: domain.RequestKindQuestion})

	ids := l.CancelAll()
	if len(ids) != 2 {
		t.Fatalf("expected 2 cancelled ids, got %d", len(ids))
	}

	for _, done := range []<-chan Resolution{done1, done2} {
		res := <-done
		if !res.Cancelled {
			t.Fatalf("expected cancelled resolution, got %+v", res)
		}
	}
	if len(l.Pending()) != 0 {
		t.Fatal("expected no pending requests after CancelAll")
	}
	if len(l.CancelAll()) != 0 {
		t.Fatal("second CancelAll should find nothing")
	}
}

func TestPendingReturnsRegistrationOrder(t *testing.T) {
	l := New()
	first, _ := l.Register(domain.ApprovalRequest{ToolName: "Read"})
	second, _ := l.Register(domain.ApprovalRequest{ToolName: "Write"})

	pending := l.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].RequestID != first.RequestID || pending[1].RequestID != second.RequestID {
		t.Fatalf("unexpected order: %s, %s", pending[0].RequestID, pending[1].RequestID)
	}

	l.Resolve(first.RequestID, Resolution{Action: domain.ResponseActionApprove})
	pending = l.Pending()
	if len(pending) != 1 || pending[0].RequestID != second.RequestID {
		t.Fatalf("unexpected pending after resolve: %+v", pending)
	}
}

func TestResolutionOutcome(t *testing.T) {
	cases := []struct {
		res  Resolution
		want domain.RequestStatus
	}{
		{Resolution{Action: domain.ResponseActionApprove}, domain.RequestStatusApproved},
		{Resolution{Action: domain.ResponseActionModify}, domain.RequestStatusApproved},
		{Resolution{Action: domain.ResponseActionReject}, domain.RequestStatusRejected},
		{Resolution{Cancelled: true}, domain.RequestStatusCancelled},
	}
	for _, tc := range cases {
		if got := tc.res.Outcome(); got != tc.want {
			t.Fatalf("outcome for %+v: got %s, want %s", tc.res, got, tc.want)
		}
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		if seen[id] {
			t.Fatalf("duplicate request id: %s", id)
		}
		seen[id] = true
	}
}
