package tools

import (
	"context"
	"testing"
	"time"

	"github.com/roostlabs/roost/internal/bus"
)

func TestApprovalsRequestResolve(t *testing.T) {
	b := bus.New()
	var emitted []string
	b.Subscribe("*", func(e bus.Event) {
		emitted = append(emitted, e.Type)
	})

	a := NewApprovals(b)
	id := a.Request("alpha", "send notification", map[string]any{"title": "hi"})
	if len(id) != 8 {
		t.Errorf("approval id = %q, want 8 chars", id)
	}

	pending := a.Pending()
	if len(pending) != 1 || pending[0].ID != id || pending[0].AgentID != "alpha" {
		t.Fatalf("pending = %+v", pending)
	}

	req, err := a.Resolve(id, true)
	if err != nil {
		t.Fatal(err)
	}
	if req.Description != "send notification" {
		t.Errorf("description = %q", req.Description)
	}
	if len(a.Pending()) != 0 {
		t.Error("queue must be empty after resolve")
	}

	want := []string{bus.EventApprovalRequested, bus.EventApprovalResolved}
	if len(emitted) != 2 || emitted[0] != want[0] || emitted[1] != want[1] {
		t.Errorf("events = %v, want %v", emitted, want)
	}
}

func TestApprovalsResolveUnknown(t *testing.T) {
	a := NewApprovals(nil)
	if _, err := a.Resolve("missing1", true); err == nil {
		t.Fatal("resolving an unknown approval must fail")
	}
}

func TestApprovalsResolveTwice(t *testing.T) {
	a := NewApprovals(nil)
	id := a.Request("alpha", "x", nil)
	if _, err := a.Resolve(id, false); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Resolve(id, false); err == nil {
		t.Fatal("second resolve must fail")
	}
}

func TestApprovalsPendingOrder(t *testing.T) {
	a := NewApprovals(nil)
	first := a.Request("alpha", "first", nil)
	time.Sleep(2 * time.Millisecond)
	second := a.Request("alpha", "second", nil)

	pending := a.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d", len(pending))
	}
	if pending[0].ID != first || pending[1].ID != second {
		t.Errorf("order = [%s %s], want [%s %s]", pending[0].ID, pending[1].ID, first, second)
	}
}

func TestNotifyApprovalGate(t *testing.T) {
	a := NewApprovals(bus.New())
	tc := Context{AgentID: "alpha", Approvals: a}

	gated := &NotifyTool{AutoApprove: false}
	if !NeedsApproval(gated) {
		t.Error("notify without auto-approve must be gated")
	}
	result := gated.Execute(context.Background(), map[string]any{
		"title":   "Alert",
		"message": "something happened",
	}, tc)
	if !result.RequiresApproval || result.ApprovalID == "" {
		t.Fatalf("result = %+v", result)
	}
	if len(a.Pending()) != 1 {
		t.Error("approval must be queued")
	}

	direct := &NotifyTool{AutoApprove: true}
	if NeedsApproval(direct) {
		t.Error("auto-approve notify must not be gated")
	}
	result = direct.Execute(context.Background(), map[string]any{
		"title":   "Alert",
		"message": "something happened",
	}, tc)
	if result.RequiresApproval {
		t.Error("auto-approved notification must not require approval")
	}
}
