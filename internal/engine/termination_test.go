package engine

import (
	"context"
	"testing"

	"github.com/kuuji/callwire/internal/callfsm"
	"github.com/kuuji/callwire/pkg/callproto"
)

func TestEndCall_NoOpWhenIdle(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, callproto.RoleParent, "parent-1")
	if err := e.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall() on idle engine error = %v, want nil", err)
	}
}

func TestEndCall_WritesEndedStatusAndClearsActiveCall(t *testing.T) {
	t.Parallel()

	e, gw, _ := newTestEngine(t, callproto.RoleParent, "parent-1")

	if err := e.StartOutgoingCall(context.Background(), "child-1"); err != nil {
		t.Fatalf("StartOutgoingCall() error: %v", err)
	}
	callID := e.CallID()

	if err := e.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall() error: %v", err)
	}

	if got := e.State(); got != callfsm.StateEnded {
		t.Errorf("State() = %q, want %q", got, callfsm.StateEnded)
	}
	if got := e.CallID(); got != "" {
		t.Errorf("CallID() = %q after EndCall, want empty", got)
	}

	row, ok := gw.Row(callID)
	if !ok {
		t.Fatal("row vanished after EndCall")
	}
	if row.Status.Canonical() != callproto.StatusEnded {
		t.Errorf("row.Status = %q after EndCall, want ended", row.Status)
	}
	if row.EndedBy == nil || *row.EndedBy != callproto.RoleParent {
		t.Errorf("row.EndedBy = %v, want parent", row.EndedBy)
	}
	if row.EndedAt == nil {
		t.Error("row.EndedAt is nil after EndCall, want a timestamp")
	}
}

func TestEndCall_SecondCallIsNoOp(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, callproto.RoleParent, "parent-1")

	if err := e.StartOutgoingCall(context.Background(), "child-1"); err != nil {
		t.Fatalf("StartOutgoingCall() error: %v", err)
	}
	if err := e.EndCall(context.Background()); err != nil {
		t.Fatalf("first EndCall() error: %v", err)
	}
	if err := e.EndCall(context.Background()); err != nil {
		t.Fatalf("second EndCall() on an already-ended call error = %v, want nil", err)
	}
}
