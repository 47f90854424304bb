package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/kuuji/callwire/internal/callfsm"
	"github.com/kuuji/callwire/internal/media"
	"github.com/kuuji/callwire/internal/rowstore"
	"github.com/kuuji/callwire/pkg/callproto"
)

func TestStartOutgoingCall_InsertsRingingRowWithOffer(t *testing.T) {
	t.Parallel()

	e, gw, provider := newTestEngine(t, callproto.RoleParent, "parent-1")

	if err := e.StartOutgoingCall(context.Background(), "child-1"); err != nil {
		t.Fatalf("StartOutgoingCall() error: %v", err)
	}

	callID := e.CallID()
	if callID == "" {
		t.Fatal("CallID() = \"\" after StartOutgoingCall, want non-empty")
	}

	row, ok := gw.Row(callID)
	if !ok {
		t.Fatalf("no row inserted for call id %q", callID)
	}
	if row.Status.Canonical() != callproto.StatusRinging {
		t.Errorf("row.Status = %q, want ringing", row.Status)
	}
	if row.CallerType != callproto.RoleParent {
		t.Errorf("row.CallerType = %q, want parent", row.CallerType)
	}
	if row.RecipientType != callproto.RoleChild {
		t.Errorf("row.RecipientType = %q, want child", row.RecipientType)
	}
	if row.ParentID == nil || *row.ParentID != "parent-1" {
		t.Errorf("row.ParentID = %v, want parent-1", row.ParentID)
	}
	if row.ChildID == nil || *row.ChildID != "child-1" {
		t.Errorf("row.ChildID = %v, want child-1", row.ChildID)
	}
	if row.Offer == nil || row.Offer.SDP == "" {
		t.Error("row.Offer is nil or empty, want a generated SDP offer")
	}

	if got := e.State(); got != callfsm.StateCalling {
		t.Errorf("State() = %q, want %q", got, callfsm.StateCalling)
	}
	if provider.AcquireCalls() != 1 {
		t.Errorf("AcquireCalls() = %d, want 1", provider.AcquireCalls())
	}
}

func TestStartOutgoingCall_RejectsSecondCallWhileOneActive(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, callproto.RoleParent, "parent-1")

	if err := e.StartOutgoingCall(context.Background(), "child-1"); err != nil {
		t.Fatalf("first StartOutgoingCall() error: %v", err)
	}
	if err := e.StartOutgoingCall(context.Background(), "child-2"); err == nil {
		t.Error("second StartOutgoingCall() while one is active: error = nil, want error")
	}
}

func TestStartOutgoingCall_DeviceBusyIsNotFatal(t *testing.T) {
	t.Parallel()

	e, gw, provider := newTestEngine(t, callproto.RoleParent, "parent-1")
	provider.FailNextAcquire(media.ErrDeviceBusy)

	if err := e.StartOutgoingCall(context.Background(), "child-1"); err != nil {
		t.Fatalf("StartOutgoingCall() with device busy: error = %v, want nil", err)
	}

	callID := e.CallID()
	row, ok := gw.Row(callID)
	if !ok {
		t.Fatal("no row inserted despite device-busy media failure")
	}
	if row.Offer == nil {
		t.Error("row.Offer is nil, want an offer even without local media")
	}
}

func TestStartOutgoingCall_FatalMediaErrorAbortsCall(t *testing.T) {
	t.Parallel()

	e, gw, provider := newTestEngine(t, callproto.RoleParent, "parent-1")
	provider.FailNextAcquire(errors.New("camera hardware fault"))

	err := e.StartOutgoingCall(context.Background(), "child-1")
	if err == nil {
		t.Fatal("StartOutgoingCall() with fatal media error: error = nil, want error")
	}
	if got := e.State(); got != callfsm.StateIdle {
		t.Errorf("State() after aborted outgoing call = %q, want %q", got, callfsm.StateIdle)
	}
	if e.CallID() != "" {
		t.Errorf("CallID() = %q after aborted call, want empty", e.CallID())
	}
	if _, ok := gw.Row(e.CallID()); ok {
		t.Error("a row was inserted despite the call aborting before the insert step")
	}
}

func TestStartOutgoingCall_FamilyMemberResolvesParentID(t *testing.T) {
	t.Parallel()

	gw := rowstore.NewMemoryGateway()
	provider := media.NewFakeProvider()
	e, err := New(Config{
		Deps: Deps{
			Gateway:       gw,
			MediaProvider: provider,
			ParentLookup: func(childID string) (string, bool) {
				if childID == "child-1" {
					return "parent-9", true
				}
				return "", false
			},
		},
		Role:      callproto.RoleFamilyMember,
		ProfileID: "aunt-1",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := e.StartOutgoingCall(context.Background(), "child-1"); err != nil {
		t.Fatalf("StartOutgoingCall() error: %v", err)
	}

	row, ok := gw.Row(e.CallID())
	if !ok {
		t.Fatal("no row inserted")
	}
	if row.FamilyMemberID == nil || *row.FamilyMemberID != "aunt-1" {
		t.Errorf("row.FamilyMemberID = %v, want aunt-1", row.FamilyMemberID)
	}
	if row.ParentID == nil || *row.ParentID != "parent-9" {
		t.Errorf("row.ParentID = %v, want parent-9 (resolved via ParentLookup)", row.ParentID)
	}
}
