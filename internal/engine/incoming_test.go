package engine

import (
	"context"
	"testing"

	"github.com/kuuji/callwire/internal/callfsm"
	"github.com/kuuji/callwire/internal/rowstore"
	"github.com/kuuji/callwire/internal/rtc"
	"github.com/kuuji/callwire/pkg/callproto"
)

// rowstoreInsertFields builds the InsertFields for a parent-initiated call
// to childID, the shape the outgoing call handler on the parent's side
// would have produced.
func rowstoreInsertFields(parentID, childID string, offer callproto.SessionDescription) rowstore.InsertFields {
	return rowstore.InsertFields{
		ID:            "call-1",
		CallerType:    callproto.RoleParent,
		RecipientType: callproto.RoleChild,
		ParentID:      &parentID,
		ChildID:       &childID,
		Offer:         offer,
	}
}

// fakeOffer builds a real SDP offer from a throwaway peer, the way a remote
// caller's engine would generate one, so AcceptIncomingCall has a genuine
// offer to apply rather than a placeholder string.
func fakeOffer(t *testing.T) callproto.SessionDescription {
	t.Helper()
	peer, err := rtc.NewPeer(rtc.PeerConfig{ICE: rtc.ICEConfig{}, LocalID: "remote-caller"})
	if err != nil {
		t.Fatalf("NewPeer() for fake offer: %v", err)
	}
	defer peer.Close()

	if err := peer.EnsureReceiveTransceivers(); err != nil {
		t.Fatalf("EnsureReceiveTransceivers() error: %v", err)
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error: %v", err)
	}
	return callproto.SessionDescription{Type: callproto.SDPTypeOffer, SDP: offer.SDP}
}

func TestOnIncomingInsert_RingsOnMatchingRow(t *testing.T) {
	t.Parallel()

	e, gw, _ := newTestEngine(t, callproto.RoleChild, "child-1")

	offer := fakeOffer(t)
	parentID := "parent-1"
	childID := "child-1"
	row, err := gw.Insert(context.Background(), "call-1", rowstoreInsertFields(parentID, childID, offer))
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	e.onIncomingInsert(context.Background(), row)

	if got := e.State(); got != callfsm.StateRinging {
		t.Errorf("State() = %q, want %q", got, callfsm.StateRinging)
	}
	if got := e.CallID(); got != "call-1" {
		t.Errorf("CallID() = %q, want call-1", got)
	}
}

func TestOnIncomingInsert_IgnoresMismatchedParticipant(t *testing.T) {
	t.Parallel()

	e, gw, _ := newTestEngine(t, callproto.RoleChild, "child-1")

	offer := fakeOffer(t)
	parentID := "parent-1"
	otherChild := "child-2"
	row, err := gw.Insert(context.Background(), "call-1", rowstoreInsertFields(parentID, otherChild, offer))
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	e.onIncomingInsert(context.Background(), row)

	if got := e.State(); got != callfsm.StateIdle {
		t.Errorf("State() = %q after mismatched insert, want %q", got, callfsm.StateIdle)
	}
}

func TestAcceptIncomingCall_TransitionsToConnecting(t *testing.T) {
	t.Parallel()

	e, gw, provider := newTestEngine(t, callproto.RoleChild, "child-1")

	offer := fakeOffer(t)
	parentID := "parent-1"
	childID := "child-1"
	row, err := gw.Insert(context.Background(), "call-1", rowstoreInsertFields(parentID, childID, offer))
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	e.onIncomingInsert(context.Background(), row)

	if err := e.AcceptIncomingCall(context.Background(), "call-1"); err != nil {
		t.Fatalf("AcceptIncomingCall() error: %v", err)
	}

	if got := e.State(); got != callfsm.StateConnecting {
		t.Errorf("State() = %q, want %q", got, callfsm.StateConnecting)
	}
	if provider.AcquireCalls() == 0 {
		t.Error("AcquireCalls() = 0, want at least 1 (pre-warm and/or accept)")
	}

	updated, ok := gw.Row("call-1")
	if !ok {
		t.Fatal("row vanished after accept")
	}
	if updated.Answer == nil || updated.Answer.SDP == "" {
		t.Error("row.Answer is nil or empty after accept, want a generated SDP answer")
	}
	if updated.Status.Canonical() != callproto.StatusActive {
		t.Errorf("row.Status = %q after accept, want active", updated.Status)
	}
}

func TestRejectIncomingCall_WritesRejectedAndEnds(t *testing.T) {
	t.Parallel()

	e, gw, _ := newTestEngine(t, callproto.RoleChild, "child-1")

	offer := fakeOffer(t)
	parentID := "parent-1"
	childID := "child-1"
	row, err := gw.Insert(context.Background(), "call-1", rowstoreInsertFields(parentID, childID, offer))
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	e.onIncomingInsert(context.Background(), row)

	if err := e.RejectIncomingCall(context.Background(), "call-1"); err != nil {
		t.Fatalf("RejectIncomingCall() error: %v", err)
	}

	if got := e.State(); got != callfsm.StateEnded {
		t.Errorf("State() = %q, want %q", got, callfsm.StateEnded)
	}
	if e.CallID() != "" {
		t.Errorf("CallID() = %q after reject, want empty", e.CallID())
	}

	updated, ok := gw.Row("call-1")
	if !ok {
		t.Fatal("row vanished after reject")
	}
	if updated.Status.Canonical() != callproto.StatusRejected {
		t.Errorf("row.Status = %q after reject, want rejected", updated.Status)
	}
}
