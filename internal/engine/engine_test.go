package engine

import (
	"context"
	"testing"

	"github.com/kuuji/callwire/internal/callfsm"
	"github.com/kuuji/callwire/internal/media"
	"github.com/kuuji/callwire/internal/rowstore"
	"github.com/kuuji/callwire/pkg/callproto"
)

func newTestEngine(t *testing.T, role callproto.Role, profileID string) (*Engine, *rowstore.MemoryGateway, *media.FakeProvider) {
	t.Helper()

	gw := rowstore.NewMemoryGateway()
	provider := media.NewFakeProvider()

	e, err := New(Config{
		Deps: Deps{
			Gateway:       gw,
			MediaProvider: provider,
		},
		Role:      role,
		ProfileID: profileID,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e, gw, provider
}

func TestNew_UnknownRole(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Role: callproto.Role("grandparent"), ProfileID: "p1"})
	if err == nil {
		t.Fatal("New() error = nil, want error for unknown role")
	}
}

func TestEngine_IdleState(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, callproto.RoleParent, "parent-1")

	if got := e.State(); got != callfsm.StateIdle {
		t.Errorf("State() = %q, want %q", got, callfsm.StateIdle)
	}
	if got := e.CallID(); got != "" {
		t.Errorf("CallID() = %q, want empty", got)
	}
	if e.IsMuted() {
		t.Error("IsMuted() = true with no active call, want false")
	}
	if e.IsVideoOff() {
		t.Error("IsVideoOff() = true with no active call, want false")
	}
	if _, ok := e.LocalTracks(); ok {
		t.Error("LocalTracks() ok = true with no active call, want false")
	}
	if audio, video := e.RemoteTracks(); audio != nil || video != nil {
		t.Error("RemoteTracks() returned non-nil tracks with no active call")
	}

	// Toggles and EndCall must be no-ops when idle, not panics.
	e.ToggleMute()
	e.ToggleVideo()
	if err := e.EndCall(context.Background()); err != nil {
		t.Errorf("EndCall() on idle engine error = %v, want nil", err)
	}
}

func TestEngine_AcceptReject_RequireActiveCall(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, callproto.RoleChild, "child-1")

	if err := e.AcceptIncomingCall(context.Background(), "no-such-call"); err == nil {
		t.Error("AcceptIncomingCall() with no active call: error = nil, want error")
	}
	if err := e.RejectIncomingCall(context.Background(), "no-such-call"); err == nil {
		t.Error("RejectIncomingCall() with no active call: error = nil, want error")
	}
}
