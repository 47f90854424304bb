package rowstore

import (
	"context"
	"testing"

	"github.com/kuuji/callwire/pkg/callproto"
)

func TestMemoryGateway_Insert(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	parentID := "parent-1"
	childID := "child-42"

	call, err := g.Insert(context.Background(), "key-1", InsertFields{
		ID:            "call-1",
		CallerType:    callproto.RoleParent,
		RecipientType: callproto.RoleChild,
		ParentID:      &parentID,
		ChildID:       &childID,
		Offer:         callproto.SessionDescription{Type: callproto.SDPTypeOffer, SDP: "v=0..."},
	})
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if call.Status != callproto.StatusRinging {
		t.Errorf("Status = %q, want %q", call.Status, callproto.StatusRinging)
	}
	if call.Offer == nil || call.Offer.SDP != "v=0..." {
		t.Errorf("Offer = %+v, want SDP \"v=0...\"", call.Offer)
	}
}

func TestMemoryGateway_Insert_Conflict(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	fields := InsertFields{ID: "call-1", CallerType: callproto.RoleParent, RecipientType: callproto.RoleChild}

	if _, err := g.Insert(context.Background(), "", fields); err != nil {
		t.Fatalf("first Insert() error: %v", err)
	}
	if _, err := g.Insert(context.Background(), "", fields); err != ErrConflict {
		t.Errorf("second Insert() error = %v, want ErrConflict", err)
	}
}

func TestMemoryGateway_Insert_IdempotencyKeyAvoidsConflict(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	fields := InsertFields{ID: "call-1", CallerType: callproto.RoleParent, RecipientType: callproto.RoleChild}

	first, err := g.Insert(context.Background(), "retry-key", fields)
	if err != nil {
		t.Fatalf("first Insert() error: %v", err)
	}
	second, err := g.Insert(context.Background(), "retry-key", fields)
	if err != nil {
		t.Fatalf("retried Insert() error = %v, want nil (idempotent)", err)
	}
	if first.ID != second.ID {
		t.Errorf("retried insert returned a different row: %q vs %q", second.ID, first.ID)
	}
	if g.UpdateCount("call-1") != 0 {
		t.Error("idempotent retry should not record an update")
	}
}

func TestMemoryGateway_Fetch_NotFound(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	if _, err := g.Fetch(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryGateway_Update_PartialPatchAndLastWriterWins(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	g.Seed(callproto.Call{ID: "call-1", Status: callproto.StatusRinging})

	active := callproto.StatusActive
	if err := g.Update(context.Background(), "call-1", callproto.Patch{Status: &active}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	answer := callproto.SessionDescription{Type: callproto.SDPTypeAnswer, SDP: "v=0 answer"}
	if err := g.Update(context.Background(), "call-1", callproto.Patch{Answer: &answer}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	row, ok := g.Row("call-1")
	if !ok {
		t.Fatal("Row() not found")
	}
	if row.Status != callproto.StatusActive {
		t.Errorf("Status = %q, want %q (should survive the later, disjoint update)", row.Status, callproto.StatusActive)
	}
	if row.Answer == nil || row.Answer.SDP != "v=0 answer" {
		t.Errorf("Answer = %+v, want SDP \"v=0 answer\"", row.Answer)
	}
	if g.UpdateCount("call-1") != 2 {
		t.Errorf("UpdateCount = %d, want 2", g.UpdateCount("call-1"))
	}
}

func TestMemoryGateway_Update_AppendOnlyICE(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	g.Seed(callproto.Call{ID: "call-1"})

	c1 := callproto.ICECandidate{Candidate: "candidate:1"}
	c2 := callproto.ICECandidate{Candidate: "candidate:2"}

	if err := g.Update(context.Background(), "call-1", callproto.Patch{AppendParentICE: []callproto.ICECandidate{c1}}); err != nil {
		t.Fatalf("first Update() error: %v", err)
	}
	if err := g.Update(context.Background(), "call-1", callproto.Patch{AppendParentICE: []callproto.ICECandidate{c2}}); err != nil {
		t.Fatalf("second Update() error: %v", err)
	}

	row, _ := g.Row("call-1")
	if len(row.ParentICECandidates) != 2 {
		t.Fatalf("ParentICECandidates len = %d, want 2 (append, not replace)", len(row.ParentICECandidates))
	}
	if row.ParentICECandidates[0].Candidate != "candidate:1" || row.ParentICECandidates[1].Candidate != "candidate:2" {
		t.Errorf("ParentICECandidates = %+v, want [candidate:1, candidate:2] in order", row.ParentICECandidates)
	}
}

func TestMemoryGateway_Update_NotFound(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	active := callproto.StatusActive
	if err := g.Update(context.Background(), "missing", callproto.Patch{Status: &active}); err != ErrNotFound {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryGateway_SubscribeInserts(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	ch, cancel, err := g.SubscribeInserts(context.Background(), callproto.RoleChild)
	if err != nil {
		t.Fatalf("SubscribeInserts() error: %v", err)
	}
	defer cancel()

	if ev := <-ch; ev.Kind != "subscribed" {
		t.Fatalf("first event Kind = %q, want \"subscribed\"", ev.Kind)
	}

	childID := "child-42"
	if _, err := g.Insert(context.Background(), "", InsertFields{
		ID: "call-1", CallerType: callproto.RoleParent, RecipientType: callproto.RoleChild, ChildID: &childID,
	}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	ev := <-ch
	if ev.Kind != "insert" || ev.CallID != "call-1" {
		t.Errorf("event = %+v, want insert for call-1", ev)
	}
}

func TestMemoryGateway_SubscribeInserts_FiltersByRecipientType(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	childCh, cancel, _ := g.SubscribeInserts(context.Background(), callproto.RoleChild)
	defer cancel()
	<-childCh // subscribed confirmation

	parentID := "parent-1"
	if _, err := g.Insert(context.Background(), "", InsertFields{
		ID: "call-1", CallerType: callproto.RoleChild, RecipientType: callproto.RoleParent, ParentID: &parentID,
	}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	select {
	case ev := <-childCh:
		t.Errorf("received unexpected event on child-filtered channel: %+v", ev)
	default:
	}
}

func TestMemoryGateway_Subscribe_DeliversUpdate(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	g.Seed(callproto.Call{ID: "call-1", Status: callproto.StatusRinging})

	ch, cancel, err := g.Subscribe(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer cancel()

	if ev := <-ch; ev.Kind != "subscribed" {
		t.Fatalf("first event Kind = %q, want \"subscribed\"", ev.Kind)
	}

	active := callproto.StatusActive
	if err := g.Update(context.Background(), "call-1", callproto.Patch{Status: &active}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	ev := <-ch
	if ev.Kind != "update" {
		t.Fatalf("event Kind = %q, want \"update\"", ev.Kind)
	}
	if _, ok := ev.Changed["status"]; !ok {
		t.Error("update event should carry the changed \"status\" key")
	}
	if _, ok := ev.Changed["offer"]; ok {
		t.Error("update event should not carry unchanged columns")
	}
}

func TestMemoryGateway_ListRecent_FiltersByProfile(t *testing.T) {
	t.Parallel()

	g := NewMemoryGateway()
	parentID := "parent-1"
	otherParentID := "parent-2"
	g.Seed(callproto.Call{ID: "call-1", ParentID: &parentID})
	g.Seed(callproto.Call{ID: "call-2", ParentID: &otherParentID})

	rows, err := g.ListRecent(context.Background(), "parent-1", 10)
	if err != nil {
		t.Fatalf("ListRecent() error: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "call-1" {
		t.Errorf("ListRecent(parent-1) = %+v, want only call-1", rows)
	}
}
