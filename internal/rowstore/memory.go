package rowstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kuuji/callwire/pkg/callproto"
)

// MemoryGateway is an in-memory Gateway, used by tests and by callctl's
// demo mode to run two local engines against each other without a
// database. It is the fake built the way the teacher's fake_test.go builds
// recording fakes: a mutex-guarded struct with small inspection helpers.
type MemoryGateway struct {
	mu sync.Mutex

	rows map[string]callproto.Call
	keys map[string]string // idempotencyKey -> id, for Insert dedupe

	subs map[string][]chan Event
	ins  map[callproto.Role][]chan Event

	updates []memoryUpdate // recorded for test assertions
}

type memoryUpdate struct {
	CallID string
	Patch  callproto.Patch
}

// NewMemoryGateway returns an empty MemoryGateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		rows: make(map[string]callproto.Call),
		keys: make(map[string]string),
		subs: make(map[string][]chan Event),
		ins:  make(map[callproto.Role][]chan Event),
	}
}

// Insert implements Gateway.
func (g *MemoryGateway) Insert(ctx context.Context, idempotencyKey string, fields InsertFields) (callproto.Call, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if idempotencyKey != "" {
		if existingID, ok := g.keys[idempotencyKey]; ok {
			return g.rows[existingID], nil
		}
	}

	if _, exists := g.rows[fields.ID]; exists {
		return callproto.Call{}, ErrConflict
	}

	call := callproto.Call{
		ID:             fields.ID,
		CallerType:     fields.CallerType,
		RecipientType:  fields.RecipientType,
		ParentID:       fields.ParentID,
		ChildID:        fields.ChildID,
		FamilyMemberID: fields.FamilyMemberID,
		Status:         callproto.StatusRinging,
		Offer:          &fields.Offer,
		CreatedAt:      time.Now(),
	}
	g.rows[fields.ID] = call
	if idempotencyKey != "" {
		g.keys[idempotencyKey] = fields.ID
	}

	g.notifyInsertLocked(call)

	return call, nil
}

// Fetch implements Gateway. columns is ignored; the in-memory gateway
// always returns the full row, which is a valid (if more generous) Fetch
// implementation per §4.B.
func (g *MemoryGateway) Fetch(ctx context.Context, id string, columns ...string) (callproto.Call, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	call, ok := g.rows[id]
	if !ok {
		return callproto.Call{}, ErrNotFound
	}
	return call, nil
}

// Update implements Gateway.
func (g *MemoryGateway) Update(ctx context.Context, id string, patch callproto.Patch) error {
	g.mu.Lock()

	call, ok := g.rows[id]
	if !ok {
		g.mu.Unlock()
		return ErrNotFound
	}

	changed := make(map[string]any)

	if patch.Status != nil {
		call.Status = *patch.Status
		changed["status"] = *patch.Status
	}
	if patch.Offer != nil {
		call.Offer = patch.Offer
		changed["offer"] = *patch.Offer
	}
	if patch.Answer != nil {
		call.Answer = patch.Answer
		changed["answer"] = *patch.Answer
	}
	if len(patch.AppendParentICE) > 0 {
		call.ParentICECandidates = append(call.ParentICECandidates, patch.AppendParentICE...)
		changed["parent_ice_candidates"] = call.ParentICECandidates
	}
	if len(patch.AppendChildICE) > 0 {
		call.ChildICECandidates = append(call.ChildICECandidates, patch.AppendChildICE...)
		changed["child_ice_candidates"] = call.ChildICECandidates
	}
	if patch.ParentID != nil {
		call.ParentID = patch.ParentID
		changed["parent_id"] = *patch.ParentID
	}
	if patch.ClearEndedAt {
		call.EndedAt = nil
		changed["ended_at"] = nil
	} else if patch.EndedAt != nil {
		call.EndedAt = patch.EndedAt
		changed["ended_at"] = *patch.EndedAt
	}
	if patch.EndedBy != nil {
		call.EndedBy = patch.EndedBy
		changed["ended_by"] = *patch.EndedBy
	}

	g.rows[id] = call
	g.updates = append(g.updates, memoryUpdate{CallID: id, Patch: patch})

	subs := append([]chan Event(nil), g.subs[id]...)
	g.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- Event{Kind: "update", CallID: id, Row: call, Changed: changed}:
		default:
		}
	}

	return nil
}

// Subscribe implements Gateway.
func (g *MemoryGateway) Subscribe(ctx context.Context, id string) (<-chan Event, func(), error) {
	ch := make(chan Event, 32)

	g.mu.Lock()
	g.subs[id] = append(g.subs[id], ch)
	g.mu.Unlock()

	ch <- Event{Kind: "subscribed", CallID: id}

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.subs[id] = removeChan(g.subs[id], ch)
		close(ch)
	}

	return ch, cancel, nil
}

// SubscribeInserts implements Gateway.
func (g *MemoryGateway) SubscribeInserts(ctx context.Context, recipientType callproto.Role) (<-chan Event, func(), error) {
	ch := make(chan Event, 32)

	g.mu.Lock()
	g.ins[recipientType] = append(g.ins[recipientType], ch)
	g.mu.Unlock()

	ch <- Event{Kind: "subscribed"}

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.ins[recipientType] = removeChan(g.ins[recipientType], ch)
		close(ch)
	}

	return ch, cancel, nil
}

// ListRecent implements Gateway.
func (g *MemoryGateway) ListRecent(ctx context.Context, profileID string, limit int) ([]callproto.Call, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	var out []callproto.Call
	for _, call := range g.rows {
		if involves(call, profileID) {
			out = append(out, call)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Gateway.
func (g *MemoryGateway) Close() error {
	return nil
}

func involves(call callproto.Call, profileID string) bool {
	for _, id := range []*string{call.ParentID, call.ChildID, call.FamilyMemberID} {
		if id != nil && *id == profileID {
			return true
		}
	}
	return false
}

func (g *MemoryGateway) notifyInsertLocked(call callproto.Call) {
	for _, ch := range g.ins[call.RecipientType] {
		select {
		case ch <- Event{Kind: "insert", CallID: call.ID, Row: call}:
		default:
		}
	}
}

// --- Test inspection helpers ---

// UpdateCount returns how many Update calls have been recorded for id.
func (g *MemoryGateway) UpdateCount(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, u := range g.updates {
		if u.CallID == id {
			n++
		}
	}
	return n
}

// Updates returns a copy of every patch recorded for id, in application
// order.
func (g *MemoryGateway) Updates(id string) []callproto.Patch {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []callproto.Patch
	for _, u := range g.updates {
		if u.CallID == id {
			out = append(out, u.Patch)
		}
	}
	return out
}

// Row returns a copy of the current row for id, for test assertions.
func (g *MemoryGateway) Row(id string) (callproto.Call, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	call, ok := g.rows[id]
	return call, ok
}

// Seed inserts a row directly, bypassing Insert's conflict/idempotency
// checks, so tests can set up arbitrary starting states.
func (g *MemoryGateway) Seed(call callproto.Call) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rows[call.ID] = call
}

// SimulateTransportError broadcasts a Kind == "error" Event on id's
// per-call subscription channels, the in-memory stand-in for a dropped
// LISTEN/NOTIFY connection or relay WebSocket, so tests can exercise a
// subscriber's polling-fallback resume path (§4.E) without a real
// Postgres instance.
func (g *MemoryGateway) SimulateTransportError(id string) {
	g.mu.Lock()
	chans := append([]chan Event(nil), g.subs[id]...)
	g.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- Event{Kind: "error", CallID: id}:
		default:
		}
	}
}
