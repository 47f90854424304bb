// Package rowstore implements the Call Record Gateway (§4.B): typed
// insert/fetch/update/subscribe operations on the shared `calls` table, plus
// the subscribe_inserts primitive callees use to detect incoming rings.
//
// Gateway is the contract every other component programs against; Postgres
// (via pgx and LISTEN/NOTIFY) is the concrete implementation, with an
// in-memory fake for tests and the callctl demo CLI.
package rowstore

import (
	"context"
	"errors"

	"github.com/kuuji/callwire/pkg/callproto"
)

// Sentinel errors forming the §7 error taxonomy this package is responsible
// for. Callers use errors.Is against these; everything else is a plain
// wrapped error that the caller treats as a TransientStoreError and retries.
var (
	// ErrConflict is returned by Insert when a row with the given id
	// already exists.
	ErrConflict = errors.New("rowstore: call already exists")

	// ErrNotFound is returned by Fetch/Update when no row matches id.
	ErrNotFound = errors.New("rowstore: call not found")

	// ErrPermissionDenied is fatal for the call that triggered it (§7).
	ErrPermissionDenied = errors.New("rowstore: permission denied")

	// ErrValidation covers id mismatches, wrong recipient_type, missing
	// offer, or an already-terminal status on the targeted row (§7).
	ErrValidation = errors.New("rowstore: validation failed")
)

// Event wraps a realtime notification from Subscribe/SubscribeInserts. Kind
// is one of "insert", "update", "subscribed", or "error"; for "update",
// Changed holds only the columns that actually changed — callers must not
// assume a delivered event contains a full row (§4.B). Kind "error" signals
// that the underlying realtime transport (LISTEN/NOTIFY, or a relay
// WebSocket in the remote topology) is degraded; per §4.E, a subscriber
// must fall back to polling until it sees a working subscription again.
type Event struct {
	Kind    string
	CallID  string
	Row     callproto.Call
	Changed map[string]any
}

// InsertFields is the set of columns the outgoing call handler (§4.H) sets
// on row creation.
type InsertFields struct {
	ID             string
	CallerType     callproto.Role
	RecipientType  callproto.Role
	ParentID       *string
	ChildID        *string
	FamilyMemberID *string
	Offer          callproto.SessionDescription
}

// Gateway is the Call Record Gateway contract (§4.B). Implementations must
// honor: insert fails with ErrConflict on duplicate id; update is
// last-writer-wins on overlapping fields; subscribe delivers UPDATE events
// that may omit unchanged columns.
type Gateway interface {
	// Insert creates a new ringing call row. idempotencyKey lets retried
	// inserts after a TransientStoreError avoid double-creating a row
	// (supplemented feature, grounded on the teacher's reconnect/rejoin
	// retry discipline); implementations treat a repeated idempotency key
	// for the same id as a no-op success rather than ErrConflict.
	Insert(ctx context.Context, idempotencyKey string, fields InsertFields) (callproto.Call, error)

	// Fetch returns the current row. columns, if non-empty, restricts
	// which fields are guaranteed populated; implementations may return a
	// partial row when columns is set.
	Fetch(ctx context.Context, id string, columns ...string) (callproto.Call, error)

	// Update applies patch to the row identified by id. Concurrent
	// updates to disjoint fields both survive; concurrent updates to the
	// same field are last-writer-wins.
	Update(ctx context.Context, id string, patch callproto.Patch) error

	// Subscribe delivers UPDATE events for one call id until the returned
	// function is called; canceling ctx does not end delivery. The initial event
	// channel receives a synthetic "subscribed" confirmation (Kind ==
	// "subscribed") once the subscription is active, mirroring §4.E's
	// lifecycle requirement that callers stop polling on SUBSCRIBED.
	Subscribe(ctx context.Context, id string) (<-chan Event, func(), error)

	// SubscribeInserts delivers INSERT events whose recipient_type equals
	// recipientType. Used by callees to detect incoming rings (§4.A,
	// §4.E channel 1).
	SubscribeInserts(ctx context.Context, recipientType callproto.Role) (<-chan Event, func(), error)

	// ListRecent returns up to limit of profileID's most recent calls,
	// newest first (supplemented feature: a flat history list, distinct
	// from the excluded call-history analytics Non-goal).
	ListRecent(ctx context.Context, profileID string, limit int) ([]callproto.Call, error)

	// Close releases any resources held by the gateway (connection pool,
	// notification listener goroutine).
	Close() error
}
