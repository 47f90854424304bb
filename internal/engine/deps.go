// Package engine wires the Role Router, Call Record Gateway, ICE Exchange,
// Answer Applier, Realtime Subscriber (via the Gateway's own subscription
// primitive), Polling Fallback, State Machine, and Media Pre-warm/Cleanup
// into the Outgoing Call Handler (§4.H), Incoming Call Handler (§4.I), and
// Termination Coordinator (§4.J), and exposes the Engine API (§6) a host
// surface drives.
//
// Grounded on the teacher's internal/agent.Agent: Deps mirrors
// internal/agent/deps.go's interface-per-concern shape, and Engine's
// Run/processing-loop structure mirrors Agent.Run/processMessages — a
// sequential setup phase followed by a dispatch loop over inbound events,
// with a mutex-guarded map of live state (there, one peerState per remote
// peer; here, at most one callState, since an endpoint handles one call at
// a time) and a cleanup path that releases every resource exactly once.
package engine

import (
	"log/slog"
	"time"

	"github.com/kuuji/callwire/internal/media"
	"github.com/kuuji/callwire/internal/metrics"
	"github.com/kuuji/callwire/internal/rowstore"
	"github.com/kuuji/callwire/internal/rtc"
)

// ParentLookup resolves the parent id of a child, used when a family
// member initiates a call so the row can carry the authorization-context
// parent_id the Role Router names (§4.A). Returns false if no parent is on
// file; the engine proceeds without populating parent_id in that case.
type ParentLookup func(childID string) (parentID string, ok bool)

// Deps bundles the Engine's collaborators. Every field is a small
// interface or a plain value, so tests substitute rowstore.MemoryGateway
// and media.FakeProvider in place of a Postgres gateway and a real camera.
type Deps struct {
	// Gateway is the Call Record Gateway (§4.B): rowstore.PostgresGateway in
	// production, rowstore.MemoryGateway in tests and the callctl demo. Its
	// Subscribe and SubscribeInserts methods also serve as the realtime
	// subscription primitive the row-store contract requires (§6), delivered
	// directly in-process — the engine talks to the gateway, not to
	// internal/realtime's relay wire protocol.
	Gateway rowstore.Gateway

	// ICE carries the STUN/TURN server configuration used for every RTC
	// peer the engine creates.
	ICE rtc.ICEConfig

	// MediaProvider acquires local audio/video tracks. Shared across
	// calls; internal/media.Manager wraps it per call attempt.
	MediaProvider media.Provider

	// Metrics records call lifecycle counters/histograms (supplemented
	// feature). May be left nil, in which case recording is skipped.
	Metrics *metrics.Recorder

	// ParentLookup resolves a child's parent id for family-member-
	// initiated calls (§4.A). May be nil, in which case parent_id is left
	// unset on such rows.
	ParentLookup ParentLookup

	// PollInterval overrides the §4.F polling fallback interval; defaults
	// to polling.DefaultInterval when zero.
	PollInterval time.Duration

	// Logger is the structured logger every component scopes off of. If
	// nil, slog.Default() is used.
	Logger *slog.Logger
}
