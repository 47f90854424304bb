// Package callfsm implements the call state machine (§4.G) as a
// github.com/looplab/fsm.FSM with an explicit transition table, rather than
// a hand-rolled switch — the re-architecture §9 calls for ("the state
// machine should be a pure reducer, not interleaved with I/O"): the
// transition table lives here, and every guard/I/O effect is wired in by
// the caller (internal/engine) via Callback, not by this package.
//
// There is no teacher analog (bamgate has no call lifecycle, just a
// connected/not-connected peer); this package is grounded on the pack's one
// looplab/fsm dependency (vendored in other_examples/manifests/
// arzzra-soft_phone/go.mod) for the library choice, and on the spec's own
// §4.G transition diagram for the table itself.
package callfsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// States, matching §4.G exactly.
const (
	StateIdle       = "idle"
	StateCalling    = "calling"
	StateRinging    = "ringing"
	StateConnecting = "connecting"
	StateInCall     = "in_call"
	StateEnded      = "ended"
)

// Events that drive transitions.
const (
	EventStartOutgoing  = "start_outgoing"
	EventInsertSeen     = "insert_seen"
	EventAccept         = "accept"
	EventReject         = "reject"
	EventStatusTerminal = "status_terminal" // status=rejected/missed, or a remote terminal status observed
	EventAnswerApplied  = "answer_applied"
	EventRTCConnected   = "rtc_connected"
	EventRTCTerminal    = "rtc_terminal" // ICE/peer connection failed or closed; NOT fired for "disconnected"
	EventEndCall        = "end_call"
)

// nonTerminal lists every state endCall/status_terminal can fire from (§4.G:
// "<any non-terminal> -> ended").
var nonTerminal = []string{StateIdle, StateCalling, StateRinging, StateConnecting, StateInCall}

// Callback is invoked once per actual transition, after the FSM has moved to
// dst. reason is a short human-readable cause, logged alongside the
// transition.
type Callback func(ctx context.Context, from, to, reason string)

// FSM wraps a looplab/fsm.FSM bound to one call id and role, adding the
// logging and once-only cleanup semantics §4.G requires.
type FSM struct {
	callID string
	role   string
	log    *slog.Logger

	onEnded     Callback
	endedOnce   sync.Once
	cleanupOnce func(ctx context.Context)

	inner *fsm.FSM
}

// Config configures a new FSM.
type Config struct {
	CallID string
	Role   string
	Logger *slog.Logger

	// OnTransition, if set, is called after every real state change, before
	// Cleanup fires for a transition into "ended".
	OnTransition Callback

	// Cleanup is invoked exactly once, the first time the FSM reaches
	// "ended" (§4.G: "cleanup fires exactly once").
	Cleanup func(ctx context.Context)
}

// New creates an FSM in the idle state, wired with the §4.G transition
// table.
func New(cfg Config) *FSM {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "callfsm", "call_id", cfg.CallID, "role", cfg.Role)

	f := &FSM{
		callID:      cfg.CallID,
		role:        cfg.Role,
		log:         log,
		onEnded:     cfg.OnTransition,
		cleanupOnce: cfg.Cleanup,
	}

	f.inner = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStartOutgoing, Src: []string{StateIdle}, Dst: StateCalling},
			{Name: EventInsertSeen, Src: []string{StateIdle}, Dst: StateRinging},
			{Name: EventAccept, Src: []string{StateRinging}, Dst: StateConnecting},
			{Name: EventReject, Src: []string{StateRinging}, Dst: StateEnded},
			{Name: EventAnswerApplied, Src: []string{StateCalling}, Dst: StateConnecting},
			{Name: EventRTCConnected, Src: []string{StateConnecting}, Dst: StateInCall},
			{Name: EventRTCTerminal, Src: []string{StateConnecting, StateInCall}, Dst: StateEnded},
			{Name: EventEndCall, Src: nonTerminal, Dst: StateEnded},
			{Name: EventStatusTerminal, Src: nonTerminal, Dst: StateEnded},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				f.handleTransition(ctx, e)
			},
		},
	)

	return f
}

// Current returns the current state.
func (f *FSM) Current() string {
	return f.inner.Current()
}

// Is reports whether the current state equals state.
func (f *FSM) Is(state string) bool {
	return f.inner.Is(state)
}

// Fire drives the FSM with event, passing reason through to the transition
// log and callback. Firing an event invalid for the current state (e.g. an
// event arriving after "ended") is not an error — it's logged at debug and
// ignored, since late/duplicate events from racing sources are expected
// (§4.D, §4.F), not a caller bug.
func (f *FSM) Fire(ctx context.Context, event, reason string) error {
	err := f.inner.Event(ctx, event, reason)

	switch err.(type) {
	case nil, fsm.NoTransitionError:
		return nil
	case fsm.InvalidEventError:
		f.log.Debug("ignoring event invalid for current state", "event", event, "state", f.Current(), "reason", reason)
		return nil
	default:
		return fmt.Errorf("firing %s: %w", event, err)
	}
}

func (f *FSM) handleTransition(ctx context.Context, e *fsm.Event) {
	reason, _ := e.Args[0].(string)
	if reason == "" {
		reason = e.Event
	}

	f.log.Info("call state transition", "from", e.Src, "to", e.Dst, "event", e.Event, "reason", reason)

	if f.onEnded != nil {
		f.onEnded(ctx, e.Src, e.Dst, reason)
	}

	if e.Dst == StateEnded && f.cleanupOnce != nil {
		f.endedOnce.Do(func() {
			f.cleanupOnce(ctx)
		})
	}
}
