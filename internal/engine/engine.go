package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kuuji/callwire/internal/answer"
	"github.com/kuuji/callwire/internal/callfsm"
	"github.com/kuuji/callwire/internal/ice"
	"github.com/kuuji/callwire/internal/media"
	"github.com/kuuji/callwire/internal/metrics"
	"github.com/kuuji/callwire/internal/polling"
	"github.com/kuuji/callwire/internal/role"
	"github.com/kuuji/callwire/internal/rowstore"
	"github.com/kuuji/callwire/internal/rtc"
	"github.com/kuuji/callwire/pkg/callproto"
)

// Config configures a new Engine.
type Config struct {
	Deps Deps

	// Role and ProfileID identify this endpoint; Role resolves a
	// role.Route via the Role Router (§4.A).
	Role      callproto.Role
	ProfileID string

	// OnNotify surfaces a user-visible notification (§4.J: remote-initiated
	// terminations produce one, self-initiated terminations do not). May
	// be nil.
	OnNotify func(message string)

	// OnRedirect requests the host navigate to the role-specific home
	// surface on entering "ended" (§6 Redirect contract). The engine only
	// requests navigation; route strings are a host concern. May be nil.
	OnRedirect func(role callproto.Role)

	Logger *slog.Logger
}

// Engine drives one endpoint's call lifecycle: it listens for incoming
// rings, exposes the Engine API (§6) for a host to start/accept/reject/end
// calls, and owns at most one active call's collaborators at a time.
type Engine struct {
	deps      Deps
	myRole    role.Route
	profileID string
	log       *slog.Logger

	onNotify   func(message string)
	onRedirect func(role callproto.Role)

	mu        sync.Mutex
	call      *callState
	lastState string
}

// callState bundles every collaborator scoped to one call attempt. A new
// callState is created per call id and discarded once the call's FSM
// reaches "ended" (§3: a new ICE Exchange/Applier/ever is created per
// call, rather than reused).
type callState struct {
	id    string
	route role.Route

	peer        *rtc.Peer
	iceExchange *ice.Exchange
	applier     *answer.Applier
	media       *media.Manager
	fsm         *callfsm.FSM

	answerPoller *polling.AnswerPoller
	icePoller    *polling.ICEPoller
	unsubscribe  func()

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	muted        bool
	videoEnabled bool
	reason       metrics.Reason
	remoteAudio  *webrtc.TrackRemote
	remoteVideo  *webrtc.TrackRemote
}

// New creates an Engine for one endpoint. It does not start listening for
// incoming calls; call Run for that.
func New(cfg Config) (*Engine, error) {
	route, ok := role.Resolve(cfg.Role)
	if !ok {
		return nil, fmt.Errorf("engine: unknown role %q", cfg.Role)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "engine", "role", cfg.Role, "profile_id", cfg.ProfileID)

	return &Engine{
		deps:       cfg.Deps,
		myRole:     route,
		profileID:  cfg.ProfileID,
		log:        log,
		onNotify:   cfg.OnNotify,
		onRedirect: cfg.OnRedirect,
	}, nil
}

// Run subscribes to the incoming-call channel (§4.E channel 1) and
// dispatches INSERT events until ctx is canceled. It blocks until then.
// A single goroutine is run via errgroup so additional long-lived watchers
// can be added the same way without changing Run's shutdown semantics.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.runIncomingSubscription(gctx)
	})

	err := g.Wait()
	e.shutdown()
	return err
}

func (e *Engine) runIncomingSubscription(ctx context.Context) error {
	ch, cancel, err := e.deps.Gateway.SubscribeInserts(ctx, e.myRole.RecipientTypeFilter)
	if err != nil {
		return fmt.Errorf("subscribing to incoming calls: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("incoming-call subscription closed")
			}
			if ev.Kind != "insert" {
				continue
			}
			e.onIncomingInsert(ctx, ev.Row)
		}
	}
}

// shutdown force-releases the active call's resources regardless of state
// (§4.K: "on component unmount... force cleanup regardless of state").
func (e *Engine) shutdown() {
	e.mu.Lock()
	cs := e.call
	e.mu.Unlock()
	if cs == nil {
		return
	}
	cs.media.ForceRelease()
	if cs.peer != nil {
		_ = cs.peer.Close()
	}
	if cs.answerPoller != nil {
		cs.answerPoller.Stop()
	}
	if cs.icePoller != nil {
		cs.icePoller.Stop()
	}
	if cs.unsubscribe != nil {
		cs.unsubscribe()
	}
	if cs.cancel != nil {
		cs.cancel()
	}
}

// State returns the current CallState: the active call's FSM state (§4.G)
// while a call is active; "ended" once the last active call has ended;
// otherwise "idle" (before any call, or after an outgoing call that failed
// before it became the active call).
func (e *Engine) State() string {
	e.mu.Lock()
	cs := e.call
	last := e.lastState
	e.mu.Unlock()
	if cs == nil {
		if last != "" {
			return last
		}
		return callfsm.StateIdle
	}
	return cs.fsm.Current()
}

// CallID returns the active call's id, or "" when no call is active.
func (e *Engine) CallID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call == nil {
		return ""
	}
	return e.call.id
}

// IsMuted reports whether the local audio track is currently muted.
func (e *Engine) IsMuted() bool {
	e.mu.Lock()
	cs := e.call
	e.mu.Unlock()
	if cs == nil {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.muted
}

// IsVideoOff reports whether the local video track is currently disabled.
func (e *Engine) IsVideoOff() bool {
	e.mu.Lock()
	cs := e.call
	e.mu.Unlock()
	if cs == nil {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return !cs.videoEnabled
}

// LocalTracks returns the local sender tracks for the active call, if any
// have been acquired.
func (e *Engine) LocalTracks() (media.Tracks, bool) {
	e.mu.Lock()
	cs := e.call
	e.mu.Unlock()
	if cs == nil || !cs.media.HasMedia() {
		return media.Tracks{}, false
	}
	tracks, err := cs.media.Ensure(cs.ctx)
	if err != nil {
		return media.Tracks{}, false
	}
	return tracks, true
}

// RemoteTracks returns the remote audio/video tracks received for the
// active call, if any have arrived yet.
func (e *Engine) RemoteTracks() (audio, video *webrtc.TrackRemote) {
	e.mu.Lock()
	cs := e.call
	e.mu.Unlock()
	if cs == nil {
		return nil, nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.remoteAudio, cs.remoteVideo
}

// ToggleMute flips the local audio track's enabled flag (§6: no-op if no
// tracks exist).
func (e *Engine) ToggleMute() {
	e.mu.Lock()
	cs := e.call
	e.mu.Unlock()
	if cs == nil || !cs.media.HasMedia() {
		return
	}
	cs.mu.Lock()
	cs.muted = !cs.muted
	muted := cs.muted
	cs.mu.Unlock()
	cs.media.SetMuted(muted)
}

// ToggleVideo flips the local video track's enabled flag (§6: no-op if no
// tracks exist).
func (e *Engine) ToggleVideo() {
	e.mu.Lock()
	cs := e.call
	e.mu.Unlock()
	if cs == nil || !cs.media.HasMedia() {
		return
	}
	cs.mu.Lock()
	cs.videoEnabled = !cs.videoEnabled
	enabled := cs.videoEnabled
	cs.mu.Unlock()
	cs.media.SetVideoEnabled(enabled)
}

// newCallState creates every per-call collaborator: the RTC peer (with its
// local-ICE/track/state-change callbacks wired to this engine), the ICE
// Exchange, the Answer Applier, the Media Manager, and the state machine,
// whose Cleanup callback releases all of the above exactly once (§4.J).
func (e *Engine) newCallState(callID string) (*callState, error) {
	cs := &callState{
		id:           callID,
		route:        e.myRole,
		videoEnabled: true,
	}
	cs.ctx, cs.cancel = context.WithCancel(context.Background())

	log := e.log.With("call_id", callID)

	var iceEx *ice.Exchange

	peer, err := rtc.NewPeer(rtc.PeerConfig{
		ICE:      e.deps.ICE,
		LocalID:  e.profileID,
		RemoteID: "",
		Logger:   log,
		OnICECandidate: func(c *webrtc.ICECandidate) {
			var candidate callproto.ICECandidate
			if c != nil {
				init := c.ToJSON()
				candidate = callproto.ICECandidate{
					Candidate:     init.Candidate,
					SDPMLineIndex: init.SDPMLineIndex,
					SDPMid:        init.SDPMid,
				}
			}
			if iceEx == nil {
				return
			}
			if werr := iceEx.EnqueueLocalCandidate(cs.ctx, candidate); werr != nil {
				log.Warn("enqueueing local ICE candidate", "error", werr)
			}
		},
		OnTrack: func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			cs.mu.Lock()
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				cs.remoteAudio = track
			case webrtc.RTPCodecTypeVideo:
				cs.remoteVideo = track
			}
			cs.mu.Unlock()
		},
		OnICEConnectionStateChange: func(state webrtc.ICEConnectionState) {
			e.onICEConnectionStateChange(cs, state)
		},
	})
	if err != nil {
		cs.cancel()
		return nil, fmt.Errorf("creating RTC peer: %w", err)
	}
	cs.peer = peer

	cs.applier = answer.New(callID, peer, answer.Effects{
		StopWatchers: func() {
			if cs.answerPoller != nil {
				cs.answerPoller.Stop()
			}
		},
		FlushICE: func() {
			if iceEx != nil {
				iceEx.FlushBufferedIce()
			}
		},
		Connecting: func() {
			cs.fsm.Fire(cs.ctx, callfsm.EventAnswerApplied, "answer applied")
		},
	}, log)

	iceEx = ice.New(ice.Config{
		RTC:    peer,
		Write:  e.localCandidateWriter(cs),
		Logger: log,
	})
	cs.iceExchange = iceEx

	cs.media = media.NewManager(e.deps.MediaProvider, log)

	cs.fsm = callfsm.New(callfsm.Config{
		CallID: callID,
		Role:   string(e.myRole.Role),
		Logger: log,
		OnTransition: func(ctx context.Context, from, to, reason string) {
			if e.deps.Metrics != nil {
				e.deps.Metrics.Transition(from, to)
			}
		},
		Cleanup: func(ctx context.Context) {
			e.cleanupCall(cs)
		},
	})

	return cs, nil
}

func (e *Engine) onICEConnectionStateChange(cs *callState, state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		cs.fsm.Fire(cs.ctx, callfsm.EventRTCConnected, "ice "+state.String())
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		cs.mu.Lock()
		cs.reason = metrics.ReasonFailed
		cs.mu.Unlock()
		cs.fsm.Fire(cs.ctx, callfsm.EventRTCTerminal, "ice "+state.String())
	case webrtc.ICEConnectionStateDisconnected:
		// Transient; must not drive a transition (§5, §8 invariant 7).
		e.log.Debug("transient ICE disconnect", "call_id", cs.id)
	}
}

// cleanupCall is the FSM Cleanup callback, invoked exactly once per call
// when it enters "ended" regardless of which path got it there (§4.J).
func (e *Engine) cleanupCall(cs *callState) {
	if cs.answerPoller != nil {
		cs.answerPoller.Stop()
	}
	if cs.icePoller != nil {
		cs.icePoller.Stop()
	}
	if cs.unsubscribe != nil {
		cs.unsubscribe()
	}
	cs.media.Release()
	if cs.peer != nil {
		_ = cs.peer.Close()
	}
	if cs.cancel != nil {
		cs.cancel()
	}

	e.mu.Lock()
	if e.call == cs {
		e.call = nil
		e.lastState = callfsm.StateEnded
	} else if e.call == nil {
		e.lastState = callfsm.StateIdle
	}
	e.mu.Unlock()

	cs.mu.Lock()
	reason := cs.reason
	cs.mu.Unlock()
	if reason != "" && e.deps.Metrics != nil {
		e.deps.Metrics.CallEnded(reason)
	}

	if e.onRedirect != nil {
		e.onRedirect(e.myRole.Role)
	}
}

func (e *Engine) notify(message string) {
	if e.onNotify != nil {
		e.onNotify(message)
	}
}

// startCallSubscription subscribes to the per-call channel (§4.E channel
// 2) and starts the ICE polling fallback (§4.F), shared by both the
// outgoing and incoming call handlers.
func (e *Engine) startCallSubscription(cs *callState) {
	ch, cancel, err := e.deps.Gateway.Subscribe(cs.ctx, cs.id)
	if err != nil {
		e.log.Warn("subscribing to per-call channel", "error", err, "call_id", cs.id)
	} else {
		cs.unsubscribe = cancel
		go func() {
			for ev := range ch {
				e.handleCallEvent(cs.ctx, cs, ev)
			}
		}()
	}

	cs.icePoller = polling.NewICEPoller(cs.id, cs.peer, e.iceFetcher(cs), cs.iceExchange, e.deps.PollInterval, e.log)
	cs.icePoller.Start(cs.ctx)
}

func (e *Engine) handleCallEvent(ctx context.Context, cs *callState, ev rowstore.Event) {
	switch ev.Kind {
	case "subscribed":
		e.log.Debug("per-call realtime subscription confirmed", "call_id", cs.id)
		if cs.answerPoller != nil {
			cs.answerPoller.Stop()
		}
		if cs.icePoller != nil {
			cs.icePoller.Stop()
		}
	case "update":
		e.handleCallUpdate(ctx, cs, ev)
	case "error":
		e.log.Warn("realtime transport degraded, resuming polling fallback", "call_id", cs.id)
		e.resumePolling(cs)
	}
}

// resumePolling restarts the answer and ICE polling fallbacks after a
// "subscribed" confirmation previously stopped them and the realtime
// transport has since reported an error (§4.E: "on CHANNEL_ERROR or
// transport error, start polling fallback"). A poller that has already
// returned from run() cannot be Start()ed again, so a fresh instance is
// constructed each time rather than reusing cs.answerPoller/cs.icePoller.
func (e *Engine) resumePolling(cs *callState) {
	if cs.answerPoller != nil {
		cs.answerPoller.Stop()
	}
	if !cs.applier.Applied() {
		cs.answerPoller = polling.NewAnswerPoller(cs.id, e.answerFetcher(cs), cs.applier, e.deps.PollInterval, e.log)
		cs.answerPoller.Start(cs.ctx)
	}

	if cs.icePoller != nil {
		cs.icePoller.Stop()
	}
	cs.icePoller = polling.NewICEPoller(cs.id, cs.peer, e.iceFetcher(cs), cs.iceExchange, e.deps.PollInterval, e.log)
	cs.icePoller.Start(cs.ctx)
}

func (e *Engine) handleCallUpdate(ctx context.Context, cs *callState, ev rowstore.Event) {
	if _, ok := ev.Changed["status"]; ok {
		status := ev.Row.Status.Canonical()
		if status.Terminal() {
			e.handleRemoteTermination(ctx, cs, ev.Row)
			return
		}
		if status == callproto.StatusActive {
			// Status-change detection is a cheap trigger; the applier
			// itself guards idempotence and stale-call drops (§4.D).
			cs.fsm.Fire(ctx, callfsm.EventAnswerApplied, "status active seen")
		}
	}

	if _, ok := ev.Changed["answer"]; ok && ev.Row.Answer != nil {
		if err := cs.applier.Apply(ctx, cs.id, *ev.Row.Answer); err != nil {
			e.log.Warn("applying realtime answer", "error", err, "call_id", cs.id)
		}
	}

	if _, ok := ev.Changed[string(cs.route.RemoteICEField)]; ok {
		// ICE reconciliation must fetch the latest value rather than
		// trust the event payload to be complete (§4.C, §4.E).
		row, err := e.deps.Gateway.Fetch(ctx, cs.id)
		if err != nil {
			e.log.Warn("fetching ICE candidates for reconciliation", "error", err, "call_id", cs.id)
		} else {
			cs.iceExchange.ReconcileFromRow(remoteCandidates(cs.route, row))
		}
	}
}

func (e *Engine) handleRemoteTermination(ctx context.Context, cs *callState, row callproto.Call) {
	cs.mu.Lock()
	if cs.reason == "" {
		cs.reason = terminalReason(row.Status.Canonical())
	}
	cs.mu.Unlock()

	cs.fsm.Fire(ctx, callfsm.EventStatusTerminal, "remote terminal status")

	switch {
	case row.EndedBy == nil:
		e.notify("call ended")
	case *row.EndedBy != e.myRole.Role:
		e.notify("the other party ended the call")
	}
}

func terminalReason(status callproto.Status) metrics.Reason {
	switch status {
	case callproto.StatusRejected:
		return metrics.ReasonRejected
	case callproto.StatusMissed:
		return metrics.ReasonMissed
	default:
		return metrics.ReasonCompleted
	}
}

func (e *Engine) localCandidateWriter(cs *callState) ice.LocalCandidateWriter {
	return func(ctx context.Context, c callproto.ICECandidate) error {
		patch := callproto.Patch{}
		switch cs.route.LocalICEField {
		case role.FieldParentICE:
			patch.AppendParentICE = []callproto.ICECandidate{c}
		case role.FieldChildICE:
			patch.AppendChildICE = []callproto.ICECandidate{c}
		default:
			return nil
		}
		return e.deps.Gateway.Update(ctx, cs.id, patch)
	}
}

func (e *Engine) iceFetcher(cs *callState) polling.ICEFetcher {
	return func(ctx context.Context) ([]callproto.ICECandidate, error) {
		row, err := e.deps.Gateway.Fetch(ctx, cs.id)
		if err != nil {
			return nil, err
		}
		return remoteCandidates(cs.route, row), nil
	}
}

func (e *Engine) answerFetcher(cs *callState) polling.AnswerFetcher {
	return func(ctx context.Context) (*callproto.SessionDescription, callproto.Status, error) {
		row, err := e.deps.Gateway.Fetch(ctx, cs.id)
		if err != nil {
			return nil, "", err
		}
		return row.Answer, row.Status, nil
	}
}

func remoteCandidates(route role.Route, row callproto.Call) []callproto.ICECandidate {
	switch route.RemoteICEField {
	case role.FieldParentICE:
		return row.ParentICECandidates
	case role.FieldChildICE:
		return row.ChildICECandidates
	default:
		return nil
	}
}

func localParticipantID(route role.Route, row callproto.Call) (string, bool) {
	switch route.LocalIDField {
	case role.FieldParentID:
		if row.ParentID != nil {
			return *row.ParentID, true
		}
	case role.FieldChildID:
		if row.ChildID != nil {
			return *row.ChildID, true
		}
	case role.FieldFamilyMemberID:
		if row.FamilyMemberID != nil {
			return *row.FamilyMemberID, true
		}
	}
	return "", false
}

// targetRecipientType infers the role.RecipientType of the remote side of
// an outgoing call. The documented call direction is always adult-to-child
// (§8 scenarios 1-2); the one unaddressed direction, child-initiated
// calls, is assumed to target a parent.
func targetRecipientType(local callproto.Role) callproto.Role {
	if local == callproto.RoleChild {
		return callproto.RoleParent
	}
	return callproto.RoleChild
}

func newCallID() string {
	return uuid.NewString()
}

func statusPtr(s callproto.Status) *callproto.Status { return &s }
func rolePtr(r callproto.Role) *callproto.Role        { return &r }
