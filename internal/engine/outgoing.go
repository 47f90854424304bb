package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/callwire/internal/callfsm"
	"github.com/kuuji/callwire/internal/media"
	"github.com/kuuji/callwire/internal/metrics"
	"github.com/kuuji/callwire/internal/polling"
	"github.com/kuuji/callwire/internal/role"
	"github.com/kuuji/callwire/internal/rowstore"
	"github.com/kuuji/callwire/pkg/callproto"
)

// StartOutgoingCall implements the Outgoing Call Handler (§4.H):
// transition to calling, ensure local media (device-busy is a distinguished
// non-fatal state, not an RTC-layer failure), create an offer, build and
// insert the Call row via the Role Router, subscribe to the per-call
// channel with answer polling as a fallback, and immediately re-fetch the
// row once in case the answer is already present (race).
func (e *Engine) StartOutgoingCall(ctx context.Context, remoteID string) error {
	e.mu.Lock()
	if e.call != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: a call is already active")
	}
	e.mu.Unlock()

	callID := newCallID()
	cs, err := e.newCallState(callID)
	if err != nil {
		return fmt.Errorf("starting outgoing call: %w", err)
	}

	// Step 1.
	cs.fsm.Fire(ctx, callfsm.EventStartOutgoing, "start outgoing call")

	// Step 2.
	tracks, mediaErr := cs.media.Ensure(ctx)
	if mediaErr != nil && !errors.Is(mediaErr, media.ErrDeviceBusy) {
		e.abortOutgoing(ctx, cs, "media acquisition failed")
		return fmt.Errorf("acquiring local media: %w", mediaErr)
	}
	if mediaErr == nil {
		e.addLocalTracks(cs, tracks)
	} else {
		e.log.Warn("starting outgoing call without local media: device busy", "call_id", callID)
	}

	// Step 3.
	if err := cs.peer.EnsureReceiveTransceivers(); err != nil {
		e.abortOutgoing(ctx, cs, "transceiver setup failed")
		return fmt.Errorf("ensuring receive transceivers: %w", err)
	}
	offer, err := cs.peer.CreateOffer()
	if err != nil {
		e.abortOutgoing(ctx, cs, "offer creation failed")
		return fmt.Errorf("creating offer: %w", err)
	}

	// Step 4.
	fields := e.buildInsertFields(callID, remoteID, offer)
	if _, err := e.deps.Gateway.Insert(ctx, callID, fields); err != nil {
		e.abortOutgoing(ctx, cs, "row insert failed")
		return fmt.Errorf("inserting call row: %w", err)
	}

	// Step 5.
	e.startCallSubscription(cs)
	cs.answerPoller = polling.NewAnswerPoller(callID, e.answerFetcher(cs), cs.applier, e.deps.PollInterval, e.log)
	cs.answerPoller.Start(cs.ctx)

	// Step 6 was wired in at peer creation (newCallState's OnICECandidate).

	// Step 7.
	if fresh, err := e.deps.Gateway.Fetch(ctx, callID); err != nil {
		e.log.Warn("post-subscribe fetch failed", "error", err, "call_id", callID)
	} else if fresh.Answer != nil {
		if aerr := cs.applier.Apply(ctx, callID, *fresh.Answer); aerr != nil {
			e.log.Warn("applying answer from post-subscribe fetch", "error", aerr, "call_id", callID)
		}
	}

	e.mu.Lock()
	e.call = cs
	e.mu.Unlock()

	if e.deps.Metrics != nil {
		e.deps.Metrics.CallStarted()
	}

	return nil
}

func (e *Engine) addLocalTracks(cs *callState, tracks media.Tracks) {
	if tracks.Audio != nil {
		if _, err := cs.peer.AddLocalTrack(tracks.Audio); err != nil {
			e.log.Warn("adding local audio track", "error", err, "call_id", cs.id)
		}
	}
	if tracks.Video != nil {
		if _, err := cs.peer.AddLocalTrack(tracks.Video); err != nil {
			e.log.Warn("adding local video track", "error", err, "call_id", cs.id)
		}
	}
}

// buildInsertFields resolves the initial Call row fields via the Role
// Router (§4.A), including the family-member-caller authorization-context
// parent_id.
func (e *Engine) buildInsertFields(callID, remoteID string, offer webrtc.SessionDescription) rowstore.InsertFields {
	fields := rowstore.InsertFields{
		ID:            callID,
		CallerType:    e.myRole.Role,
		RecipientType: targetRecipientType(e.myRole.Role),
		Offer:         callproto.SessionDescription{Type: callproto.SDPTypeOffer, SDP: offer.SDP},
	}

	switch e.myRole.LocalIDField {
	case role.FieldParentID:
		fields.ParentID = &e.profileID
		fields.ChildID = &remoteID
	case role.FieldFamilyMemberID:
		fields.FamilyMemberID = &e.profileID
		fields.ChildID = &remoteID
		if e.deps.ParentLookup != nil {
			if parentID, ok := e.deps.ParentLookup(remoteID); ok {
				fields.ParentID = role.WithFamilyMemberParent(parentID)
			}
		}
	case role.FieldChildID:
		fields.ChildID = &e.profileID
		fields.ParentID = &remoteID
	}

	return fields
}

// abortOutgoing drives the FSM straight to ended, running the same
// cleanup sequence a normal termination would (§4.J), for a call that
// never got far enough to be stored as the active call.
func (e *Engine) abortOutgoing(ctx context.Context, cs *callState, reason string) {
	cs.mu.Lock()
	cs.reason = metrics.ReasonFailed
	cs.mu.Unlock()
	cs.fsm.Fire(ctx, callfsm.EventEndCall, reason)
}
