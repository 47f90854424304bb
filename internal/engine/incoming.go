package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/callwire/internal/callfsm"
	"github.com/kuuji/callwire/internal/media"
	"github.com/kuuji/callwire/internal/metrics"
	"github.com/kuuji/callwire/internal/rowstore"
	"github.com/kuuji/callwire/pkg/callproto"
)

// onIncomingInsert implements the first half of the Incoming Call Handler
// (§4.I): on an INSERT event matching this endpoint's role and id, carrying
// a ringing status and a non-null offer, transition to ringing and
// pre-warm media.
func (e *Engine) onIncomingInsert(ctx context.Context, row callproto.Call) {
	localID, ok := localParticipantID(e.myRole, row)
	if !ok || localID != e.profileID {
		e.log.Debug("ignoring insert: local id mismatch", "call_id", row.ID)
		return
	}
	if row.Status.Canonical() != callproto.StatusRinging || row.Offer == nil {
		e.log.Debug("ignoring insert: not ringing or missing offer", "call_id", row.ID)
		return
	}

	e.mu.Lock()
	busy := e.call != nil
	e.mu.Unlock()
	if busy {
		e.log.Info("declining additional incoming call while one is active", "call_id", row.ID)
		return
	}

	cs, err := e.newCallState(row.ID)
	if err != nil {
		e.log.Error("creating RTC peer for incoming call", "error", err, "call_id", row.ID)
		return
	}

	cs.fsm.Fire(ctx, callfsm.EventInsertSeen, "incoming ring")
	if e.deps.Metrics != nil {
		e.deps.Metrics.CallRinging()
	}
	cs.media.PreWarm(ctx)
	e.startCallSubscription(cs)

	e.mu.Lock()
	e.call = cs
	e.mu.Unlock()
}

// AcceptIncomingCall implements steps 1-9 of the Incoming Call Handler
// (§4.I).
func (e *Engine) AcceptIncomingCall(ctx context.Context, callID string) error {
	e.mu.Lock()
	cs := e.call
	e.mu.Unlock()
	if cs == nil || cs.id != callID {
		return fmt.Errorf("%w: no ringing call with id %q", rowstore.ErrValidation, callID)
	}
	if cs.fsm.Current() != callfsm.StateRinging {
		return fmt.Errorf("%w: call is not in ringing state", rowstore.ErrValidation)
	}

	// Step 3 (validate): re-fetch and confirm participant id, status, offer.
	row, err := e.deps.Gateway.Fetch(ctx, callID)
	if err != nil {
		return fmt.Errorf("fetching call row: %w", err)
	}
	localID, ok := localParticipantID(e.myRole, row)
	if !ok || localID != e.profileID {
		return fmt.Errorf("%w: participant id mismatch", rowstore.ErrValidation)
	}
	if row.Status.Canonical().Terminal() {
		return fmt.Errorf("%w: call is already %s", rowstore.ErrValidation, row.Status)
	}
	if row.Status.Canonical() != callproto.StatusRinging || row.Offer == nil {
		return fmt.Errorf("%w: call is not ringing or missing an offer", rowstore.ErrValidation)
	}

	// Step 1.
	cs.fsm.Fire(ctx, callfsm.EventAccept, "user accepted")

	// Step 2/3 (initialize connection/media in parallel with validation,
	// which already completed above).
	tracks, mediaErr := cs.media.Ensure(ctx)
	if mediaErr != nil && !errors.Is(mediaErr, media.ErrDeviceBusy) {
		return fmt.Errorf("acquiring local media: %w", mediaErr)
	}
	if mediaErr == nil {
		e.addLocalTracks(cs, tracks)
	} else {
		e.log.Warn("accepting call without local media: device busy", "call_id", callID)
	}

	// Step 4: set remote description, guarding signaling state; if
	// interleaving recovery applies (we already hold have-local-offer and
	// the row already carries an answer), apply that instead.
	switch cs.peer.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		if row.Answer == nil {
			return fmt.Errorf("%w: signaling state have-local-offer with no answer present", rowstore.ErrValidation)
		}
		if err := cs.peer.SetAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: row.Answer.SDP}); err != nil {
			return fmt.Errorf("applying existing answer during interleaved accept: %w", err)
		}
	case webrtc.SignalingStateStable:
		if err := cs.peer.SetOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: row.Offer.SDP}); err != nil {
			return fmt.Errorf("setting remote offer: %w", err)
		}
	default:
		return fmt.Errorf("%w: unexpected signaling state %s", rowstore.ErrValidation, cs.peer.SignalingState())
	}

	// Step 5.
	if err := cs.peer.WaitForSignalingState(ctx, webrtc.SignalingStateHaveRemoteOffer); err != nil {
		return fmt.Errorf("waiting for remote offer to apply: %w", err)
	}

	// Step 6.
	if !cs.peer.HasAudioSender() {
		e.log.Warn("accepting call without a local audio sender", "call_id", callID)
	}

	// Step 7.
	if err := cs.peer.EnsureReceiveTransceivers(); err != nil {
		return fmt.Errorf("ensuring receive transceivers: %w", err)
	}
	ans, err := cs.peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}

	// Step 8: apply remote ICE currently present in the row, and update
	// the row with the answer.
	cs.iceExchange.ReconcileFromRow(remoteCandidates(cs.route, row))

	answerDesc := callproto.SessionDescription{Type: callproto.SDPTypeAnswer, SDP: ans.SDP}
	patch := callproto.Patch{
		Status:       statusPtr(callproto.StatusActive),
		Answer:       &answerDesc,
		ClearEndedAt: true,
	}
	if err := e.deps.Gateway.Update(ctx, callID, patch); err != nil {
		return fmt.Errorf("writing answer to call row: %w", err)
	}

	// Step 9: callId is already stored as cs.id; "isConnecting = false" is
	// implicit in the FSM's connecting state already reached in step 1.
	if e.deps.Metrics != nil {
		e.deps.Metrics.CallAccepted()
	}

	return nil
}

// RejectIncomingCall writes status=rejected and transitions to ended,
// releasing media and the call's other resources via the FSM's Cleanup
// callback (§4.I).
func (e *Engine) RejectIncomingCall(ctx context.Context, callID string) error {
	e.mu.Lock()
	cs := e.call
	e.mu.Unlock()
	if cs == nil || cs.id != callID {
		return fmt.Errorf("%w: no ringing call with id %q", rowstore.ErrValidation, callID)
	}
	if cs.fsm.Current() != callfsm.StateRinging {
		return fmt.Errorf("%w: call is not in ringing state", rowstore.ErrValidation)
	}

	cs.mu.Lock()
	cs.reason = metrics.ReasonRejected
	cs.mu.Unlock()

	if err := e.deps.Gateway.Update(ctx, callID, callproto.Patch{Status: statusPtr(callproto.StatusRejected)}); err != nil {
		e.log.Warn("writing rejected status", "error", err, "call_id", callID)
	}

	cs.fsm.Fire(ctx, callfsm.EventReject, "user rejected")
	return nil
}
