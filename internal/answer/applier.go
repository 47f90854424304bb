// Package answer implements the idempotent Answer Applier (§4.D): the
// single choke point every path that might surface a remote answer
// (realtime event, polling tick, post-subscribe fetch) goes through, so
// those three racing paths collapse into one actual SetRemoteDescription
// call (§9: "Three overlapping answer-arrival paths").
package answer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/singleflight"

	"github.com/kuuji/callwire/pkg/callproto"
)

// RTCLayer is the subset of the RTC layer contract (§6) the applier needs.
// Satisfied structurally by *internal/rtc.Peer.
type RTCLayer interface {
	SignalingState() webrtc.SignalingState
	HasRemoteDescription() bool
	SetAnswer(answer webrtc.SessionDescription) error
}

// Effects are the side effects Apply triggers on success, wired by the
// engine: stop whichever answer watchers (polling, realtime) are still
// running, flush buffered ICE, and move the state machine from calling to
// connecting.
type Effects struct {
	StopWatchers func()
	FlushICE     func()
	Connecting   func()
}

// Applier is the idempotent Answer Applier for one call. A new Applier
// must be created per call; its active callId is fixed at construction,
// and answers observed for any other callId are dropped as stale.
type Applier struct {
	rtc     RTCLayer
	effects Effects
	log     *slog.Logger

	group singleflight.Group

	mu           sync.Mutex
	activeCallID string
	lastHash     string
	applied      bool
}

// New creates an Applier bound to activeCallID.
func New(activeCallID string, rtc RTCLayer, effects Effects, logger *slog.Logger) *Applier {
	log := logger
	if log == nil {
		log = slog.Default()
	}
	return &Applier{
		rtc:          rtc,
		effects:      effects,
		log:          log.With("component", "answer", "call_id", activeCallID),
		activeCallID: activeCallID,
	}
}

// Applied reports whether an answer has already been successfully applied
// for the active call.
func (a *Applier) Applied() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied
}

// Apply runs the §4.D procedure for one observed answer. It is safe to
// call concurrently and repeatedly with the same or different answer
// values; applying the same answer N times has the same effect as
// applying it once (§8).
func (a *Applier) Apply(ctx context.Context, callID string, sd callproto.SessionDescription) error {
	a.mu.Lock()
	if callID != a.activeCallID {
		a.mu.Unlock()
		a.log.Debug("dropping answer for stale call", "observed_call_id", callID)
		return nil
	}
	alreadyApplied := a.applied
	a.mu.Unlock()

	if alreadyApplied {
		return nil
	}

	hash := sdpHash(sd.SDP)

	// Collapse concurrent Apply calls carrying the same SDP (the three
	// racing arrival paths) into a single in-flight attempt.
	_, err, _ := a.group.Do(callID+":"+hash, func() (any, error) {
		return nil, a.apply(callID, hash, sd)
	})
	return err
}

func (a *Applier) apply(callID, hash string, sd callproto.SessionDescription) error {
	a.mu.Lock()
	if callID != a.activeCallID {
		a.mu.Unlock()
		return nil
	}
	if hash == a.lastHash {
		a.mu.Unlock()
		a.stopWatchers()
		return nil
	}

	switch a.rtc.SignalingState() {
	case webrtc.SignalingStateStable:
		a.applied = true
		a.mu.Unlock()
		a.stopWatchers()
		return nil
	case webrtc.SignalingStateHaveLocalOffer:
		// proceed below
	default:
		a.mu.Unlock()
		a.log.Debug("dropping answer: wrong signaling state", "state", a.rtc.SignalingState())
		return nil
	}

	if a.rtc.HasRemoteDescription() {
		a.applied = true
		a.mu.Unlock()
		a.stopWatchers()
		return nil
	}
	a.mu.Unlock()

	if err := a.rtc.SetAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sd.SDP}); err != nil {
		a.log.Error("setting remote answer", "error", err)
		return fmt.Errorf("setting remote answer: %w", err)
	}

	a.mu.Lock()
	a.lastHash = hash
	a.applied = true
	a.mu.Unlock()

	a.stopWatchers()
	if a.effects.FlushICE != nil {
		a.effects.FlushICE()
	}
	if a.effects.Connecting != nil {
		a.effects.Connecting()
	}

	return nil
}

func (a *Applier) stopWatchers() {
	if a.effects.StopWatchers != nil {
		a.effects.StopWatchers()
	}
}

func sdpHash(sdp string) string {
	sum := sha256.Sum256([]byte(sdp))
	return hex.EncodeToString(sum[:])
}
