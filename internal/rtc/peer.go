// Package rtc wraps a pion RTCPeerConnection to satisfy the RTC layer
// contract of §6: create offer/answer with audio+video receive intent, set
// local/remote description, add ICE candidates (including the
// end-of-candidates marker), enumerate senders, emit local ICE candidates,
// and expose signaling/ICE/connection state with change events.
//
// Unlike the teacher's internal/webrtc, which negotiates a single
// unreliable data channel for WireGuard payload, this package negotiates
// audio and video media — the payload a call-engine peer connection
// actually carries.
package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultSignalingWait bounds how long WaitForSignalingState blocks before
// giving up (§5: "Signaling-state waits ... are bounded at 2 s").
const DefaultSignalingWait = 2 * time.Second

// PeerConfig holds configuration for creating a Peer.
type PeerConfig struct {
	// ICE contains the STUN/TURN server configuration.
	ICE ICEConfig

	// LocalID and RemoteID are this peer's and the remote's identifiers,
	// used for logging only.
	LocalID  string
	RemoteID string

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// OnICECandidate is called when a local ICE candidate is gathered. A
	// nil candidate signals gathering is complete; the caller relays
	// non-nil candidates to the remote peer via the Call row's local ICE
	// field (§4.C enqueueLocalCandidate).
	OnICECandidate func(candidate *webrtc.ICECandidate)

	// OnTrack is called when a remote audio or video track arrives.
	OnTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	// OnICEConnectionStateChange and OnConnectionStateChange mirror the
	// RTC layer contract's change events (§6).
	OnICEConnectionStateChange func(state webrtc.ICEConnectionState)
	OnConnectionStateChange    func(state webrtc.PeerConnectionState)
	OnSignalingStateChange     func(state webrtc.SignalingState)
}

// Peer wraps a pion RTCPeerConnection, negotiating audio+video media
// instead of a data channel.
type Peer struct {
	cfg PeerConfig
	log *slog.Logger
	pc  *webrtc.PeerConnection

	done     chan struct{}
	closeOne sync.Once

	mu           sync.Mutex
	stateWaiters []stateWaiter
}

type stateWaiter struct {
	want webrtc.SignalingState
	ch   chan struct{}
}

// NewPeer creates a new RTCPeerConnection with the given ICE configuration.
// It does not create an offer or answer — call CreateOffer (caller) or
// SetOffer (callee) to proceed with signaling.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "rtc", "local_id", cfg.LocalID, "remote_id", cfg.RemoteID)

	rtcConfig := webrtc.Configuration{
		ICEServers: cfg.ICE.pionICEServers(),
	}
	if cfg.ICE.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
		log.Info("ICE transport policy set to relay-only (force_relay enabled)")
	}

	pc, err := webrtc.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &Peer{
		cfg:  cfg,
		log:  log,
		pc:   pc,
		done: make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("ICE gathering complete")
		} else {
			p.log.Debug("ICE candidate gathered", "candidate", c.String())
		}
		if p.cfg.OnICECandidate != nil {
			p.cfg.OnICECandidate(c)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("ICE connection state changed", "state", state.String())
		if p.cfg.OnICEConnectionStateChange != nil {
			p.cfg.OnICEConnectionStateChange(state)
		}
		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateClosed {
			p.signalDone()
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info("peer connection state changed", "state", state.String())
		if p.cfg.OnConnectionStateChange != nil {
			p.cfg.OnConnectionStateChange(state)
		}
	})

	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		p.log.Debug("signaling state changed", "state", state.String())
		p.wakeStateWaiters(state)
		if p.cfg.OnSignalingStateChange != nil {
			p.cfg.OnSignalingStateChange(state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.log.Info("remote track received", "kind", track.Kind().String(), "id", track.ID())
		if p.cfg.OnTrack != nil {
			p.cfg.OnTrack(track, receiver)
		}
	})

	return p, nil
}

// EnsureReceiveTransceivers adds recvonly audio and video transceivers if
// this peer connection doesn't already have a transceiver for that kind.
// Called before creating an offer or answer so the SDP always requests
// both audio and video reception (§4.H step 3, §4.I step 7), even when no
// local track is ready yet.
func (p *Peer) EnsureReceiveTransceivers() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if p.hasTransceiverForKind(kind) {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("adding recvonly %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (p *Peer) hasTransceiverForKind(kind webrtc.RTPCodecType) bool {
	for _, t := range p.pc.GetTransceivers() {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

// AddLocalTrack adds track as a local sender, upgrading an existing
// recvonly transceiver of the same kind to sendrecv if one exists, or
// creating a new sendonly transceiver otherwise.
func (p *Peer) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	for _, t := range p.pc.GetTransceivers() {
		if t.Kind() != track.Kind() {
			continue
		}
		if sender := t.Sender(); sender != nil && sender.Track() == nil {
			if err := sender.ReplaceTrack(track); err != nil {
				return nil, fmt.Errorf("replacing track on existing %s transceiver: %w", track.Kind(), err)
			}
			if err := t.SetDirection(webrtc.RTPTransceiverDirectionSendrecv); err != nil {
				return nil, fmt.Errorf("upgrading %s transceiver to sendrecv: %w", track.Kind(), err)
			}
			return sender, nil
		}
	}

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("adding %s track: %w", track.Kind(), err)
	}
	return sender, nil
}

// Senders returns the current RTP senders, used to verify local senders
// exist before creating an answer (§4.I step 6).
func (p *Peer) Senders() []*webrtc.RTPSender {
	return p.pc.GetSenders()
}

// HasAudioSender reports whether any sender is currently sending an audio
// track.
func (p *Peer) HasAudioSender() bool {
	for _, s := range p.Senders() {
		if t := s.Track(); t != nil && t.Kind() == webrtc.RTPCodecTypeAudio {
			return true
		}
	}
	return false
}

// CreateOffer ensures both audio and video are requested, creates an SDP
// offer, sets it as the local description, and verifies the resulting SDP
// declares both media sections (§4.H step 3).
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	if err := p.EnsureReceiveTransceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := verifyAudioVideoSections(offer.SDP); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}

	p.log.Debug("SDP offer created")
	return offer, nil
}

// SetOffer sets the remote SDP offer. It does not check the signaling
// state first: the have-local-offer case (a family-member or
// interleaving-recovery scenario, §4.I step 4) is handled by the caller,
// which does not call SetOffer then.
func (p *Peer) SetOffer(offer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("setting remote offer: %w", err)
	}
	return nil
}

// CreateAnswer ensures both audio and video are requested, creates an SDP
// answer, sets it as the local description, and verifies the resulting
// SDP declares both media sections (§4.I step 7).
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	if err := p.EnsureReceiveTransceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := verifyAudioVideoSections(answer.SDP); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}

	p.log.Debug("SDP answer created")
	return answer, nil
}

// SetAnswer sets the remote SDP answer. Callers should guard on
// SignalingState() == HaveLocalOffer before calling this, per the
// idempotent Answer Applier's state checks (§4.D steps 4-6).
func (p *Peer) SetAnswer(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	p.log.Debug("remote SDP answer set")
	return nil
}

// AddICECandidate adds a remote ICE candidate. An empty candidate string
// with no mline index or mid is the end-of-candidates marker and is
// passed through to pion explicitly rather than treated as a no-op (§4.C,
// §9 open question 5).
func (p *Peer) AddICECandidate(candidate string, mLineIndex *uint16, mid *string) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMLineIndex: mLineIndex,
		SDPMid:        mid,
	}); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

// HasRemoteDescription reports whether a remote SDP description has been
// set, used to decide whether to buffer incoming ICE candidates (§4.C).
func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// SignalingState returns the current SDP signaling state.
func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

// ICEConnectionState returns the current ICE connection state.
func (p *Peer) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

// ConnectionState returns the current aggregate peer connection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// WaitForSignalingState blocks until the signaling state equals want or
// ctx is done, bounded by DefaultSignalingWait if ctx carries no deadline
// (§5: accept must fail if have-remote-offer isn't reached within 2 s).
func (p *Peer) WaitForSignalingState(ctx context.Context, want webrtc.SignalingState) error {
	if p.SignalingState() == want {
		return nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultSignalingWait)
		defer cancel()
	}

	ch := make(chan struct{})
	p.mu.Lock()
	p.stateWaiters = append(p.stateWaiters, stateWaiter{want: want, ch: ch})
	p.mu.Unlock()

	if p.SignalingState() == want {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for signaling state %s: %w", want, ctx.Err())
	}
}

func (p *Peer) wakeStateWaiters(state webrtc.SignalingState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.stateWaiters[:0]
	for _, w := range p.stateWaiters {
		if w.want == state {
			close(w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	p.stateWaiters = remaining
}

// Done returns a channel that is closed when the peer connection fails or
// closes.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) signalDone() {
	p.closeOne.Do(func() { close(p.done) })
}

// Close closes the underlying peer connection.
func (p *Peer) Close() error {
	p.signalDone()
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	p.log.Info("peer connection closed")
	return nil
}

func verifyAudioVideoSections(sdp string) error {
	if !strings.Contains(sdp, "m=audio") {
		return fmt.Errorf("SDP missing m=audio section")
	}
	if !strings.Contains(sdp, "m=video") {
		return fmt.Errorf("SDP missing m=video section")
	}
	return nil
}
