// Package polling implements the Polling Fallback (§4.F): two independent
// periodic fetchers that stand in for the realtime channel while it is
// unconfirmed, or while ICE is stuck in an early state. Both fallbacks
// self-terminate on their target condition or on SUBSCRIBED confirmation —
// neither runs forever once the answer is applied or ICE has moved past
// new/checking.
//
// There is no teacher analog for a periodic poll-as-fallback loop (bamgate's
// signaling has no polling path); the ticker/select/ctx.Done shape is the
// one the wider example pack uses for its own periodic loops (e.g.
// petervdpas-goop2's rendezvous heartbeat and stale-peer sweep).
package polling

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/callwire/pkg/callproto"
)

// DefaultInterval is the poll period for both fallbacks (§4.F, §9 open
// question 4: a tuning parameter, not a hard constant).
const DefaultInterval = 2 * time.Second

// AnswerFetcher fetches the current answer and status columns for one call.
type AnswerFetcher func(ctx context.Context) (answer *callproto.SessionDescription, status callproto.Status, err error)

// AnswerApplier is the subset of internal/answer.Applier the poller needs.
type AnswerApplier interface {
	Apply(ctx context.Context, callID string, sd callproto.SessionDescription) error
	Applied() bool
}

// AnswerPoller runs the outgoing-side answer-polling fallback: every
// interval, while state is calling and no answer has been applied yet, it
// fetches answer+status and feeds the applier (§4.F).
type AnswerPoller struct {
	callID   string
	fetch    AnswerFetcher
	applier  AnswerApplier
	interval time.Duration
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewAnswerPoller creates an AnswerPoller. interval defaults to
// DefaultInterval if zero or negative.
func NewAnswerPoller(callID string, fetch AnswerFetcher, applier AnswerApplier, interval time.Duration, logger *slog.Logger) *AnswerPoller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := logger
	if log == nil {
		log = slog.Default()
	}
	return &AnswerPoller{
		callID:   callID,
		fetch:    fetch,
		applier:  applier,
		interval: interval,
		log:      log.With("component", "polling-answer", "call_id", callID),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins polling in a background goroutine. It returns immediately.
func (p *AnswerPoller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop halts the poller. Safe to call multiple times and safe to call after
// the poller has already stopped itself.
func (p *AnswerPoller) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

func (p *AnswerPoller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if p.applier.Applied() {
				return
			}
			if p.tick(ctx) {
				return
			}
		}
	}
}

// tick fetches the answer once and returns true if polling should stop.
func (p *AnswerPoller) tick(ctx context.Context) bool {
	answer, status, err := p.fetch(ctx)
	if err != nil {
		p.log.Warn("answer poll fetch failed", "error", err)
		return false
	}

	if status.Canonical().Terminal() {
		p.log.Debug("stopping answer poll: call reached terminal status", "status", status)
		return true
	}

	if answer == nil {
		return false
	}

	if err := p.applier.Apply(ctx, p.callID, *answer); err != nil {
		p.log.Warn("applying polled answer", "error", err)
		return false
	}
	return true
}

// RTCLayer is the subset of the RTC layer contract the ICE poller needs to
// decide whether polling is still warranted.
type RTCLayer interface {
	HasRemoteDescription() bool
	ICEConnectionState() webrtc.ICEConnectionState
	SignalingState() webrtc.SignalingState
}

// ICEFetcher fetches the remote endpoint's current ICE-candidate array.
type ICEFetcher func(ctx context.Context) ([]callproto.ICECandidate, error)

// ICEReconciler is the subset of internal/ice.Exchange the poller needs.
type ICEReconciler interface {
	ReconcileFromRow(candidates []callproto.ICECandidate)
}

// ICEPoller runs the both-sides ICE-polling fallback: every interval, while
// a call id is known, the RTC layer has a remote description, and ICE is
// stuck in new or checking (and signaling is not closed), it fetches the
// remote ICE field and reconciles it into the exchange (§4.F).
type ICEPoller struct {
	rtc      RTCLayer
	fetch    ICEFetcher
	exchange ICEReconciler
	interval time.Duration
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewICEPoller creates an ICEPoller. interval defaults to DefaultInterval
// if zero or negative.
func NewICEPoller(callID string, rtc RTCLayer, fetch ICEFetcher, exchange ICEReconciler, interval time.Duration, logger *slog.Logger) *ICEPoller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := logger
	if log == nil {
		log = slog.Default()
	}
	return &ICEPoller{
		rtc:      rtc,
		fetch:    fetch,
		exchange: exchange,
		interval: interval,
		log:      log.With("component", "polling-ice", "call_id", callID),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins polling in a background goroutine. It returns immediately.
func (p *ICEPoller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop halts the poller. Safe to call multiple times.
func (p *ICEPoller) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

func (p *ICEPoller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if p.shouldStop() {
				return
			}
			if !p.rtc.HasRemoteDescription() {
				continue
			}
			p.tick(ctx)
		}
	}
}

func (p *ICEPoller) shouldStop() bool {
	if p.rtc.SignalingState() == webrtc.SignalingStateClosed {
		return true
	}
	if !p.rtc.HasRemoteDescription() {
		// No description yet: keep waiting, there's nothing to reconcile
		// against but the condition for stopping hasn't been met either.
		return false
	}
	switch p.rtc.ICEConnectionState() {
	case webrtc.ICEConnectionStateNew, webrtc.ICEConnectionStateChecking:
		return false
	default:
		return true
	}
}

func (p *ICEPoller) tick(ctx context.Context) {
	candidates, err := p.fetch(ctx)
	if err != nil {
		p.log.Warn("ICE poll fetch failed", "error", err)
		return
	}
	p.exchange.ReconcileFromRow(candidates)
}
