// Package ice implements the ICE Exchange (§4.C): local-candidate
// forwarding, remote-candidate buffering/dedupe, and row reconciliation,
// centralized in one object so the dedupe set and buffer are not spread
// across call sites (§9: "ICE-candidate dedupe spread across hooks").
package ice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kuuji/callwire/pkg/callproto"
)

// RTCLayer is the subset of the RTC layer contract (§6) the ICE Exchange
// needs: candidate application and a readiness/liveness signal. Satisfied
// structurally by *internal/rtc.Peer.
type RTCLayer interface {
	HasRemoteDescription() bool
	AddICECandidate(candidate string, mLineIndex *uint16, mid *string) error
	Done() <-chan struct{}
}

// LocalCandidateWriter appends a locally gathered candidate to this
// endpoint's owned ICE field on the Call row (the field the Role Router
// resolved, §4.A).
type LocalCandidateWriter func(ctx context.Context, c callproto.ICECandidate) error

// Config configures an Exchange.
type Config struct {
	RTC    RTCLayer
	Write  LocalCandidateWriter
	Logger *slog.Logger
}

// Exchange owns the dedupe set and the remote-candidate buffer for one
// call. A new Exchange must be created per call; the dedupe set and
// buffer are cleared whenever callId changes (§3) simply by discarding
// the old Exchange and constructing a new one.
type Exchange struct {
	rtc   RTCLayer
	write LocalCandidateWriter
	log   *slog.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	buffered []callproto.ICECandidate
}

// New creates an Exchange for one call.
func New(cfg Config) *Exchange {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Exchange{
		rtc:   cfg.RTC,
		write: cfg.Write,
		log:   log.With("component", "ice"),
		seen:  make(map[string]struct{}),
	}
}

// EnqueueLocalCandidate appends a locally gathered candidate to the local
// ICE field via the configured writer.
func (e *Exchange) EnqueueLocalCandidate(ctx context.Context, c callproto.ICECandidate) error {
	if e.write == nil {
		return nil
	}
	return e.write(ctx, c)
}

// DeliverRemoteCandidate applies c if the remote description is already
// set, buffering it otherwise for FlushBufferedIce to replay in order
// once the remote description arrives.
func (e *Exchange) DeliverRemoteCandidate(c callproto.ICECandidate) {
	if e.rtcClosed() {
		return
	}

	if !c.IsEndOfCandidates() && c.Candidate == "" {
		// An empty candidate string that is NOT the end-of-candidates
		// marker (it carries index/mid) is skipped silently (§4.C edge case).
		return
	}

	if !e.rtc.HasRemoteDescription() {
		e.mu.Lock()
		e.buffered = append(e.buffered, c)
		e.mu.Unlock()
		return
	}

	e.applyDeduped(c)
}

// FlushBufferedIce applies every buffered remote candidate in order,
// dropping duplicates, then clears the buffer. Call this immediately after
// the remote description is set (§4.C).
func (e *Exchange) FlushBufferedIce() {
	e.mu.Lock()
	buffered := e.buffered
	e.buffered = nil
	e.mu.Unlock()

	for _, c := range buffered {
		if e.rtcClosed() {
			return
		}
		e.applyDeduped(c)
	}
}

// ReconcileFromRow applies every candidate in candidates that hasn't been
// seen yet, in order. Called on every UPDATE event and on poll ticks;
// candidates must be fetched fresh from the gateway rather than trusted
// from a partial realtime payload (§4.C, §4.E).
func (e *Exchange) ReconcileFromRow(candidates []callproto.ICECandidate) {
	if !e.rtc.HasRemoteDescription() {
		e.mu.Lock()
		for _, c := range candidates {
			if _, ok := e.seen[c.DedupeKey()]; !ok {
				e.buffered = append(e.buffered, c)
			}
		}
		e.mu.Unlock()
		return
	}

	for _, c := range candidates {
		if e.rtcClosed() {
			return
		}
		e.applyDeduped(c)
	}
}

func (e *Exchange) applyDeduped(c callproto.ICECandidate) {
	if !c.IsEndOfCandidates() && c.Candidate == "" {
		// Same malformed-candidate guard as DeliverRemoteCandidate (§4.C edge
		// case); ReconcileFromRow routes through here too, so a bad row value
		// reaching this path silently never gets to AddICECandidate.
		return
	}

	key := c.DedupeKey()

	e.mu.Lock()
	if _, ok := e.seen[key]; ok {
		e.mu.Unlock()
		return
	}
	e.seen[key] = struct{}{}
	e.mu.Unlock()

	var mLineIndex *uint16
	var mid *string
	if !c.IsEndOfCandidates() {
		mLineIndex = c.SDPMLineIndex
		mid = c.SDPMid
	}

	if err := e.rtc.AddICECandidate(c.Candidate, mLineIndex, mid); err != nil {
		e.log.Error("applying remote ICE candidate", "error", err)
	}
}

func (e *Exchange) rtcClosed() bool {
	select {
	case <-e.rtc.Done():
		return true
	default:
		return false
	}
}
