// Package media implements Media Pre-warm / Cleanup (§4.K): the interface
// every endpoint's local audio/video source satisfies, plus the lifecycle
// rules — pre-warm on entering ringing, release exactly once on any
// terminal transition, and a force-cleanup path for host-platform unmount.
//
// Grounded on the teacher's internal/agent/deps.go interface-per-concern
// shape (SignalingClient, WireGuardDevice, NetworkManager, …, each a small
// structurally-satisfied interface): Provider plays the same role here,
// satisfied by a real pion-backed implementation and, for tests, by a
// recording fake built the way internal/agent/fake_test.go builds
// fakeWireGuardDevice.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Tracks is the pair of local sender tracks one endpoint offers.
type Tracks struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

// Provider abstracts local media acquisition for testability (§4.K, §6:
// "a local media/RTC provider" collaborator). A real implementation backs
// Acquire with the host platform's camera/microphone capture; Release stops
// and discards those tracks.
type Provider interface {
	// Acquire starts local audio/video capture and returns the resulting
	// tracks, ready to be added to a peer connection.
	//
	// ErrDeviceBusy is returned (wrapped) when the device is already in use
	// by another process — §4.K requires this be logged and not surfaced as
	// a failure, since the device is re-acquired on accept.
	Acquire(ctx context.Context) (Tracks, error)

	// Release stops all local tracks and releases the underlying device.
	// Idempotent: calling Release when nothing is acquired is a no-op.
	Release()

	// SetMuted flips the audio track's enabled flag without replacing it
	// (§5: "must not replace them mid-call").
	SetMuted(muted bool)

	// SetVideoEnabled flips the video track's enabled flag without
	// replacing it.
	SetVideoEnabled(enabled bool)
}

// ErrDeviceBusy indicates the local media device could not be acquired
// because another process holds it. Pre-warm treats this as a logged,
// non-fatal condition (§4.K); outgoing/incoming call setup treats it as a
// distinguished non-fatal RTC-layer state (§4.H step 2) rather than a call
// failure.
var ErrDeviceBusy = fmt.Errorf("media: device in use")

// Manager owns the pre-warm/cleanup lifecycle around a Provider for one
// call attempt (§4.K). A new Manager must be created per call.
type Manager struct {
	provider Provider
	log      *slog.Logger

	mu          sync.Mutex
	tracks      *Tracks
	releaseOnce sync.Once
}

// NewManager creates a Manager wrapping provider.
func NewManager(provider Provider, logger *slog.Logger) *Manager {
	log := logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		provider: provider,
		log:      log.With("component", "media"),
	}
}

// PreWarm acquires local media if it isn't already present. Called when the
// state machine enters ringing (§4.K). A device-busy failure is logged and
// swallowed — the caller proceeds without local media and re-acquires on
// accept.
func (m *Manager) PreWarm(ctx context.Context) {
	m.mu.Lock()
	already := m.tracks != nil
	m.mu.Unlock()
	if already {
		return
	}

	if _, err := m.Ensure(ctx); err != nil {
		m.log.Warn("media pre-warm failed", "error", err)
	}
}

// Ensure returns the current local tracks, acquiring them if necessary.
// Unlike PreWarm, a device-busy error here is returned to the caller, since
// Ensure is also used on the accept path where the caller must distinguish
// "no media, proceeding without senders" from other failures (§4.H step 2).
func (m *Manager) Ensure(ctx context.Context) (Tracks, error) {
	m.mu.Lock()
	if m.tracks != nil {
		t := *m.tracks
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()

	tracks, err := m.provider.Acquire(ctx)
	if err != nil {
		return Tracks{}, err
	}

	m.mu.Lock()
	m.tracks = &tracks
	m.mu.Unlock()

	return tracks, nil
}

// HasMedia reports whether local tracks are currently acquired.
func (m *Manager) HasMedia() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks != nil
}

// SetMuted toggles the local audio track's enabled flag. It delegates to
// the provider whether or not media is currently acquired.
func (m *Manager) SetMuted(muted bool) {
	m.provider.SetMuted(muted)
}

// SetVideoEnabled toggles the local video track's enabled flag. It
// delegates to the provider whether or not media is currently acquired.
func (m *Manager) SetVideoEnabled(enabled bool) {
	m.provider.SetVideoEnabled(enabled)
}

// Release stops local tracks and releases the device. Safe to call
// multiple times; only the first call has any effect per Manager instance
// (§4.K: cleanup on terminal transitions), and ForceRelease exists
// specifically so a host-platform unmount can invoke it regardless of
// state.
func (m *Manager) Release() {
	m.releaseOnce.Do(func() {
		m.provider.Release()
		m.mu.Lock()
		m.tracks = nil
		m.mu.Unlock()
	})
}

// ForceRelease releases media unconditionally, ignoring the call's current
// state (§4.K: "on component unmount... force cleanup regardless of
// state"). It is equivalent to Release but named separately so call sites
// document which rule they're satisfying.
func (m *Manager) ForceRelease() {
	m.Release()
}
