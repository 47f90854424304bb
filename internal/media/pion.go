package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// PionProvider is the default Provider: it creates local
// TrackLocalStaticSample tracks via pion/webrtc, the same construction the
// RTC layer's own tests use (internal/rtc/peer_test.go). Actual device
// capture (camera/microphone frame sourcing) is a host-platform concern
// outside this module's scope; PionProvider hands back tracks a platform
// layer feeds with samples, mirroring how internal/rtc.Peer already treats
// TrackLocal as an opaque sender.
type PionProvider struct {
	streamID string

	mu           sync.Mutex
	audio        *webrtc.TrackLocalStaticSample
	video        *webrtc.TrackLocalStaticSample
	muted        bool
	videoEnabled bool
}

// NewPionProvider creates a PionProvider. streamID groups the audio and
// video track under one MediaStream id; if empty, a random one is generated.
func NewPionProvider(streamID string) *PionProvider {
	if streamID == "" {
		streamID = uuid.NewString()
	}
	return &PionProvider{streamID: streamID}
}

// Acquire implements Provider.
func (p *PionProvider) Acquire(ctx context.Context) (Tracks, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-"+p.streamID, p.streamID,
	)
	if err != nil {
		return Tracks{}, fmt.Errorf("creating local audio track: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video-"+p.streamID, p.streamID,
	)
	if err != nil {
		return Tracks{}, fmt.Errorf("creating local video track: %w", err)
	}

	p.mu.Lock()
	p.audio = audio
	p.video = video
	p.mu.Unlock()

	return Tracks{Audio: audio, Video: video}, nil
}

// Release implements Provider. TrackLocalStaticSample has no explicit
// close; dropping the reference is sufficient once the track is removed
// from the peer connection (the RTC layer owns that removal on Close).
func (p *PionProvider) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audio = nil
	p.video = nil
}

// SetMuted implements Provider. TrackLocalStaticSample itself has no
// enabled flag; muting is enforced by the platform sample-feeder skipping
// WriteSample calls while muted, so this just records intent for that
// feeder to observe.
func (p *PionProvider) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

// Muted reports the current mute intent, for the sample feeder to check.
func (p *PionProvider) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// SetVideoEnabled implements Provider.
func (p *PionProvider) SetVideoEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoEnabled = enabled
}

// VideoEnabled reports the current video-enabled intent, for the sample
// feeder to check.
func (p *PionProvider) VideoEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoEnabled
}
