package media

import (
	"context"
	"sync"
)

// FakeProvider is an in-memory Provider for tests, built the way the
// teacher's fake_test.go builds fakeWireGuardDevice: a mutex-guarded struct
// recording calls, with small inspection helpers.
type FakeProvider struct {
	mu sync.Mutex

	acquireCalls int
	releaseCalls int
	acquireErr   error

	acquired     bool
	muted        bool
	videoEnabled bool
}

// NewFakeProvider returns an empty FakeProvider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// FailNextAcquire makes the next Acquire call return err instead of
// succeeding, used to simulate ErrDeviceBusy (§4.K).
func (f *FakeProvider) FailNextAcquire(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireErr = err
}

// Acquire implements Provider.
func (f *FakeProvider) Acquire(ctx context.Context) (Tracks, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acquireCalls++
	if f.acquireErr != nil {
		err := f.acquireErr
		f.acquireErr = nil
		return Tracks{}, err
	}
	f.acquired = true
	return Tracks{}, nil
}

// Release implements Provider.
func (f *FakeProvider) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	f.acquired = false
}

// SetMuted implements Provider.
func (f *FakeProvider) SetMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
}

// SetVideoEnabled implements Provider.
func (f *FakeProvider) SetVideoEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoEnabled = enabled
}

// --- Test inspection helpers ---

// AcquireCalls returns how many times Acquire has been called.
func (f *FakeProvider) AcquireCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquireCalls
}

// ReleaseCalls returns how many times Release has been called.
func (f *FakeProvider) ReleaseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseCalls
}

// Acquired reports whether media is currently considered acquired.
func (f *FakeProvider) Acquired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired
}

// Muted reports the last value passed to SetMuted.
func (f *FakeProvider) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

// VideoEnabled reports the last value passed to SetVideoEnabled.
func (f *FakeProvider) VideoEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.videoEnabled
}
