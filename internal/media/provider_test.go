package media

import (
	"context"
	"errors"
	"testing"
)

func TestManager_EnsureAcquiresOnce(t *testing.T) {
	t.Parallel()

	provider := NewFakeProvider()
	m := NewManager(provider, nil)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("second Ensure() error: %v", err)
	}

	if got := provider.AcquireCalls(); got != 1 {
		t.Errorf("AcquireCalls() = %d, want 1 (Ensure must be idempotent)", got)
	}
	if !m.HasMedia() {
		t.Error("HasMedia() = false, want true after Ensure")
	}
}

func TestManager_EnsurePropagatesError(t *testing.T) {
	t.Parallel()

	provider := NewFakeProvider()
	provider.FailNextAcquire(ErrDeviceBusy)
	m := NewManager(provider, nil)

	if _, err := m.Ensure(context.Background()); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Ensure() error = %v, want ErrDeviceBusy", err)
	}
	if m.HasMedia() {
		t.Error("HasMedia() = true after a failed Ensure")
	}
}

func TestManager_PreWarmSwallowsDeviceBusy(t *testing.T) {
	t.Parallel()

	provider := NewFakeProvider()
	provider.FailNextAcquire(ErrDeviceBusy)
	m := NewManager(provider, nil)

	m.PreWarm(context.Background())

	if m.HasMedia() {
		t.Error("HasMedia() = true, want false after a failed pre-warm")
	}
}

func TestManager_PreWarmIsNoOpIfAlreadyAcquired(t *testing.T) {
	t.Parallel()

	provider := NewFakeProvider()
	m := NewManager(provider, nil)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	m.PreWarm(context.Background())

	if got := provider.AcquireCalls(); got != 1 {
		t.Errorf("AcquireCalls() = %d, want 1 (PreWarm must not re-acquire)", got)
	}
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	provider := NewFakeProvider()
	m := NewManager(provider, nil)

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	m.Release()
	m.Release()
	m.ForceRelease()

	if got := provider.ReleaseCalls(); got != 1 {
		t.Errorf("ReleaseCalls() = %d, want 1", got)
	}
	if m.HasMedia() {
		t.Error("HasMedia() = true after Release")
	}
}

func TestManager_SetMutedAndVideoEnabledDelegate(t *testing.T) {
	t.Parallel()

	provider := NewFakeProvider()
	m := NewManager(provider, nil)

	m.SetMuted(true)
	m.SetVideoEnabled(false)

	if !provider.Muted() {
		t.Error("provider.Muted() = false, want true")
	}
	if provider.VideoEnabled() {
		t.Error("provider.VideoEnabled() = true, want false")
	}
}
