package lockbox

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestScheduler(t *testing.T, policy RotationPolicy, watcher EnrollmentWatcher) (*RotationScheduler, *RotationManager, chan RotationEvent) {
	t.Helper()

	store := newMemStore()
	keys := newFakeKeyStore(t, false)
	auth := &fakeAuthenticator{biometry: true}
	engine := NewEngine(keys, auth, zerolog.Nop())
	events := &eventBus{}
	manager := NewRotationManager(store, engine, events, policy, false, testNamespace, nil, zerolog.Nop())
	probe := NewCapabilityProbe(keys, auth)

	ch := make(chan RotationEvent, 16)
	events.subscribe(func(ev RotationEvent) { ch <- ev })

	return NewRotationScheduler(manager, watcher, events, policy, probe, zerolog.Nop()), manager, ch
}

func waitForEvent(t *testing.T, ch chan RotationEvent, want RotationEventType) RotationEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestSchedulerRotatesOnBiometricChange(t *testing.T) {
	policy := DefaultRotationPolicy()
	policy.RotateOnBiometricChange = true
	watcher := newFakeWatcher()

	scheduler, manager, events := newTestScheduler(t, policy, watcher)
	scheduler.Start()
	defer scheduler.Stop()

	watcher.ch <- BiometricEnrollmentChanged

	ev := waitForEvent(t, events, RotationCapabilityChanged)
	if ev.Capability != string(BiometricEnrollmentChanged) {
		t.Errorf("capability = %s, want %s", ev.Capability, BiometricEnrollmentChanged)
	}
	waitForEvent(t, events, RotationCompleted)

	status := manager.Status()
	if status.LastRotationAt.IsZero() {
		t.Error("rotation did not run")
	}
}

func TestSchedulerHonorsCredentialPolicy(t *testing.T) {
	policy := DefaultRotationPolicy()
	policy.RotateOnCredentialChange = false
	watcher := newFakeWatcher()

	scheduler, manager, events := newTestScheduler(t, policy, watcher)
	scheduler.Start()
	defer scheduler.Stop()

	watcher.ch <- DeviceCredentialChanged

	// The capability event fires, but no rotation follows.
	waitForEvent(t, events, RotationCapabilityChanged)
	select {
	case ev := <-events:
		if ev.Type == RotationStarted {
			t.Error("credential change must not rotate when the policy says no")
		}
	case <-time.After(200 * time.Millisecond):
	}

	if !manager.Status().LastRotationAt.IsZero() {
		t.Error("rotation ran despite disabled trigger")
	}
}

func TestSchedulerDisabledPolicyNeverStarts(t *testing.T) {
	policy := DefaultRotationPolicy()
	policy.Enabled = false
	watcher := newFakeWatcher()

	scheduler, _, events := newTestScheduler(t, policy, watcher)
	scheduler.Start()
	defer scheduler.Stop()

	watcher.ch <- BiometricEnrollmentChanged

	select {
	case ev := <-events:
		t.Errorf("disabled scheduler emitted %s", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	policy := DefaultRotationPolicy()
	scheduler, _, _ := newTestScheduler(t, policy, newFakeWatcher())

	scheduler.Start()
	scheduler.Start() // second start is a no-op
	scheduler.Stop()
	scheduler.Stop() // second stop must not block or panic
}
