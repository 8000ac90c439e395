package lockbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// schedulerTick is how often the scheduler compares wall-clock time against
// the rotation interval. Comparing timestamps instead of counting ticks means
// a rotation missed while the process was suspended fires on the next tick
// after wake-up.
const schedulerTick = time.Minute

// RotationScheduler drives automatic rotations: interval expiry by wall
// clock, and capability-change triggers fed by the enrollment watcher.
// Trigger rotations that collide with one already running are dropped; the
// running rotation already covers the new key material.
type RotationScheduler struct {
	manager *RotationManager
	watcher EnrollmentWatcher
	events  *eventBus
	policy  RotationPolicy
	probe   *CapabilityProbe
	log     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewRotationScheduler(manager *RotationManager, watcher EnrollmentWatcher, events *eventBus,
	policy RotationPolicy, probe *CapabilityProbe, log zerolog.Logger) *RotationScheduler {
	return &RotationScheduler{
		manager: manager,
		watcher: watcher,
		events:  events,
		policy:  policy,
		probe:   probe,
		log:     log,
	}
}

// Start launches the scheduling loop. Idempotent: a second Start while
// running is a no-op.
func (s *RotationScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || !s.policy.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.run(ctx, s.stopped)
}

// Stop halts the loop and waits for it to exit. A rotation already in flight
// runs to completion.
func (s *RotationScheduler) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.stopped = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *RotationScheduler) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	var changes <-chan CapabilityChangeKind
	if s.watcher != nil {
		changes = s.watcher.EnrollmentChanges()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.manager.Due(now) {
				s.rotate(ctx, "interval elapsed")
			}
		case kind, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.onCapabilityChange(ctx, kind)
		}
	}
}

// onCapabilityChange refreshes the cached capability snapshot, notifies
// subscribers, and rotates when the policy ties rotation to that capability.
func (s *RotationScheduler) onCapabilityChange(ctx context.Context, kind CapabilityChangeKind) {
	s.probe.Refresh()
	s.events.publish(RotationEvent{Type: RotationCapabilityChanged, Capability: string(kind)})
	s.log.Info().Str("capability", string(kind)).Msg("device capability changed")

	switch kind {
	case BiometricEnrollmentChanged:
		if s.policy.RotateOnBiometricChange {
			s.rotate(ctx, "biometric enrollment changed")
		}
	case DeviceCredentialChanged:
		if s.policy.RotateOnCredentialChange {
			s.rotate(ctx, "device credential changed")
		}
	}
}

func (s *RotationScheduler) rotate(ctx context.Context, reason string) {
	_, err := s.manager.Rotate(ctx, reason)
	if err != nil {
		if errors.Is(err, ErrRotationInProgress) {
			s.log.Debug().Str("reason", reason).Msg("scheduled rotation skipped, one already running")
			return
		}
		s.log.Error().Err(err).Str("reason", reason).Msg("scheduled rotation failed")
	}
}
