package lockbox

import (
	"sync"
	"time"
)

// eventBus delivers rotation lifecycle events to at most one subscriber, the
// fan-out the mobile embedders assume: the UI layer registers a single
// callback and replaces it wholesale. Publishing with no subscriber drops the
// event. Callbacks run synchronously on the publishing goroutine and must not
// call back into the vault.
type eventBus struct {
	mu         sync.RWMutex
	subscriber func(RotationEvent)
}

func (b *eventBus) subscribe(fn func(RotationEvent)) {
	b.mu.Lock()
	b.subscriber = fn
	b.mu.Unlock()
}

func (b *eventBus) unsubscribe() {
	b.mu.Lock()
	b.subscriber = nil
	b.mu.Unlock()
}

func (b *eventBus) publish(ev RotationEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	fn := b.subscriber
	b.mu.RUnlock()

	if fn != nil {
		fn(ev)
	}
}
