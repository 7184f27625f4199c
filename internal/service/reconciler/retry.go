package reconciler

import (
	"sync"
	"time"

	"github.com/nkiryanov/paygate/internal/models"
)

type retryEntry struct {
	attempts int
	next     time.Time
}

// retryTracker counts consecutive unavailable failures per order.
// Counter and due time persisted with the order seed the tracker after a restart.
type retryTracker struct {
	mu      sync.Mutex
	max     int
	delay   time.Duration
	entries map[string]retryEntry
}

func newRetryTracker(maxAttempts int, delay time.Duration) *retryTracker {
	return &retryTracker{
		max:     maxAttempts,
		delay:   delay,
		entries: make(map[string]retryEntry),
	}
}

// due reports whether the order may be queried now
func (t *retryTracker) due(o models.Order, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[o.Reference]; ok {
		return !now.Before(e.next)
	}
	return o.NextSyncAt == nil || !now.Before(*o.NextSyncAt)
}

// fail records a failed attempt and when the next one is due. Exhausted orders are dropped from the tracker.
func (t *retryTracker) fail(ref string, persisted int, now time.Time) (attempts int, next time.Time, exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[ref]
	e.attempts = max(e.attempts, persisted) + 1

	if e.attempts >= t.max {
		delete(t.entries, ref)
		return e.attempts, time.Time{}, true
	}

	e.next = now.Add(t.delay)
	t.entries[ref] = e
	return e.attempts, e.next, false
}

// forget drops the order, reports whether it was tracked
func (t *retryTracker) forget(ref string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[ref]
	delete(t.entries, ref)
	return ok
}
