package reconciler

import "time"

// Report of one reconciliation pass
type Report struct {
	StartedAt time.Time
	Duration  time.Duration
	Batches   int

	Scanned          int
	Synced           int // queried successfully
	Changed          int // status moved
	Failed           int
	Deferred         int // waiting for retry delay
	MarkedSyncFailed int
	Expired          int

	// Batches delayed on memory pressure
	Throttled int
}

// FailureRate of provider queries in the pass, zero when nothing was queried
func (r Report) FailureRate() float64 {
	queried := r.Synced + r.Failed
	if queried == 0 {
		return 0
	}
	return float64(r.Failed) / float64(queried)
}
