// Package reconciler keeps local orders consistent with provider-side truth.
// A pass pages through stuck non-terminal orders in ascending id order, queries their providers with
// bounded concurrency, applies observed statuses and finally expires orders that are too old.
package reconciler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/repository"
)

type State int32

const (
	StateIdle State = iota
	StateScanning
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "SCANNING"
	case StateSyncing:
		return "SYNCING"
	default:
		return "IDLE"
	}
}

type Config struct {
	Interval    time.Duration // between passes
	QuietPeriod time.Duration // orders updated more recently are left alone
	BatchSize   int
	Concurrency int // in-flight queries per provider

	MaxRetries int
	RetryDelay time.Duration

	ExpiryAge  time.Duration
	BatchPause time.Duration

	// Next batch waits while the process RSS is above, zero disables the check
	MemoryHighWater uint64
	// First wait on memory pressure, doubled up to a minute while pressure lasts
	ThrottleDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		QuietPeriod: 10 * time.Minute,
		BatchSize:   100,
		Concurrency: 5,
		MaxRetries:  3,
		RetryDelay:  30 * time.Minute,
		ExpiryAge:   24 * time.Hour,
		BatchPause:  time.Second,

		ThrottleDelay: 5 * time.Second,
	}
}

type orderService interface {
	Sync(ctx context.Context, o models.Order, actor string, bucket time.Duration) (models.Order, error)
	Expire(ctx context.Context, reference string) (models.Order, bool, error)
	MarkSyncFailed(ctx context.Context, reference string, retries int) error
	RecordSyncRetry(ctx context.Context, reference string, retries int, next time.Time) error
}

type orderLister interface {
	ListSyncCandidates(ctx context.Context, updatedBefore time.Time, page repository.Page) ([]models.Order, error)
	ListExpiryCandidates(ctx context.Context, createdBefore time.Time, page repository.Page) ([]models.Order, error)
}

type Reconciler struct {
	cfg     Config
	orders  orderLister
	service orderService
	memory  MemoryProbe
	retries *retryTracker

	state   atomic.Int32
	trigger chan struct{}

	now    func() time.Time
	logger logger.Logger
}

func New(cfg Config, orders orderLister, service orderService, memory MemoryProbe, logger logger.Logger) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ThrottleDelay <= 0 {
		cfg.ThrottleDelay = def.ThrottleDelay
	}

	return &Reconciler{
		cfg:     cfg,
		orders:  orders,
		service: service,
		memory:  memory,
		retries: newRetryTracker(cfg.MaxRetries, cfg.RetryDelay),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
		logger:  logger,
	}
}

func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Trigger requests a pass without waiting for the ticker. Requests during a pass coalesce.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run passes on every tick and trigger until ctx is done.
// The returned channel is closed when the in-flight batch has finished.
func (r *Reconciler) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	r.logger.Debug("Starting reconciler", "interval", r.cfg.Interval, "batch_size", r.cfg.BatchSize)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Debug("Reconciler stopped by context")
				return
			case <-ticker.C:
			case <-r.trigger:
			}

			report := r.RunOnce(ctx)
			r.logger.Info("Reconciliation pass finished",
				"scanned", report.Scanned,
				"synced", report.Synced,
				"changed", report.Changed,
				"failed", report.Failed,
				"deferred", report.Deferred,
				"sync_failed", report.MarkedSyncFailed,
				"expired", report.Expired,
				"throttled", report.Throttled,
				"failure_rate", report.FailureRate(),
				"duration", report.Duration,
			)
		}
	}()

	return idleStopped
}

// RunOnce performs one full pass. Cancelling ctx stops the pass after the in-flight batch.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	started := r.now()
	report := Report{StartedAt: started}
	defer r.state.Store(int32(StateIdle))

	r.syncPass(ctx, started, &report)
	if ctx.Err() == nil {
		r.expirePass(ctx, started, &report)
	}

	report.Duration = r.now().Sub(started)
	return report
}

func (r *Reconciler) syncPass(ctx context.Context, started time.Time, report *Report) {
	updatedBefore := started.Add(-r.cfg.QuietPeriod)
	page := repository.Page{Limit: r.cfg.BatchSize}

	for {
		if !r.waitForMemory(ctx, report) {
			return
		}

		r.state.Store(int32(StateScanning))
		batch, err := r.orders.ListSyncCandidates(ctx, updatedBefore, page)
		if err != nil {
			r.logger.Error("Failed to list sync candidates", "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		report.Scanned += len(batch)
		report.Batches++

		r.state.Store(int32(StateSyncing))
		// in-flight batch runs to completion on shutdown
		r.syncBatch(context.WithoutCancel(ctx), batch, report)

		page.AfterID = batch[len(batch)-1].ID
		if len(batch) < page.Limit {
			return
		}

		if !r.pause(ctx) {
			return
		}
	}
}

func (r *Reconciler) expirePass(ctx context.Context, started time.Time, report *Report) {
	if r.cfg.ExpiryAge <= 0 {
		return
	}

	createdBefore := started.Add(-r.cfg.ExpiryAge)
	page := repository.Page{Limit: r.cfg.BatchSize}

	for {
		if !r.waitForMemory(ctx, report) {
			return
		}

		r.state.Store(int32(StateScanning))
		batch, err := r.orders.ListExpiryCandidates(ctx, createdBefore, page)
		if err != nil {
			r.logger.Error("Failed to list expiry candidates", "error", err)
			return
		}

		r.state.Store(int32(StateSyncing))
		for _, o := range batch {
			_, applied, err := r.service.Expire(context.WithoutCancel(ctx), o.Reference)
			if err != nil {
				r.logger.Error("Failed to expire order", "reference", o.Reference, "error", err)
				continue
			}
			if applied {
				r.retries.forget(o.Reference)
				report.Expired++
			}
		}

		if len(batch) < page.Limit {
			return
		}
		page.AfterID = batch[len(batch)-1].ID
	}
}

// waitForMemory holds the next batch while RSS is above the high-water mark.
// Work is delayed, never dropped; false only if ctx is done.
func (r *Reconciler) waitForMemory(ctx context.Context, report *Report) bool {
	if r.memory == nil || r.cfg.MemoryHighWater == 0 {
		return ctx.Err() == nil
	}

	var b *backoff.ExponentialBackOff
	for {
		if ctx.Err() != nil {
			return false
		}

		rss, err := r.memory.RSS()
		if err != nil {
			r.logger.Warn("Failed to probe memory", "error", err)
			return true
		}
		if rss <= r.cfg.MemoryHighWater {
			return true
		}

		if b == nil {
			b = backoff.NewExponentialBackOff()
			b.InitialInterval = r.cfg.ThrottleDelay
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			b.Reset()
		}
		delay := b.NextBackOff()

		report.Throttled++
		r.logger.Warn("Memory above high-water mark, next batch delayed",
			"rss", rss,
			"high_water", r.cfg.MemoryHighWater,
			"delay", delay,
		)
		if !r.sleep(ctx, delay) {
			return false
		}
	}
}

// pause between batches; false if ctx is done
func (r *Reconciler) pause(ctx context.Context) bool {
	return r.sleep(ctx, r.cfg.BatchPause)
}

func (r *Reconciler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
