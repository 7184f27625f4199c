package reconciler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/provider"
)

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeChanged
	outcomeFailed
	outcomeDeferred
	outcomeSyncFailed
)

// syncBatch queries providers concurrently; every provider gets its own in-flight limit.
// A failing order never aborts the batch.
func (r *Reconciler) syncBatch(ctx context.Context, batch []models.Order, report *Report) {
	groups := make(map[string][]int)
	for i, o := range batch {
		groups[o.Provider.Name] = append(groups[o.Provider.Name], i)
	}

	outcomes := make([]outcome, len(batch))

	var providers errgroup.Group
	for name, idx := range groups {
		providers.Go(func() error {
			var g errgroup.Group
			g.SetLimit(r.cfg.Concurrency)

			for _, i := range idx {
				g.Go(func() error {
					outcomes[i] = r.syncOrder(ctx, batch[i])
					return nil
				})
			}

			err := g.Wait()
			r.logger.Debug("Provider group synced", "provider", name, "orders", len(idx))
			return err
		})
	}
	_ = providers.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeUnchanged:
			report.Synced++
		case outcomeChanged:
			report.Synced++
			report.Changed++
		case outcomeFailed:
			report.Failed++
		case outcomeSyncFailed:
			report.Failed++
			report.MarkedSyncFailed++
		case outcomeDeferred:
			report.Deferred++
		}
	}
}

func (r *Reconciler) syncOrder(ctx context.Context, o models.Order) outcome {
	now := r.now()
	if !r.retries.due(o, now) {
		return outcomeDeferred
	}

	updated, err := r.service.Sync(ctx, o, models.ActorReconciler, r.cfg.Interval)
	switch {
	case err == nil:
		if tracked := r.retries.forget(o.Reference); tracked || o.SyncRetries > 0 || o.NextSyncAt != nil {
			if err := r.service.RecordSyncRetry(ctx, o.Reference, 0, time.Time{}); err != nil {
				r.logger.Error("Failed to reset sync retries", "reference", o.Reference, "error", err)
			}
		}
		if updated.Status != o.Status {
			return outcomeChanged
		}
		return outcomeUnchanged

	case provider.IsRetryable(err):
		attempts, next, exhausted := r.retries.fail(o.Reference, o.SyncRetries, now)
		if exhausted {
			if err := r.service.MarkSyncFailed(ctx, o.Reference, attempts); err != nil {
				r.logger.Error("Failed to mark order sync failed", "reference", o.Reference, "error", err)
			}
			return outcomeSyncFailed
		}

		r.logger.Info("Provider unavailable, sync retry scheduled",
			"reference", o.Reference,
			"provider", o.Provider.Name,
			"attempt", attempts,
			"next_attempt", next,
			"error", err,
		)
		if err := r.service.RecordSyncRetry(ctx, o.Reference, attempts, next); err != nil {
			r.logger.Error("Failed to record sync retry", "reference", o.Reference, "error", err)
		}
		return outcomeFailed

	default:
		r.logger.Error("Failed to sync order", "reference", o.Reference, "provider", o.Provider.Name, "error", err)
		return outcomeFailed
	}
}
