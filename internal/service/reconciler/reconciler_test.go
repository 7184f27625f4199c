package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/provider"
	"github.com/nkiryanov/paygate/internal/repository"
)

type serviceMock struct {
	mock.Mock
}

func (m *serviceMock) Sync(ctx context.Context, o models.Order, actor string, bucket time.Duration) (models.Order, error) {
	args := m.Called(ctx, o, actor, bucket)
	return args.Get(0).(models.Order), args.Error(1)
}

func (m *serviceMock) Expire(ctx context.Context, reference string) (models.Order, bool, error) {
	args := m.Called(ctx, reference)
	return args.Get(0).(models.Order), args.Bool(1), args.Error(2)
}

func (m *serviceMock) MarkSyncFailed(ctx context.Context, reference string, retries int) error {
	return m.Called(ctx, reference, retries).Error(0)
}

func (m *serviceMock) RecordSyncRetry(ctx context.Context, reference string, retries int, next time.Time) error {
	return m.Called(ctx, reference, retries, next).Error(0)
}

type listerMock struct {
	mock.Mock
}

func (m *listerMock) ListSyncCandidates(ctx context.Context, updatedBefore time.Time, page repository.Page) ([]models.Order, error) {
	args := m.Called(ctx, updatedBefore, page)
	orders, _ := args.Get(0).([]models.Order)
	return orders, args.Error(1)
}

func (m *listerMock) ListExpiryCandidates(ctx context.Context, createdBefore time.Time, page repository.Page) ([]models.Order, error) {
	args := m.Called(ctx, createdBefore, page)
	orders, _ := args.Get(0).([]models.Order)
	return orders, args.Error(1)
}

type memoryFunc func() (uint64, error)

func (f memoryFunc) RSS() (uint64, error) { return f() }

func pending(id int64, ref, providerName string) models.Order {
	return models.Order{ID: id, Reference: ref, Provider: models.ProviderInfo{Name: providerName}, Status: models.OrderStatusPending}
}

func withStatus(o models.Order, s models.OrderStatus) models.Order {
	o.Status = s
	return o
}

func byRef(ref string) any {
	return mock.MatchedBy(func(o models.Order) bool { return o.Reference == ref })
}

func TestReconciler_RunOnce(t *testing.T) {
	t0 := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T, cfg Config) (*Reconciler, *listerMock, *serviceMock, *time.Time) {
		lister := &listerMock{}
		service := &serviceMock{}
		t.Cleanup(func() {
			lister.AssertExpectations(t)
			service.AssertExpectations(t)
		})

		now := t0
		r := New(cfg, lister, service, nil, logger.NewNoOpLogger())
		r.now = func() time.Time { return now }
		return r, lister, service, &now
	}

	cfg := DefaultConfig()
	cfg.BatchPause = 0

	t.Run("failures are isolated", func(t *testing.T) {
		r, lister, service, _ := setup(t, cfg)

		a, b, c := pending(1, "a", "starpay"), pending(2, "b", "starpay"), pending(3, "c", "novapay")
		lister.On("ListSyncCandidates", mock.Anything, t0.Add(-10*time.Minute), repository.Page{Limit: 100}).
			Return([]models.Order{a, b, c}, nil).Once()
		lister.On("ListExpiryCandidates", mock.Anything, t0.Add(-24*time.Hour), repository.Page{Limit: 100}).
			Return(nil, nil).Once()

		service.On("Sync", mock.Anything, byRef("a"), models.ActorReconciler, 5*time.Minute).Return(withStatus(a, models.OrderStatusSuccess), nil).Once()
		service.On("Sync", mock.Anything, byRef("b"), models.ActorReconciler, 5*time.Minute).Return(b, provider.Unavailable("starpay", context.DeadlineExceeded)).Once()
		service.On("Sync", mock.Anything, byRef("c"), models.ActorReconciler, 5*time.Minute).Return(c, nil).Once()
		service.On("RecordSyncRetry", mock.Anything, "b", 1, t0.Add(30*time.Minute)).Return(nil).Once()

		report := r.RunOnce(t.Context())

		require.Equal(t, 3, report.Scanned)
		require.Equal(t, 2, report.Synced)
		require.Equal(t, 1, report.Changed)
		require.Equal(t, 1, report.Failed)
		require.InDelta(t, 1.0/3.0, report.FailureRate(), 1e-9)
		require.Equal(t, StateIdle, r.State())
	})

	t.Run("retries then sync failed", func(t *testing.T) {
		r, lister, service, now := setup(t, cfg)

		a := pending(1, "a", "starpay")
		lister.On("ListSyncCandidates", mock.Anything, mock.Anything, mock.Anything).Return([]models.Order{a}, nil)
		lister.On("ListExpiryCandidates", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)

		unavailable := provider.Unavailable("starpay", errors.New("connection refused"))
		service.On("Sync", mock.Anything, byRef("a"), mock.Anything, mock.Anything).Return(a, unavailable).Times(3)
		service.On("RecordSyncRetry", mock.Anything, "a", 1, t0.Add(30*time.Minute)).Return(nil).Once()
		service.On("RecordSyncRetry", mock.Anything, "a", 2, t0.Add(60*time.Minute)).Return(nil).Once()
		service.On("MarkSyncFailed", mock.Anything, "a", 3).Return(nil).Once()

		report := r.RunOnce(t.Context())
		require.Equal(t, 1, report.Failed)

		*now = t0.Add(10 * time.Minute)
		report = r.RunOnce(t.Context())
		require.Equal(t, 1, report.Deferred, "retry delay not passed")
		require.Zero(t, report.FailureRate())

		*now = t0.Add(30 * time.Minute)
		report = r.RunOnce(t.Context())
		require.Equal(t, 1, report.Failed)

		*now = t0.Add(60 * time.Minute)
		report = r.RunOnce(t.Context())
		require.Equal(t, 1, report.MarkedSyncFailed)
	})

	t.Run("rejections are not retried", func(t *testing.T) {
		r, lister, service, _ := setup(t, cfg)

		a := pending(1, "a", "starpay")
		lister.On("ListSyncCandidates", mock.Anything, mock.Anything, mock.Anything).Return([]models.Order{a}, nil).Once()
		lister.On("ListExpiryCandidates", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Once()
		service.On("Sync", mock.Anything, byRef("a"), mock.Anything, mock.Anything).Return(a, provider.Rejected("starpay", "1001", "order not found")).Once()

		report := r.RunOnce(t.Context())

		require.Equal(t, 1, report.Failed)
		require.Zero(t, report.MarkedSyncFailed)
	})

	t.Run("success clears persisted retries", func(t *testing.T) {
		r, lister, service, _ := setup(t, cfg)

		a := pending(1, "a", "starpay")
		a.SyncRetries = 2
		lister.On("ListSyncCandidates", mock.Anything, mock.Anything, mock.Anything).Return([]models.Order{a}, nil).Once()
		lister.On("ListExpiryCandidates", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Once()
		service.On("Sync", mock.Anything, byRef("a"), mock.Anything, mock.Anything).Return(a, nil).Once()
		service.On("RecordSyncRetry", mock.Anything, "a", 0, time.Time{}).Return(nil).Once()

		report := r.RunOnce(t.Context())

		require.Equal(t, 1, report.Synced)
		require.Zero(t, report.Changed)
	})

	t.Run("persisted retry delay honoured after restart", func(t *testing.T) {
		r, lister, service, now := setup(t, cfg)

		// fresh tracker, state known only from the stored order
		a := pending(1, "a", "starpay")
		a.SyncRetries = 1
		next := t0.Add(20 * time.Minute)
		a.NextSyncAt = &next
		lister.On("ListSyncCandidates", mock.Anything, mock.Anything, mock.Anything).Return([]models.Order{a}, nil).Twice()
		lister.On("ListExpiryCandidates", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Twice()

		report := r.RunOnce(t.Context())
		require.Equal(t, 1, report.Deferred, "persisted due time not reached")
		require.Zero(t, report.Synced)

		unavailable := provider.Unavailable("starpay", errors.New("connection refused"))
		service.On("Sync", mock.Anything, byRef("a"), mock.Anything, mock.Anything).Return(a, unavailable).Once()
		service.On("RecordSyncRetry", mock.Anything, "a", 2, next.Add(30*time.Minute)).Return(nil).Once()

		*now = next
		report = r.RunOnce(t.Context())
		require.Equal(t, 1, report.Failed, "queried once due, counter continues from the stored one")
	})

	t.Run("pages in ascending id order", func(t *testing.T) {
		small := cfg
		small.BatchSize = 2
		r, lister, service, _ := setup(t, small)

		a, b, c := pending(1, "a", "starpay"), pending(2, "b", "starpay"), pending(5, "c", "starpay")
		lister.On("ListSyncCandidates", mock.Anything, mock.Anything, repository.Page{AfterID: 0, Limit: 2}).Return([]models.Order{a, b}, nil).Once()
		lister.On("ListSyncCandidates", mock.Anything, mock.Anything, repository.Page{AfterID: 2, Limit: 2}).Return([]models.Order{c}, nil).Once()
		lister.On("ListExpiryCandidates", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Once()
		for _, o := range []models.Order{a, b, c} {
			service.On("Sync", mock.Anything, byRef(o.Reference), mock.Anything, mock.Anything).Return(o, nil).Once()
		}

		report := r.RunOnce(t.Context())

		require.Equal(t, 2, report.Batches)
		require.Equal(t, 3, report.Synced)
	})

	t.Run("expiry sweep", func(t *testing.T) {
		r, lister, service, _ := setup(t, cfg)

		old := pending(7, "old", "starpay")
		lister.On("ListSyncCandidates", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Once()
		lister.On("ListExpiryCandidates", mock.Anything, t0.Add(-24*time.Hour), repository.Page{Limit: 100}).Return([]models.Order{old}, nil).Once()
		service.On("Expire", mock.Anything, "old").Return(withStatus(old, models.OrderStatusExpired), true, nil).Once()

		report := r.RunOnce(t.Context())

		require.Equal(t, 1, report.Expired)
	})

	t.Run("memory pressure delays the next batch", func(t *testing.T) {
		pressured := cfg
		pressured.BatchSize = 1
		pressured.MemoryHighWater = 100
		pressured.ThrottleDelay = time.Millisecond
		r, lister, service, _ := setup(t, pressured)

		// spike seen only before the second batch
		probes := 0
		r.memory = memoryFunc(func() (uint64, error) {
			probes++
			if probes == 2 {
				return 200, nil
			}
			return 50, nil
		})

		a, b, old := pending(1, "a", "starpay"), pending(2, "b", "starpay"), pending(7, "old", "starpay")
		lister.On("ListSyncCandidates", mock.Anything, mock.Anything, repository.Page{AfterID: 0, Limit: 1}).Return([]models.Order{a}, nil).Once()
		lister.On("ListSyncCandidates", mock.Anything, mock.Anything, repository.Page{AfterID: 1, Limit: 1}).Return([]models.Order{b}, nil).Once()
		lister.On("ListSyncCandidates", mock.Anything, mock.Anything, repository.Page{AfterID: 2, Limit: 1}).Return(nil, nil).Once()
		lister.On("ListExpiryCandidates", mock.Anything, mock.Anything, repository.Page{AfterID: 0, Limit: 1}).Return([]models.Order{old}, nil).Once()
		lister.On("ListExpiryCandidates", mock.Anything, mock.Anything, repository.Page{AfterID: 7, Limit: 1}).Return(nil, nil).Once()
		service.On("Sync", mock.Anything, byRef("a"), mock.Anything, mock.Anything).Return(a, nil).Once()
		service.On("Sync", mock.Anything, byRef("b"), mock.Anything, mock.Anything).Return(b, nil).Once()
		service.On("Expire", mock.Anything, "old").Return(withStatus(old, models.OrderStatusExpired), true, nil).Once()

		report := r.RunOnce(t.Context())

		require.Equal(t, 1, report.Throttled)
		require.Equal(t, 2, report.Scanned, "batch after the spike still runs")
		require.Equal(t, 2, report.Synced)
		require.Equal(t, 1, report.Expired, "expiry sweep runs after a throttled pass")
	})

	t.Run("sustained memory pressure waits until cancelled", func(t *testing.T) {
		pressured := cfg
		pressured.MemoryHighWater = 100
		pressured.ThrottleDelay = time.Millisecond
		r, _, _, _ := setup(t, pressured)
		r.memory = memoryFunc(func() (uint64, error) { return 200, nil })

		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()

		report := r.RunOnce(ctx)

		require.Positive(t, report.Throttled)
		require.Zero(t, report.Scanned)
		require.Equal(t, StateIdle, r.State())
	})

	t.Run("cancelled context starts no batch", func(t *testing.T) {
		r, _, _, _ := setup(t, cfg)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		report := r.RunOnce(ctx)

		require.Zero(t, report.Batches)
	})
}

func TestReconciler_Run(t *testing.T) {
	lister := &listerMock{}
	service := &serviceMock{}

	listed := make(chan struct{}, 1)
	lister.On("ListSyncCandidates", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { listed <- struct{}{} }).
		Return(nil, nil)
	lister.On("ListExpiryCandidates", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	r := New(cfg, lister, service, nil, logger.NewNoOpLogger())

	ctx, cancel := context.WithCancel(t.Context())
	stopped := r.Run(ctx)

	r.Trigger()
	select {
	case <-listed:
	case <-time.After(time.Second):
		t.Fatal("triggered pass did not run")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
	require.Equal(t, StateIdle, r.State())
}

func TestReport_FailureRate(t *testing.T) {
	require.Zero(t, Report{}.FailureRate())
	require.Equal(t, 0.25, Report{Synced: 3, Failed: 1}.FailureRate())
}
