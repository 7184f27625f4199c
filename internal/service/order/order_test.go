package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/provider"
	"github.com/nkiryanov/paygate/internal/repository"
	"github.com/nkiryanov/paygate/internal/repository/postgres"
	"github.com/nkiryanov/paygate/internal/service/limits"
	"github.com/nkiryanov/paygate/internal/testutil"
)

type fakeGateway struct {
	collection provider.CollectionResult
	payout     provider.PayoutResult
	status     provider.StatusResult
	callback   provider.CallbackResult
	err        error

	collections []provider.CollectionRequest
	payouts     []provider.PayoutRequest
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) CreateCollectionOrder(_ context.Context, req provider.CollectionRequest) (provider.CollectionResult, error) {
	g.collections = append(g.collections, req)
	return g.collection, g.err
}

func (g *fakeGateway) CreatePayoutOrder(_ context.Context, req provider.PayoutRequest) (provider.PayoutResult, error) {
	g.payouts = append(g.payouts, req)
	return g.payout, g.err
}

func (g *fakeGateway) QueryStatus(context.Context, string, string) (provider.StatusResult, error) {
	return g.status, g.err
}

func (g *fakeGateway) VerifyCallback(context.Context, []byte) (provider.CallbackResult, error) {
	return g.callback, nil
}

// fakeGateways serves one gateway; callback payloads are the bare order reference
type fakeGateways struct {
	gw  *fakeGateway
	cfg models.ProviderConfig
}

func (f *fakeGateways) Resolve(context.Context, string, models.OrderType) (provider.Gateway, models.ProviderConfig, error) {
	return f.gw, f.cfg, nil
}

func (f *fakeGateways) ForOrder(_ context.Context, _ string, name string) (provider.Gateway, error) {
	if name != "fake" {
		return nil, apperrors.ErrUnknownProvider
	}
	return f.gw, nil
}

func (f *fakeGateways) PeekReference(_ string, raw []byte) (string, error) {
	return string(raw), nil
}

type limitFunc func(limits.Request) error

func (f limitFunc) Validate(_ context.Context, req limits.Request) error {
	return f(req)
}

type recorder struct {
	mu     sync.Mutex
	orders []models.Order
}

func (r *recorder) OrderChanged(_ context.Context, o models.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o)
}

func TestOrderService(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	type env struct {
		s        *OrderService
		gw       *fakeGateway
		storage  repository.Storage
		notified *recorder
		limitErr error
	}

	withTx := func(t *testing.T, fn func(e *env)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			cfg := models.NewProviderConfig("m1", "fake")
			cfg.FeeRateBps = 250

			e := &env{
				gw: &fakeGateway{
					collection: provider.CollectionResult{ProviderOrderID: "P-1", RedirectURL: "https://pay.test/P-1", Status: models.OrderStatusPending},
					payout:     provider.PayoutResult{ProviderOrderID: "P-2", Status: models.OrderStatusPending},
				},
				storage:  postgres.NewStorage(tx),
				notified: &recorder{},
			}
			validator := limitFunc(func(limits.Request) error { return e.limitErr })
			e.s = NewService(e.storage, &fakeGateways{gw: e.gw, cfg: cfg}, validator, e.notified, "http://cb.test/", logger.NewNoOpLogger())

			fn(e)
		})
	}

	deposit := CreateRequest{MerchantID: "m1", OrderID: "o-1", Type: models.OrderTypeDeposit, Amount: 10_000, Currency: "INR"}

	create := func(t *testing.T, e *env, req CreateRequest) models.Order {
		o, err := e.s.CreateOrder(t.Context(), req)
		require.NoError(t, err)
		return o
	}

	ledger := func(t *testing.T, e *env, o models.Order) []models.Transaction {
		txs, err := e.storage.Transaction().ListByOrder(t.Context(), o.Reference)
		require.NoError(t, err)
		return txs
	}

	t.Run("CreateOrder", func(t *testing.T) {
		t.Run("deposit placed and stored pending", func(t *testing.T) {
			withTx(t, func(e *env) {
				o := create(t, e, deposit)

				require.NotEmpty(t, o.Reference)
				require.NotZero(t, o.ID)
				require.Equal(t, models.OrderStatusPending, o.Status)
				require.Equal(t, int64(250), o.Fee)
				require.Equal(t, "fake", o.Provider.Name)
				require.Equal(t, "P-1", o.Provider.ProviderOrderID)
				require.Equal(t, "https://pay.test/P-1", o.RedirectURL)

				require.Len(t, e.gw.collections, 1)
				require.Equal(t, o.Reference, e.gw.collections[0].Reference)
				require.Equal(t, "http://cb.test/api/callbacks/fake", e.gw.collections[0].NotifyURL)

				stored, err := e.storage.Order().GetByMerchantOrderID(t.Context(), "m1", "o-1", false)
				require.NoError(t, err)
				require.Equal(t, o.Reference, stored.Reference)
			})
		})

		t.Run("withdrawal requires bank details", func(t *testing.T) {
			withTx(t, func(e *env) {
				req := deposit
				req.Type = models.OrderTypeWithdrawal

				_, err := e.s.CreateOrder(t.Context(), req)
				require.ErrorIs(t, err, apperrors.ErrValidation)

				req.Bank = &models.BankDetails{AccountName: "A", AccountNumber: "123", BankCode: "HDFC0001"}
				o := create(t, e, req)

				require.Equal(t, "P-2", o.Provider.ProviderOrderID)
				require.Len(t, e.gw.payouts, 1)
				require.Equal(t, "123", e.gw.payouts[0].Bank.AccountNumber)
			})
		})

		t.Run("progressed upstream status applied", func(t *testing.T) {
			withTx(t, func(e *env) {
				e.gw.collection.Status = models.OrderStatusProcessing

				o := create(t, e, deposit)

				require.Equal(t, models.OrderStatusProcessing, o.Status)
				require.NotNil(t, o.Timestamps.ProcessingStarted)
			})
		})

		t.Run("duplicate merchant order id", func(t *testing.T) {
			withTx(t, func(e *env) {
				create(t, e, deposit)

				_, err := e.s.CreateOrder(t.Context(), deposit)

				require.ErrorIs(t, err, apperrors.ErrOrderAlreadyExists)
				require.Len(t, e.gw.collections, 1, "provider not called twice")
			})
		})

		t.Run("limit rejection stores nothing", func(t *testing.T) {
			withTx(t, func(e *env) {
				e.limitErr = &apperrors.LimitError{Code: apperrors.LimitDailyExceeded, Limit: 500_000, Used: 480_000, Remaining: 20_000}

				_, err := e.s.CreateOrder(t.Context(), deposit)

				require.ErrorIs(t, err, apperrors.ErrLimitExceeded)
				require.Empty(t, e.gw.collections)
				_, err = e.storage.Order().GetByMerchantOrderID(t.Context(), "m1", "o-1", false)
				require.ErrorIs(t, err, apperrors.ErrOrderNotFound)
			})
		})

		t.Run("provider rejection stores nothing", func(t *testing.T) {
			withTx(t, func(e *env) {
				e.gw.err = provider.Rejected("fake", "E100", "merchant disabled")

				_, err := e.s.CreateOrder(t.Context(), deposit)

				require.ErrorIs(t, err, apperrors.ErrProviderRejected)
				_, err = e.storage.Order().GetByMerchantOrderID(t.Context(), "m1", "o-1", false)
				require.ErrorIs(t, err, apperrors.ErrOrderNotFound)
			})
		})

		t.Run("unknown outcome keeps order pending", func(t *testing.T) {
			withTx(t, func(e *env) {
				e.gw.err = provider.Unavailable("fake", context.DeadlineExceeded)

				o, err := e.s.CreateOrder(t.Context(), deposit)

				require.ErrorIs(t, err, apperrors.ErrPlacementUnconfirmed)
				require.ErrorIs(t, err, apperrors.ErrProviderUnavailable)
				require.Len(t, e.gw.collections, 1)
				require.NotZero(t, o.ID)
				require.Equal(t, models.OrderStatusPending, o.Status)
				require.Empty(t, o.Provider.ProviderOrderID)

				stored, err := e.storage.Order().GetByMerchantOrderID(t.Context(), "m1", "o-1", false)
				require.NoError(t, err)
				require.Equal(t, o.Reference, stored.Reference)
				require.Equal(t, e.gw.collections[0].Reference, stored.Reference, "same reference the provider may hold")

				// merchant retry must not place a second upstream order
				e.gw.err = nil
				_, err = e.s.CreateOrder(t.Context(), deposit)
				require.ErrorIs(t, err, apperrors.ErrOrderAlreadyExists)
				require.Len(t, e.gw.collections, 1)

				// reconciler settles it with provider truth
				e.gw.status = provider.StatusResult{Status: models.OrderStatusSuccess, ProviderOrderID: "P-1"}
				synced, err := e.s.Sync(t.Context(), stored, models.ActorReconciler, time.Minute)
				require.NoError(t, err)
				require.Equal(t, models.OrderStatusSuccess, synced.Status)
				require.Equal(t, "P-1", synced.Provider.ProviderOrderID)
			})
		})
	})

	t.Run("ApplyTransition", func(t *testing.T) {
		t.Run("success settles once", func(t *testing.T) {
			withTx(t, func(e *env) {
				o := create(t, e, deposit)
				req := models.TransitionRequest{To: models.OrderStatusSuccess, Reason: "paid", Actor: models.ActorReconciler, OperationID: "sync:SUCCESS:1"}

				first, applied, err := e.s.ApplyTransition(t.Context(), o.Reference, req, models.ProviderInfo{UTRNumber: "UTR-1"})
				require.NoError(t, err)
				require.True(t, applied)

				second, applied, err := e.s.ApplyTransition(t.Context(), o.Reference, req, models.ProviderInfo{})
				require.NoError(t, err)
				require.False(t, applied)

				require.Equal(t, models.OrderStatusSuccess, second.Status)
				require.Equal(t, "UTR-1", second.Provider.UTRNumber)
				require.Equal(t, first.Operations, second.Operations)
				require.Equal(t, first.StatusHistory, second.StatusHistory)

				txs := ledger(t, e, o)
				require.Len(t, txs, 1)
				require.Equal(t, int64(9_750), txs[0].BalanceChange)
				require.Equal(t, models.BalanceSnapshot{Before: 0, After: 9_750}, txs[0].BalanceSnapshot)

				require.Len(t, e.notified.orders, 1, "merchant notified once")
				require.Equal(t, models.OrderStatusSuccess, e.notified.orders[0].Status)
			})
		})

		t.Run("invalid edge", func(t *testing.T) {
			withTx(t, func(e *env) {
				o := create(t, e, deposit)

				_, applied, err := e.s.ApplyTransition(t.Context(), o.Reference, models.TransitionRequest{
					To: models.OrderStatusRefunded, Reason: "x", Actor: models.ActorSystem, OperationID: "op-1",
				}, models.ProviderInfo{})

				require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
				require.False(t, applied)
				require.Empty(t, e.notified.orders)
			})
		})

		t.Run("unknown order", func(t *testing.T) {
			withTx(t, func(e *env) {
				_, _, err := e.s.ApplyTransition(t.Context(), "missing", models.TransitionRequest{
					To: models.OrderStatusSuccess, Actor: models.ActorSystem, OperationID: "op-1",
				}, models.ProviderInfo{})

				require.ErrorIs(t, err, apperrors.ErrOrderNotFound)
			})
		})
	})

	t.Run("HandleCallback", func(t *testing.T) {
		callback := func(e *env, o models.Order, status models.OrderStatus, valid bool) {
			e.gw.callback = provider.CallbackResult{
				Valid:           valid,
				Status:          status,
				RawStatus:       string(status),
				UTR:             "UTR-9",
				ProviderOrderID: o.Provider.ProviderOrderID,
				Reference:       o.Reference,
				Ack:             "success",
			}
		}

		t.Run("valid callback applied once", func(t *testing.T) {
			withTx(t, func(e *env) {
				o := create(t, e, deposit)
				callback(e, o, models.OrderStatusSuccess, true)

				out, err := e.s.HandleCallback(t.Context(), "fake", []byte(o.Reference))
				require.NoError(t, err)
				require.True(t, out.Applied)
				require.Equal(t, "success", out.Ack)
				require.Equal(t, models.OrderStatusSuccess, out.Order.Status)
				require.Equal(t, "UTR-9", out.Order.Provider.UTRNumber)

				out, err = e.s.HandleCallback(t.Context(), "fake", []byte(o.Reference))
				require.NoError(t, err, "redelivery is acknowledged")
				require.False(t, out.Applied)

				require.Len(t, ledger(t, e, o), 1)
			})
		})

		t.Run("callback after sync is a no-op", func(t *testing.T) {
			withTx(t, func(e *env) {
				o := create(t, e, deposit)
				e.gw.status = provider.StatusResult{Status: models.OrderStatusSuccess, RawStatus: "2"}

				_, err := e.s.Sync(t.Context(), o, models.ActorReconciler, time.Minute)
				require.NoError(t, err)

				callback(e, o, models.OrderStatusSuccess, true)
				out, err := e.s.HandleCallback(t.Context(), "fake", []byte(o.Reference))

				require.NoError(t, err)
				require.False(t, out.Applied)
				require.Len(t, ledger(t, e, o), 1)
			})
		})

		t.Run("invalid signature changes nothing", func(t *testing.T) {
			withTx(t, func(e *env) {
				o := create(t, e, deposit)
				callback(e, o, models.OrderStatusSuccess, false)

				_, err := e.s.HandleCallback(t.Context(), "fake", []byte(o.Reference))
				require.ErrorIs(t, err, apperrors.ErrInvalidSignature)

				stored, err := e.storage.Order().GetByReference(t.Context(), o.Reference, false)
				require.NoError(t, err)
				require.Equal(t, models.OrderStatusPending, stored.Status)
				require.Empty(t, ledger(t, e, o))
			})
		})

		t.Run("unknown order", func(t *testing.T) {
			withTx(t, func(e *env) {
				_, err := e.s.HandleCallback(t.Context(), "fake", []byte("missing"))

				require.ErrorIs(t, err, apperrors.ErrOrderNotFound)
			})
		})

		t.Run("unmapped status acknowledged without change", func(t *testing.T) {
			withTx(t, func(e *env) {
				o := create(t, e, deposit)
				callback(e, o, models.OrderStatusUnknown, true)

				out, err := e.s.HandleCallback(t.Context(), "fake", []byte(o.Reference))

				require.NoError(t, err)
				require.False(t, out.Applied)
				require.Equal(t, models.OrderStatusPending, out.Order.Status)
			})
		})
	})

	t.Run("QueryOrder", func(t *testing.T) {
		t.Run("refreshes non-terminal order", func(t *testing.T) {
			withTx(t, func(e *env) {
				create(t, e, deposit)
				e.gw.status = provider.StatusResult{Status: models.OrderStatusSuccess, RawStatus: "2", UTR: "UTR-3"}

				o, err := e.s.QueryOrder(t.Context(), "m1", "o-1")

				require.NoError(t, err)
				require.Equal(t, models.OrderStatusSuccess, o.Status)
				require.Equal(t, "UTR-3", o.Provider.UTRNumber)
			})
		})

		t.Run("provider failure returns stored state", func(t *testing.T) {
			withTx(t, func(e *env) {
				create(t, e, deposit)
				e.gw.err = provider.Unavailable("fake", context.DeadlineExceeded)

				o, err := e.s.QueryOrder(t.Context(), "m1", "o-1")

				require.NoError(t, err)
				require.Equal(t, models.OrderStatusPending, o.Status)
			})
		})

		t.Run("not found", func(t *testing.T) {
			withTx(t, func(e *env) {
				_, err := e.s.QueryOrder(t.Context(), "m1", "nope")

				require.ErrorIs(t, err, apperrors.ErrOrderNotFound)
			})
		})
	})

	t.Run("CloseOrder", func(t *testing.T) {
		withTx(t, func(e *env) {
			create(t, e, deposit)

			o, err := e.s.CloseOrder(t.Context(), "m1", "o-1")
			require.NoError(t, err)
			require.Equal(t, models.OrderStatusCancelled, o.Status)
			require.NotNil(t, o.Timestamps.Cancelled)

			again, err := e.s.CloseOrder(t.Context(), "m1", "o-1")
			require.NoError(t, err)
			require.Equal(t, o.StatusHistory, again.StatusHistory)
		})
	})

	t.Run("Transition by operator", func(t *testing.T) {
		withTx(t, func(e *env) {
			o := create(t, e, deposit)
			_, _, err := e.s.ApplyTransition(t.Context(), o.Reference, models.TransitionRequest{
				To: models.OrderStatusManualReview, Reason: "review", Actor: models.ActorReconciler, OperationID: "sync:MANUAL_REVIEW:1",
			}, models.ProviderInfo{})
			require.NoError(t, err)

			_, _, err = e.s.ApplyTransition(t.Context(), o.Reference, models.TransitionRequest{
				To: models.OrderStatusSuccess, Reason: "paid", Actor: models.ActorReconciler, OperationID: "sync:SUCCESS:1",
			}, models.ProviderInfo{})
			require.ErrorIs(t, err, apperrors.ErrInvalidTransition, "review is left by operators only")

			o, err = e.s.Transition(t.Context(), OperatorRequest{MerchantID: "m1", OrderID: "o-1", To: models.OrderStatusSuccess, Reason: "verified payment"})
			require.NoError(t, err)
			require.Equal(t, models.OrderStatusSuccess, o.Status)
			require.Len(t, ledger(t, e, o), 1)

			o, err = e.s.Transition(t.Context(), OperatorRequest{MerchantID: "m1", OrderID: "o-1", To: models.OrderStatusPartialRefunded, Reason: "refund", Amount: 4_000})
			require.NoError(t, err)
			require.Equal(t, int64(4_000), o.RefundedAmount)

			txs := ledger(t, e, o)
			require.Len(t, txs, 2)
			require.Equal(t, int64(-4_000), txs[1].BalanceChange)
			require.Equal(t, models.BalanceSnapshot{Before: 9_750, After: 5_750}, txs[1].BalanceSnapshot)
		})
	})

	t.Run("Expire", func(t *testing.T) {
		withTx(t, func(e *env) {
			o := create(t, e, deposit)

			expired, applied, err := e.s.Expire(t.Context(), o.Reference)

			require.NoError(t, err)
			require.True(t, applied)
			require.Equal(t, models.OrderStatusExpired, expired.Status)
			require.True(t, expired.ExpiredHandled)
			require.Empty(t, ledger(t, e, o))
		})
	})

	t.Run("ResetSyncFailed", func(t *testing.T) {
		withTx(t, func(e *env) {
			o := create(t, e, deposit)
			require.NoError(t, e.s.MarkSyncFailed(t.Context(), o.Reference, 3))

			stored, err := e.storage.Order().GetByReference(t.Context(), o.Reference, false)
			require.NoError(t, err)
			require.True(t, stored.SyncFailed)

			o, err = e.s.ResetSyncFailed(t.Context(), "m1", "o-1")
			require.NoError(t, err)
			require.False(t, o.SyncFailed)

			stored, err = e.storage.Order().GetByReference(t.Context(), o.Reference, false)
			require.NoError(t, err)
			require.False(t, stored.SyncFailed)
			require.Zero(t, stored.SyncRetries)
		})
	})
}

func TestFee(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		bps    int64
		fixed  int64
		want   int64
	}{
		{"no fee", 10_000, 0, 0, 0},
		{"exact", 10_000, 250, 0, 250},
		{"rounded up", 10_001, 250, 0, 251},
		{"with fixed part", 10_000, 100, 500, 600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fee(tt.amount, models.ProviderConfig{FeeRateBps: tt.bps, FixedFee: tt.fixed})
			require.Equal(t, tt.want, got)
		})
	}

	require.Equal(t, "sync:SUCCESS:1699999980", SyncOperationID(models.OrderStatusSuccess, time.Unix(1_700_000_010, 0), time.Minute))
}
