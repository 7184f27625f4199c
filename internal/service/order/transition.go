package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/repository"
)

// ApplyTransition moves the order under a row lock and persists the ledger effect in the same db transaction.
// Reports applied=false with the stored order when the operation is already in the ledger.
// Merchants are notified about transitions into terminal states after commit.
func (s *OrderService) ApplyTransition(ctx context.Context, reference string, req models.TransitionRequest, info models.ProviderInfo) (models.Order, bool, error) {
	return s.apply(ctx, reference, req, func(o *models.Order) {
		link(o, info)
	})
}

func (s *OrderService) apply(ctx context.Context, reference string, req models.TransitionRequest, mutate func(*models.Order)) (models.Order, bool, error) {
	var (
		result  models.Order
		applied bool
	)

	err := s.storage.InTx(ctx, func(storage repository.Storage) error {
		o, err := storage.Order().GetByReference(ctx, reference, true)
		if err != nil {
			return err
		}
		result = o

		now := s.now()
		res, err := models.Transition(o, req, now)
		switch {
		case errors.Is(err, apperrors.ErrDuplicateOperation):
			return nil
		case err != nil:
			return err
		}

		next := res.Order
		if mutate != nil {
			mutate(&next)
		}
		next.UpdatedAt = next.Timestamps.StatusUpdated

		next, err = storage.Order().Update(ctx, next)
		if err != nil {
			return err
		}

		if res.Ledger != nil {
			tx, err := storage.Transaction().Create(ctx, res.Ledger.Transaction(&next, now))
			if err != nil {
				return fmt.Errorf("failed to record ledger entry: %w", err)
			}
			s.logger.Info("Ledger entry recorded",
				"reference", next.Reference,
				"kind", tx.Kind,
				"balance_change", tx.BalanceChange,
				"balance_before", tx.BalanceSnapshot.Before,
				"balance_after", tx.BalanceSnapshot.After,
			)
		}

		result = next
		applied = true
		return nil
	})
	if err != nil {
		return result, false, err
	}

	if !applied {
		s.logger.Debug("Operation already applied", "reference", reference, "operation_id", req.OperationID)
		return result, false, nil
	}

	s.logger.Info("Order status changed",
		"reference", result.Reference,
		"merchant_id", result.MerchantID,
		"status", result.Status,
		"actor", req.Actor,
		"operation_id", req.OperationID,
	)

	if result.Status.IsTerminal() && s.notifier != nil {
		s.notifier.OrderChanged(ctx, result)
	}

	return result, true, nil
}

// Provider linkage learned from a status observation. Known values are not overwritten with empty ones.
func link(o *models.Order, info models.ProviderInfo) {
	if info.UTRNumber != "" {
		o.Provider.UTRNumber = info.UTRNumber
	}
	if info.TransactionID != "" {
		o.Provider.TransactionID = info.TransactionID
	}
	if info.ProviderOrderID != "" && o.Provider.ProviderOrderID == "" {
		o.Provider.ProviderOrderID = info.ProviderOrderID
	}
}

// Expire forces a stale order into EXPIRED and marks it handled by the expiry sweep
func (s *OrderService) Expire(ctx context.Context, reference string) (models.Order, bool, error) {
	return s.apply(ctx, reference, models.TransitionRequest{
		To:          models.OrderStatusExpired,
		Reason:      "expired by age",
		Actor:       models.ActorReconciler,
		OperationID: ExpireOperationID(reference),
	}, func(o *models.Order) {
		o.ExpiredHandled = true
	})
}

type OperatorRequest struct {
	MerchantID  string
	OrderID     string
	To          models.OrderStatus
	Reason      string
	OperationID string // idempotency key; generated if empty
	Amount      int64  // partial refunds only
}

// Transition applies an operator action; review states may be left only this way
func (s *OrderService) Transition(ctx context.Context, req OperatorRequest) (models.Order, error) {
	if req.Reason == "" {
		return models.Order{}, apperrors.Validation("reason is required")
	}

	o, err := s.storage.Order().GetByMerchantOrderID(ctx, req.MerchantID, req.OrderID, false)
	if err != nil {
		return o, err
	}

	opID := req.OperationID
	if opID == "" {
		opID = "operator:" + uuid.NewString()
	}

	o, _, err = s.ApplyTransition(ctx, o.Reference, models.TransitionRequest{
		To:          req.To,
		Reason:      req.Reason,
		Actor:       models.ActorOperator,
		OperationID: opID,
		Amount:      req.Amount,
	}, models.ProviderInfo{})

	return o, err
}

// ResetSyncFailed re-admits the order to reconciliation
func (s *OrderService) ResetSyncFailed(ctx context.Context, merchantID, orderID string) (models.Order, error) {
	o, err := s.storage.Order().GetByMerchantOrderID(ctx, merchantID, orderID, false)
	if err != nil {
		return o, err
	}

	if !o.SyncFailed {
		return o, nil
	}

	if err := s.storage.Order().UpdateSyncState(ctx, o.Reference, repository.SyncState{}); err != nil {
		return o, err
	}
	s.logger.Info("Order sync reset", "reference", o.Reference, "merchant_id", merchantID, "order_id", orderID)

	o.SyncFailed = false
	o.SyncRetries = 0
	o.NextSyncAt = nil
	return o, nil
}

// MarkSyncFailed stops automatic reconciliation of the order until an operator reset
func (s *OrderService) MarkSyncFailed(ctx context.Context, reference string, retries int) error {
	if err := s.storage.Order().UpdateSyncState(ctx, reference, repository.SyncState{Retries: retries, Failed: true}); err != nil {
		return err
	}
	s.logger.Warn("Order marked sync failed", "reference", reference, "retries", retries)
	return nil
}

// RecordSyncRetry persists the retry counter and the earliest next attempt; zero values reset both
func (s *OrderService) RecordSyncRetry(ctx context.Context, reference string, retries int, next time.Time) error {
	return s.storage.Order().UpdateSyncState(ctx, reference, repository.SyncState{Retries: retries, NextAttempt: next})
}
