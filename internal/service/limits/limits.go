package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/repository"
)

// Window of the large transaction counter. It is trailing, unlike the daily limit
// which starts at local midnight.
const LargeTransactionWindow = 24 * time.Hour

type configSource interface {
	Merchant(ctx context.Context, merchantID string) (models.MerchantLimits, error)
	ProviderConfig(ctx context.Context, merchantID string, provider string) (models.ProviderConfig, error)
}

type Request struct {
	MerchantID string
	Provider   string
	Type       models.OrderType
	Amount     int64
}

type Service struct {
	configs  configSource
	storage  repository.Storage
	location *time.Location
	now      func() time.Time
	logger   logger.Logger
}

// NewService validating calendar windows in the location, UTC if nil
func NewService(configs configSource, storage repository.Storage, location *time.Location, logger logger.Logger) *Service {
	if location == nil {
		location = time.UTC
	}

	return &Service{
		configs:  configs,
		storage:  storage,
		location: location,
		now:      time.Now,
		logger:   logger,
	}
}

// Effective limit set of the merchant and provider for the order type
func (s *Service) Effective(ctx context.Context, merchantID, provider string, t models.OrderType) (models.LimitSet, models.MerchantLimits, error) {
	merchant, err := s.configs.Merchant(ctx, merchantID)
	if err != nil {
		return models.LimitSet{}, merchant, err
	}
	cfg, err := s.configs.ProviderConfig(ctx, merchantID, provider)
	if err != nil {
		return models.LimitSet{}, merchant, err
	}

	return merchant.Limits.For(t).Narrow(cfg.Limits.For(t)), merchant, nil
}

// Validate runs the checks in order and stops at the first violation.
// Violations are *apperrors.LimitError.
func (s *Service) Validate(ctx context.Context, req Request) error {
	if req.Amount <= 0 {
		return apperrors.Validation("amount must be positive, got %d", req.Amount)
	}
	if !req.Type.Valid() {
		return apperrors.Validation("unknown order type %q", req.Type)
	}

	eff, merchant, err := s.Effective(ctx, req.MerchantID, req.Provider, req.Type)
	if err != nil {
		return err
	}

	checks := []func(context.Context, Request, models.LimitSet, models.MerchantLimits) error{
		s.checkBounds,
		s.checkDaily,
		s.checkMonthly,
		s.checkLarge,
	}
	for _, check := range checks {
		if err := check(ctx, req, eff, merchant); err != nil {
			var limitErr *apperrors.LimitError
			if errors.As(err, &limitErr) {
				s.logger.Info("Order rejected by limits",
					"merchant_id", req.MerchantID,
					"provider", req.Provider,
					"type", req.Type,
					"code", limitErr.Code,
					"limit", limitErr.Limit,
					"requested", limitErr.Requested,
				)
			}
			return err
		}
	}

	return nil
}

func (s *Service) checkBounds(_ context.Context, req Request, eff models.LimitSet, _ models.MerchantLimits) error {
	switch {
	case req.Amount < eff.Min:
		return &apperrors.LimitError{Code: apperrors.LimitBelowMinimum, Limit: eff.Min, Requested: req.Amount}
	case eff.Max > 0 && req.Amount > eff.Max:
		return &apperrors.LimitError{Code: apperrors.LimitAboveMaximum, Limit: eff.Max, Requested: req.Amount, Remaining: eff.Max}
	default:
		return nil
	}
}

func (s *Service) checkDaily(ctx context.Context, req Request, eff models.LimitSet, _ models.MerchantLimits) error {
	if eff.Daily <= 0 {
		return nil
	}
	from := s.startOfDay()
	return s.checkWindow(ctx, req, apperrors.LimitDailyExceeded, eff.Daily, from, from.AddDate(0, 0, 1))
}

func (s *Service) checkMonthly(ctx context.Context, req Request, eff models.LimitSet, _ models.MerchantLimits) error {
	if eff.Monthly <= 0 {
		return nil
	}
	from := s.startOfMonth()
	return s.checkWindow(ctx, req, apperrors.LimitMonthlyExceeded, eff.Monthly, from, from.AddDate(0, 1, 0))
}

func (s *Service) checkWindow(ctx context.Context, req Request, code string, limit int64, from, to time.Time) error {
	used, err := s.storage.Transaction().SumSuccess(ctx, repository.SumFilter{
		MerchantID: req.MerchantID,
		Provider:   req.Provider,
		Types:      direction(req.Type),
		From:       from,
		To:         to,
	})
	if err != nil {
		return fmt.Errorf("failed to sum settled amounts: %w", err)
	}

	if used+req.Amount > limit {
		return &apperrors.LimitError{
			Code:      code,
			Limit:     limit,
			Used:      used,
			Requested: req.Amount,
			Remaining: max(limit-used, 0),
		}
	}
	return nil
}

// Large transactions must be allowed and their trailing 24h count must stay below the cap.
// Zero cap means no cap.
func (s *Service) checkLarge(ctx context.Context, req Request, _ models.LimitSet, merchant models.MerchantLimits) error {
	threshold := merchant.Threshold()
	if req.Amount < threshold {
		return nil
	}

	if !merchant.AllowLargeTransactions {
		return &apperrors.LimitError{Code: apperrors.LimitLargeNotAllowed, Limit: threshold, Requested: req.Amount}
	}

	maxCount := int64(merchant.MaxLargeTransactionsPerDay)
	if maxCount <= 0 {
		return nil
	}

	count, err := s.storage.Transaction().CountLarge(ctx, req.MerchantID, threshold, s.now().Add(-LargeTransactionWindow))
	if err != nil {
		return fmt.Errorf("failed to count large transactions: %w", err)
	}

	if int64(count) >= maxCount {
		return &apperrors.LimitError{
			Code:      apperrors.LimitLargeCountExceeded,
			Limit:     maxCount,
			Used:      int64(count),
			Requested: req.Amount,
		}
	}
	return nil
}

func (s *Service) startOfDay() time.Time {
	now := s.now().In(s.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
}

func (s *Service) startOfMonth() time.Time {
	now := s.now().In(s.location)
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.location)
}

// Order types sharing limits with t
func direction(t models.OrderType) []models.OrderType {
	if t.IsPayout() {
		return []models.OrderType{models.OrderTypeWithdrawal}
	}
	return []models.OrderType{models.OrderTypeDeposit, models.OrderTypeWakeUp}
}
