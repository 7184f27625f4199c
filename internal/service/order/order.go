package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/provider"
	"github.com/nkiryanov/paygate/internal/repository"
	"github.com/nkiryanov/paygate/internal/service/limits"
)

type gateways interface {
	Resolve(ctx context.Context, merchantID string, orderType models.OrderType) (provider.Gateway, models.ProviderConfig, error)
	ForOrder(ctx context.Context, merchantID string, provider string) (provider.Gateway, error)
	PeekReference(provider string, raw []byte) (string, error)
}

type limitValidator interface {
	Validate(ctx context.Context, req limits.Request) error
}

type notifier interface {
	OrderChanged(ctx context.Context, o models.Order)
}

type OrderService struct {
	storage  repository.Storage
	gateways gateways
	limits   limitValidator
	notifier notifier

	// Public base url the providers deliver callbacks to
	callbackURL string

	now    func() time.Time
	logger logger.Logger
}

func NewService(storage repository.Storage, gateways gateways, limits limitValidator, notifier notifier, callbackURL string, logger logger.Logger) *OrderService {
	return &OrderService{
		storage:     storage,
		gateways:    gateways,
		limits:      limits,
		notifier:    notifier,
		callbackURL: strings.TrimSuffix(callbackURL, "/"),
		now:         time.Now,
		logger:      logger,
	}
}

type CreateRequest struct {
	MerchantID string
	OrderID    string
	Type       models.OrderType
	Amount     int64
	Currency   string
	NotifyURL  string

	Bank  *models.BankDetails // payouts only
	Extra map[string]string
}

func (r CreateRequest) validate() error {
	switch {
	case r.MerchantID == "":
		return apperrors.Validation("merchant id is required")
	case r.OrderID == "":
		return apperrors.Validation("order id is required")
	case !r.Type.Valid():
		return apperrors.Validation("unknown order type %q", r.Type)
	case r.Amount <= 0:
		return apperrors.Validation("amount must be positive, got %d", r.Amount)
	case r.Currency == "":
		return apperrors.Validation("currency is required")
	case r.Type.IsPayout() && (r.Bank == nil || r.Bank.AccountNumber == "" || r.Bank.BankCode == ""):
		return apperrors.Validation("bank details are required for withdrawals")
	default:
		return nil
	}
}

// Fee of the amount: rate in basis points rounded up to the minor unit, plus the fixed part
func Fee(amount int64, cfg models.ProviderConfig) int64 {
	rate := decimal.NewFromInt(cfg.FeeRateBps).Div(decimal.NewFromInt(10_000))
	return decimal.NewFromInt(amount).Mul(rate).Ceil().IntPart() + cfg.FixedFee
}

// ValidateLimits checks the request against the limits of the provider that would serve it
func (s *OrderService) ValidateLimits(ctx context.Context, req CreateRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	_, cfg, err := s.gateways.Resolve(ctx, req.MerchantID, req.Type)
	if err != nil {
		return err
	}

	return s.limits.Validate(ctx, limits.Request{
		MerchantID: req.MerchantID,
		Provider:   cfg.Provider,
		Type:       req.Type,
		Amount:     req.Amount,
	})
}

// CreateOrder admits the order, places it upstream and persists it as PENDING.
// Nothing is stored when the provider rejects the order. When the outcome is unknown
// (timeout, network, 5xx) the order is stored PENDING anyway and returned together with
// ErrPlacementUnconfirmed: the provider may hold it, so only the reconciler may settle it.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateRequest) (models.Order, error) {
	if err := req.validate(); err != nil {
		return models.Order{}, err
	}

	_, err := s.storage.Order().GetByMerchantOrderID(ctx, req.MerchantID, req.OrderID, false)
	switch {
	case err == nil:
		return models.Order{}, apperrors.ErrOrderAlreadyExists
	case !errors.Is(err, apperrors.ErrOrderNotFound):
		return models.Order{}, err
	}

	gw, cfg, err := s.gateways.Resolve(ctx, req.MerchantID, req.Type)
	if err != nil {
		return models.Order{}, err
	}

	err = s.limits.Validate(ctx, limits.Request{
		MerchantID: req.MerchantID,
		Provider:   cfg.Provider,
		Type:       req.Type,
		Amount:     req.Amount,
	})
	if err != nil {
		return models.Order{}, err
	}

	now := s.now()
	o := models.Order{
		Reference:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		OrderID:    req.OrderID,
		MerchantID: req.MerchantID,
		Type:       req.Type,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Fee:        Fee(req.Amount, cfg),
		Provider:   models.ProviderInfo{Name: cfg.Provider},
		NotifyURL:  req.NotifyURL,
		Status:     models.OrderStatusPending,
		Timestamps: models.Timestamps{Created: now, StatusUpdated: now},
		StatusHistory: []models.StatusChange{
			{To: models.OrderStatusPending, Reason: "order created", Actor: models.ActorMerchant, At: now},
		},
		BankDetails: req.Bank,
		UpdatedAt:   now,
	}

	upstream, err := s.placeUpstream(ctx, gw, &o, req)
	switch {
	case provider.IsRetryable(err):
		return s.keepUnconfirmed(ctx, o, err)
	case err != nil:
		s.logger.Error("Failed to place order upstream",
			"merchant_id", o.MerchantID,
			"order_id", o.OrderID,
			"provider", cfg.Provider,
			"error", err,
		)
		return models.Order{}, err
	}

	o, err = s.storage.Order().Create(ctx, o)
	if err != nil {
		return models.Order{}, err
	}

	s.logger.Info("Order created",
		"merchant_id", o.MerchantID,
		"order_id", o.OrderID,
		"reference", o.Reference,
		"provider", o.Provider.Name,
		"type", o.Type,
		"amount", o.Amount,
	)

	// Some providers answer with a progressed status right away
	if upstream != models.OrderStatusPending && upstream != models.OrderStatusUnknown {
		o, _, err = s.ApplyTransition(ctx, o.Reference, models.TransitionRequest{
			To:          upstream,
			Reason:      "status reported on creation",
			Actor:       models.ActorSystem,
			OperationID: CreateOperationID(o.Reference, upstream),
		}, models.ProviderInfo{})
		if err != nil && !errors.Is(err, apperrors.ErrInvalidTransition) {
			return o, err
		}
	}

	return o, nil
}

func (s *OrderService) keepUnconfirmed(ctx context.Context, o models.Order, cause error) (models.Order, error) {
	o.StatusHistory[0].Reason = "order created, provider outcome unknown"

	// request context may be the one that timed out
	stored, err := s.storage.Order().Create(context.WithoutCancel(ctx), o)
	if err != nil {
		return models.Order{}, errors.Join(cause, err)
	}

	s.logger.Warn("Order kept pending after unconfirmed placement",
		"merchant_id", stored.MerchantID,
		"order_id", stored.OrderID,
		"reference", stored.Reference,
		"provider", stored.Provider.Name,
		"error", cause,
	)
	return stored, fmt.Errorf("%w: %w", apperrors.ErrPlacementUnconfirmed, cause)
}

func (s *OrderService) placeUpstream(ctx context.Context, gw provider.Gateway, o *models.Order, req CreateRequest) (models.OrderStatus, error) {
	notifyURL := s.callbackURL + "/api/callbacks/" + gw.Name()

	if o.Type.IsPayout() {
		res, err := gw.CreatePayoutOrder(ctx, provider.PayoutRequest{
			Reference: o.Reference,
			Amount:    o.Amount,
			Currency:  o.Currency,
			Bank:      *req.Bank,
			NotifyURL: notifyURL,
		})
		if err != nil {
			return "", err
		}
		o.Provider.ProviderOrderID = res.ProviderOrderID
		return res.Status, nil
	}

	res, err := gw.CreateCollectionOrder(ctx, provider.CollectionRequest{
		Reference: o.Reference,
		Amount:    o.Amount,
		Currency:  o.Currency,
		NotifyURL: notifyURL,
		Extra:     req.Extra,
	})
	if err != nil {
		return "", err
	}
	o.Provider.ProviderOrderID = res.ProviderOrderID
	o.PayerInstructions = res.PayerInstructions
	o.RedirectURL = res.RedirectURL
	return res.Status, nil
}

// QueryOrder returns the stored order. Non-terminal orders are refreshed from the provider first;
// refresh failures are logged and the stored state is returned.
func (s *OrderService) QueryOrder(ctx context.Context, merchantID, orderID string) (models.Order, error) {
	o, err := s.storage.Order().GetByMerchantOrderID(ctx, merchantID, orderID, false)
	if err != nil {
		return o, err
	}

	if o.Status.IsTerminal() || o.SyncFailed {
		return o, nil
	}

	refreshed, err := s.Sync(ctx, o, models.ActorMerchant, time.Minute)
	if err != nil {
		s.logger.Warn("Failed to refresh order status", "reference", o.Reference, "provider", o.Provider.Name, "error", err)
		return o, nil
	}
	return refreshed, nil
}

// Sync queries the provider and applies the observed status.
// Observations are deduplicated within the bucket.
func (s *OrderService) Sync(ctx context.Context, o models.Order, actor string, bucket time.Duration) (models.Order, error) {
	gw, err := s.gateways.ForOrder(ctx, o.MerchantID, o.Provider.Name)
	if err != nil {
		return o, err
	}

	res, err := gw.QueryStatus(ctx, o.Reference, o.Provider.ProviderOrderID)
	if err != nil {
		return o, err
	}

	if res.Status == models.OrderStatusUnknown {
		s.logger.Warn("Provider reported unmapped status", "reference", o.Reference, "provider", o.Provider.Name, "raw_status", res.RawStatus)
		return o, nil
	}
	if res.Status == o.Status {
		return o, nil
	}

	s.checkSettled(o, res.Status, res.SettledAmount)

	updated, _, err := s.ApplyTransition(ctx, o.Reference, models.TransitionRequest{
		To:          res.Status,
		Reason:      fmt.Sprintf("provider status %s", res.RawStatus),
		Actor:       actor,
		OperationID: SyncOperationID(res.Status, s.now(), bucket),
	}, models.ProviderInfo{UTRNumber: res.UTR, ProviderOrderID: res.ProviderOrderID})

	if errors.Is(err, apperrors.ErrInvalidTransition) {
		s.logger.Info("Observed status is not reachable, ignored", "reference", o.Reference, "from", o.Status, "to", res.Status)
		return updated, nil
	}
	return updated, err
}

// CloseOrder cancels a non-terminal order on the merchant's request.
// Closing an order that already reached an outcome returns it unchanged.
func (s *OrderService) CloseOrder(ctx context.Context, merchantID, orderID string) (models.Order, error) {
	o, err := s.storage.Order().GetByMerchantOrderID(ctx, merchantID, orderID, false)
	if err != nil {
		return o, err
	}

	closed, _, err := s.ApplyTransition(ctx, o.Reference, models.TransitionRequest{
		To:          models.OrderStatusCancelled,
		Reason:      "closed by merchant",
		Actor:       models.ActorMerchant,
		OperationID: "close:" + o.Reference,
	}, models.ProviderInfo{})

	if errors.Is(err, apperrors.ErrInvalidTransition) {
		s.logger.Info("Close ignored for order in final state", "reference", o.Reference, "status", closed.Status)
		return closed, nil
	}
	return closed, err
}

func (s *OrderService) checkSettled(o models.Order, to models.OrderStatus, settled int64) {
	if to == models.OrderStatusSuccess && settled > 0 && settled != o.Amount {
		s.logger.Warn("Settled amount differs from order amount",
			"reference", o.Reference,
			"provider", o.Provider.Name,
			"amount", o.Amount,
			"settled", settled,
		)
	}
}

// Operation ids of the transitions applied automatically.
// Equal observations yield equal ids, so racing sources apply a transition once.

func SyncOperationID(status models.OrderStatus, at time.Time, bucket time.Duration) string {
	return fmt.Sprintf("sync:%s:%d", status, at.Truncate(bucket).Unix())
}

func CallbackOperationID(providerOrderID string, status models.OrderStatus) string {
	return fmt.Sprintf("callback:%s:%s", providerOrderID, status)
}

func CreateOperationID(reference string, status models.OrderStatus) string {
	return fmt.Sprintf("create:%s:%s", reference, status)
}

func ExpireOperationID(reference string) string {
	return "expire:" + reference
}
