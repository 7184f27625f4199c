package repository

import (
	"context"
	"time"

	"github.com/nkiryanov/paygate/internal/models"
)

type Storage interface {
	Order() OrderRepo
	Transaction() TransactionRepo
	Config() ConfigRepo

	// Run fn in a single db transaction; commit if fn returns nil
	InTx(ctx context.Context, fn func(Storage) error) error
}

// Page of orders in ascending id order, starting after AfterID
type Page struct {
	AfterID int64
	Limit   int
}

// Order repository interface
type OrderRepo interface {
	// Create order
	// If order with the reference or (merchant, order id) exists has to return error apperrors.ErrOrderAlreadyExists
	Create(ctx context.Context, o models.Order) (models.Order, error)

	// Get order, optionally locking the row till the end of transaction
	// If order not found must return apperrors.ErrOrderNotFound
	GetByReference(ctx context.Context, reference string, forUpdate bool) (models.Order, error)
	GetByMerchantOrderID(ctx context.Context, merchantID string, orderID string, forUpdate bool) (models.Order, error)

	// Persist status, provider linkage, lifecycle logs and flags of the order
	Update(ctx context.Context, o models.Order) (models.Order, error)

	// Non-terminal orders not touched since updatedBefore, excluding sync failed and expired ones
	ListSyncCandidates(ctx context.Context, updatedBefore time.Time, page Page) ([]models.Order, error)

	// Non-terminal orders created before createdBefore the expiry sweep has not handled yet
	ListExpiryCandidates(ctx context.Context, createdBefore time.Time, page Page) ([]models.Order, error)

	// Store reconciliation retry state. Does not touch updated_at.
	UpdateSyncState(ctx context.Context, reference string, state SyncState) error
}

// Reconciliation retry state of an order
type SyncState struct {
	Retries     int
	Failed      bool
	NextAttempt time.Time // zero clears it
}

// Filter of settled amounts for limit checks
type SumFilter struct {
	MerchantID string
	Provider   string
	Types      []models.OrderType
	From       time.Time
	To         time.Time
}

// Transaction repository interface
type TransactionRepo interface {
	// Create transaction applying its balance change to the merchant balance.
	// Returned transaction carries the balance snapshot taken under the balance row lock.
	Create(ctx context.Context, tx models.Transaction) (models.Transaction, error)

	ListByOrder(ctx context.Context, orderRef string) ([]models.Transaction, error)

	// Sum of successful settlement amounts matching the filter, [From, To)
	SumSuccess(ctx context.Context, f SumFilter) (int64, error)

	// Number of successful settlements of the merchant with amount >= threshold created since
	CountLarge(ctx context.Context, merchantID string, threshold int64, since time.Time) (int, error)

	// Current merchant balance in the currency, zero if never touched
	Balance(ctx context.Context, merchantID string, currency string) (int64, error)
}

// Merchant and provider configuration repository interface
type ConfigRepo interface {
	UpsertMerchant(ctx context.Context, m models.MerchantLimits) (models.MerchantLimits, error)

	// If merchant not found must return apperrors.ErrMerchantNotFound
	GetMerchant(ctx context.Context, merchantID string) (models.MerchantLimits, error)

	UpsertProviderConfig(ctx context.Context, c models.ProviderConfig) (models.ProviderConfig, error)

	// If config not found must return apperrors.ErrNoActiveProviderConfig
	GetProviderConfig(ctx context.Context, merchantID string, provider string) (models.ProviderConfig, error)

	// All configs of the merchant including disabled ones
	ListProviderConfigs(ctx context.Context, merchantID string) ([]models.ProviderConfig, error)
}
