package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/repository"
)

type OrderRepo struct {
	DB DBTX
}

const orderColumns = `id, reference, order_id, merchant_id, type, amount, currency, fee, refunded_amount,
	provider_name, provider_transaction_id, provider_order_id, utr_number,
	notify_url, redirect_url, payer_instructions, bank_details,
	status, timestamps, operations, status_history,
	sync_failed, sync_retries, next_sync_at, expired_handled, updated_at`

const createOrder = `-- name: CreateOrder
INSERT INTO orders (
	reference, order_id, merchant_id, type, amount, currency, fee, refunded_amount,
	provider_name, provider_transaction_id, provider_order_id, utr_number,
	notify_url, redirect_url, payer_instructions, bank_details,
	status, timestamps, operations, status_history, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
RETURNING ` + orderColumns

func (r *OrderRepo) Create(ctx context.Context, o models.Order) (models.Order, error) {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.Timestamps.StatusUpdated
	}

	rows, _ := r.DB.Query(ctx, createOrder,
		o.Reference, o.OrderID, o.MerchantID, o.Type, o.Amount, o.Currency, o.Fee, o.RefundedAmount,
		o.Provider.Name, o.Provider.TransactionID, o.Provider.ProviderOrderID, o.Provider.UTRNumber,
		o.NotifyURL, o.RedirectURL, o.PayerInstructions, o.BankDetails,
		o.Status, o.Timestamps, nonNil(o.Operations), nonNil(o.StatusHistory), o.Timestamps.Created, o.UpdatedAt,
	)
	created, err := pgx.CollectOneRow(rows, rowToOrder)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return created, apperrors.ErrOrderAlreadyExists
		}

		return created, fmt.Errorf("db error: %w", err)
	}

	return created, nil
}

const getOrderByReference = `-- name: GetOrderByReference
SELECT ` + orderColumns + ` FROM orders
WHERE reference = $1
`

func (r *OrderRepo) GetByReference(ctx context.Context, reference string, forUpdate bool) (models.Order, error) {
	query := getOrderByReference
	if forUpdate {
		query += " FOR UPDATE"
	}

	rows, _ := r.DB.Query(ctx, query, reference)
	return collectOrder(rows)
}

const getOrderByMerchantOrderID = `-- name: GetOrderByMerchantOrderID
SELECT ` + orderColumns + ` FROM orders
WHERE merchant_id = $1 AND order_id = $2
`

func (r *OrderRepo) GetByMerchantOrderID(ctx context.Context, merchantID string, orderID string, forUpdate bool) (models.Order, error) {
	query := getOrderByMerchantOrderID
	if forUpdate {
		query += " FOR UPDATE"
	}

	rows, _ := r.DB.Query(ctx, query, merchantID, orderID)
	return collectOrder(rows)
}

const updateOrder = `-- name: UpdateOrder
UPDATE orders SET
	fee = $2,
	refunded_amount = $3,
	provider_transaction_id = $4,
	provider_order_id = $5,
	utr_number = $6,
	redirect_url = $7,
	payer_instructions = $8,
	status = $9,
	timestamps = $10,
	operations = $11,
	status_history = $12,
	sync_failed = $13,
	sync_retries = $14,
	expired_handled = $15,
	updated_at = $16
WHERE reference = $1
RETURNING ` + orderColumns

func (r *OrderRepo) Update(ctx context.Context, o models.Order) (models.Order, error) {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}

	rows, _ := r.DB.Query(ctx, updateOrder,
		o.Reference, o.Fee, o.RefundedAmount,
		o.Provider.TransactionID, o.Provider.ProviderOrderID, o.Provider.UTRNumber,
		o.RedirectURL, o.PayerInstructions,
		o.Status, o.Timestamps, nonNil(o.Operations), nonNil(o.StatusHistory),
		o.SyncFailed, o.SyncRetries, o.ExpiredHandled, o.UpdatedAt,
	)
	return collectOrder(rows)
}

const listSyncCandidates = `-- name: ListSyncCandidates
SELECT ` + orderColumns + ` FROM orders
WHERE status IN ('PENDING', 'PROCESSING')
	AND NOT sync_failed
	AND NOT expired_handled
	AND updated_at < $1
	AND id > $2
ORDER BY id
LIMIT $3
`

func (r *OrderRepo) ListSyncCandidates(ctx context.Context, updatedBefore time.Time, page repository.Page) ([]models.Order, error) {
	rows, _ := r.DB.Query(ctx, listSyncCandidates, updatedBefore, page.AfterID, page.Limit)
	orders, err := pgx.CollectRows(rows, rowToOrder)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return orders, nil
}

const listExpiryCandidates = `-- name: ListExpiryCandidates
SELECT ` + orderColumns + ` FROM orders
WHERE status IN ('PENDING', 'PROCESSING')
	AND NOT expired_handled
	AND created_at < $1
	AND id > $2
ORDER BY id
LIMIT $3
`

func (r *OrderRepo) ListExpiryCandidates(ctx context.Context, createdBefore time.Time, page repository.Page) ([]models.Order, error) {
	rows, _ := r.DB.Query(ctx, listExpiryCandidates, createdBefore, page.AfterID, page.Limit)
	orders, err := pgx.CollectRows(rows, rowToOrder)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return orders, nil
}

const updateSyncState = `-- name: UpdateSyncState
UPDATE orders SET sync_retries = $2, sync_failed = $3, next_sync_at = $4
WHERE reference = $1
`

func (r *OrderRepo) UpdateSyncState(ctx context.Context, reference string, state repository.SyncState) error {
	var next *time.Time
	if !state.NextAttempt.IsZero() {
		next = &state.NextAttempt
	}

	tag, err := r.DB.Exec(ctx, updateSyncState, reference, state.Retries, state.Failed, next)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrOrderNotFound
	}
	return nil
}

func collectOrder(rows pgx.Rows) (models.Order, error) {
	o, err := pgx.CollectOneRow(rows, rowToOrder)

	switch {
	case err == nil:
		return o, nil
	case errors.Is(err, pgx.ErrNoRows):
		return o, apperrors.ErrOrderNotFound
	default:
		return o, fmt.Errorf("db error: %w", err)
	}
}

func rowToOrder(row pgx.CollectableRow) (models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.Reference, &o.OrderID, &o.MerchantID, &o.Type, &o.Amount, &o.Currency, &o.Fee, &o.RefundedAmount,
		&o.Provider.Name, &o.Provider.TransactionID, &o.Provider.ProviderOrderID, &o.Provider.UTRNumber,
		&o.NotifyURL, &o.RedirectURL, &o.PayerInstructions, &o.BankDetails,
		&o.Status, &o.Timestamps, &o.Operations, &o.StatusHistory,
		&o.SyncFailed, &o.SyncRetries, &o.NextSyncAt, &o.ExpiredHandled, &o.UpdatedAt,
	)
	return o, err
}

// JSONB arrays are never stored as null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
