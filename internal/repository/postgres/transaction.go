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

type TransactionRepo struct {
	DB DBTX
}

// Apply balance change under the row lock and return the balance after it
const applyBalanceChange = `-- name: ApplyBalanceChange
INSERT INTO balances (merchant_id, currency, amount, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (merchant_id, currency) DO UPDATE
SET amount = balances.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at
RETURNING amount
`

const createTransaction = `-- name: CreateTransaction
INSERT INTO transactions (
	id, order_ref, merchant_id, provider, order_type, kind, currency,
	amount, balance_change, balance_before, balance_after, status, created_at, completed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

// Create must run inside a db transaction to keep the balance and the snapshot consistent
func (r *TransactionRepo) Create(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	var after int64
	err := r.DB.QueryRow(ctx, applyBalanceChange, tx.MerchantID, tx.Currency, tx.BalanceChange, tx.CreatedAt).Scan(&after)
	if err != nil {
		return tx, fmt.Errorf("db error: %w", err)
	}

	tx.BalanceSnapshot = models.BalanceSnapshot{Before: after - tx.BalanceChange, After: after}

	_, err = r.DB.Exec(ctx, createTransaction,
		tx.ID, tx.OrderRef, tx.MerchantID, tx.Provider, tx.OrderType, tx.Kind, tx.Currency,
		tx.Amount, tx.BalanceChange, tx.BalanceSnapshot.Before, tx.BalanceSnapshot.After,
		tx.Status, tx.CreatedAt, tx.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return tx, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, tx.OrderRef)
		}
		return tx, fmt.Errorf("db error: %w", err)
	}

	return tx, nil
}

const listTransactionsByOrder = `-- name: ListTransactionsByOrder
SELECT id, order_ref, merchant_id, provider, order_type, kind, currency,
	amount, balance_change, balance_before, balance_after, status, created_at, completed_at
FROM transactions
WHERE order_ref = $1
ORDER BY created_at, id
`

func (r *TransactionRepo) ListByOrder(ctx context.Context, orderRef string) ([]models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, listTransactionsByOrder, orderRef)
	txs, err := pgx.CollectRows(rows, rowToTransaction)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return txs, nil
}

const sumSuccess = `-- name: SumSuccess
SELECT COALESCE(SUM(amount), 0)::BIGINT FROM transactions
WHERE merchant_id = $1
	AND ($2 = '' OR provider = $2)
	AND order_type = ANY($3)
	AND status = 'SUCCESS'
	AND kind = 'settlement'
	AND created_at >= $4
	AND created_at < $5
`

func (r *TransactionRepo) SumSuccess(ctx context.Context, f repository.SumFilter) (int64, error) {
	types := make([]string, 0, len(f.Types))
	for _, t := range f.Types {
		types = append(types, string(t))
	}

	var sum int64
	err := r.DB.QueryRow(ctx, sumSuccess, f.MerchantID, f.Provider, types, f.From, f.To).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return sum, nil
}

const countLarge = `-- name: CountLarge
SELECT COUNT(*) FROM transactions
WHERE merchant_id = $1
	AND amount >= $2
	AND status = 'SUCCESS'
	AND kind = 'settlement'
	AND created_at >= $3
`

func (r *TransactionRepo) CountLarge(ctx context.Context, merchantID string, threshold int64, since time.Time) (int, error) {
	var count int64
	err := r.DB.QueryRow(ctx, countLarge, merchantID, threshold, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(count), nil
}

const getBalance = `-- name: GetBalance
SELECT amount FROM balances
WHERE merchant_id = $1 AND currency = $2
`

func (r *TransactionRepo) Balance(ctx context.Context, merchantID string, currency string) (int64, error) {
	var amount int64
	err := r.DB.QueryRow(ctx, getBalance, merchantID, currency).Scan(&amount)

	switch {
	case err == nil:
		return amount, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, nil
	default:
		return 0, fmt.Errorf("db error: %w", err)
	}
}

func rowToTransaction(row pgx.CollectableRow) (models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(
		&t.ID, &t.OrderRef, &t.MerchantID, &t.Provider, &t.OrderType, &t.Kind, &t.Currency,
		&t.Amount, &t.BalanceChange, &t.BalanceSnapshot.Before, &t.BalanceSnapshot.After,
		&t.Status, &t.CreatedAt, &t.CompletedAt,
	)
	return t, err
}
