package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/models"
)

type ConfigRepo struct {
	DB DBTX
}

const merchantColumns = `merchant_id, notify_url, limits, allow_large_transactions,
	large_amount_threshold, max_large_transactions_per_day, updated_at`

const upsertMerchant = `-- name: UpsertMerchant
INSERT INTO merchants (` + merchantColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (merchant_id) DO UPDATE SET
	notify_url = EXCLUDED.notify_url,
	limits = EXCLUDED.limits,
	allow_large_transactions = EXCLUDED.allow_large_transactions,
	large_amount_threshold = EXCLUDED.large_amount_threshold,
	max_large_transactions_per_day = EXCLUDED.max_large_transactions_per_day,
	updated_at = EXCLUDED.updated_at
RETURNING ` + merchantColumns

func (r *ConfigRepo) UpsertMerchant(ctx context.Context, m models.MerchantLimits) (models.MerchantLimits, error) {
	rows, _ := r.DB.Query(ctx, upsertMerchant,
		m.MerchantID, m.NotifyURL, m.Limits, m.AllowLargeTransactions,
		m.Threshold(), m.MaxLargeTransactionsPerDay, time.Now(),
	)
	out, err := pgx.CollectOneRow(rows, rowToMerchant)
	if err != nil {
		return out, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

const getMerchant = `-- name: GetMerchant
SELECT ` + merchantColumns + ` FROM merchants
WHERE merchant_id = $1
`

func (r *ConfigRepo) GetMerchant(ctx context.Context, merchantID string) (models.MerchantLimits, error) {
	rows, _ := r.DB.Query(ctx, getMerchant, merchantID)
	m, err := pgx.CollectOneRow(rows, rowToMerchant)

	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, pgx.ErrNoRows):
		return m, fmt.Errorf("%w: %s", apperrors.ErrMerchantNotFound, merchantID)
	default:
		return m, fmt.Errorf("db error: %w", err)
	}
}

const providerConfigColumns = `merchant_id, provider, app_id, secret_key, algorithm, environment,
	enabled, supports_deposit, supports_withdrawal, priority, fee_rate_bps, fixed_fee, limits, updated_at`

const upsertProviderConfig = `-- name: UpsertProviderConfig
INSERT INTO provider_configs (` + providerConfigColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (merchant_id, provider) DO UPDATE SET
	app_id = EXCLUDED.app_id,
	secret_key = EXCLUDED.secret_key,
	algorithm = EXCLUDED.algorithm,
	environment = EXCLUDED.environment,
	enabled = EXCLUDED.enabled,
	supports_deposit = EXCLUDED.supports_deposit,
	supports_withdrawal = EXCLUDED.supports_withdrawal,
	priority = EXCLUDED.priority,
	fee_rate_bps = EXCLUDED.fee_rate_bps,
	fixed_fee = EXCLUDED.fixed_fee,
	limits = EXCLUDED.limits,
	updated_at = EXCLUDED.updated_at
RETURNING ` + providerConfigColumns

func (r *ConfigRepo) UpsertProviderConfig(ctx context.Context, c models.ProviderConfig) (models.ProviderConfig, error) {
	rows, _ := r.DB.Query(ctx, upsertProviderConfig,
		c.MerchantID, c.Provider, c.AppID, c.SecretKey, c.Algorithm, c.Environment,
		c.Enabled, c.SupportsDeposit, c.SupportsWithdrawal, c.Priority, c.FeeRateBps, c.FixedFee, c.Limits, time.Now(),
	)
	out, err := pgx.CollectOneRow(rows, rowToProviderConfig)
	if err != nil {
		return out, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

const getProviderConfig = `-- name: GetProviderConfig
SELECT ` + providerConfigColumns + ` FROM provider_configs
WHERE merchant_id = $1 AND provider = $2
`

func (r *ConfigRepo) GetProviderConfig(ctx context.Context, merchantID string, provider string) (models.ProviderConfig, error) {
	rows, _ := r.DB.Query(ctx, getProviderConfig, merchantID, provider)
	c, err := pgx.CollectOneRow(rows, rowToProviderConfig)

	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, pgx.ErrNoRows):
		return c, fmt.Errorf("%w: merchant=%s, provider=%s", apperrors.ErrNoActiveProviderConfig, merchantID, provider)
	default:
		return c, fmt.Errorf("db error: %w", err)
	}
}

const listProviderConfigs = `-- name: ListProviderConfigs
SELECT ` + providerConfigColumns + ` FROM provider_configs
WHERE merchant_id = $1
ORDER BY priority DESC, provider
`

func (r *ConfigRepo) ListProviderConfigs(ctx context.Context, merchantID string) ([]models.ProviderConfig, error) {
	rows, _ := r.DB.Query(ctx, listProviderConfigs, merchantID)
	configs, err := pgx.CollectRows(rows, rowToProviderConfig)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return configs, nil
}

func rowToMerchant(row pgx.CollectableRow) (models.MerchantLimits, error) {
	var m models.MerchantLimits
	err := row.Scan(&m.MerchantID, &m.NotifyURL, &m.Limits, &m.AllowLargeTransactions,
		&m.LargeAmountThreshold, &m.MaxLargeTransactionsPerDay, &m.UpdatedAt)
	return m, err
}

func rowToProviderConfig(row pgx.CollectableRow) (models.ProviderConfig, error) {
	var c models.ProviderConfig
	err := row.Scan(&c.MerchantID, &c.Provider, &c.AppID, &c.SecretKey, &c.Algorithm, &c.Environment,
		&c.Enabled, &c.SupportsDeposit, &c.SupportsWithdrawal, &c.Priority, &c.FeeRateBps, &c.FixedFee, &c.Limits, &c.UpdatedAt)
	return c, err
}
