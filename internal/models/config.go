package models

import (
	"time"
)

const DefaultLargeAmountThreshold int64 = 1_000_000

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// LimitSet for one direction. Zero Max, Daily or Monthly means "no cap".
type LimitSet struct {
	Min     int64 `json:"min"`
	Max     int64 `json:"max"`
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// Narrow returns the stricter of two limit sets
func (l LimitSet) Narrow(other LimitSet) LimitSet {
	return LimitSet{
		Min:     max(l.Min, other.Min),
		Max:     minCap(l.Max, other.Max),
		Daily:   minCap(l.Daily, other.Daily),
		Monthly: minCap(l.Monthly, other.Monthly),
	}
}

// min of two caps where zero is "unlimited"
func minCap(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	default:
		return min(a, b)
	}
}

type Limits struct {
	Deposit    LimitSet `json:"deposit"`
	Withdrawal LimitSet `json:"withdrawal"`
}

// NewLimits with minimal amount of one unit for both directions
func NewLimits() Limits {
	return Limits{
		Deposit:    LimitSet{Min: 1},
		Withdrawal: LimitSet{Min: 1},
	}
}

// For returns the limit set for the order type; wake-up orders are collections
func (l Limits) For(t OrderType) LimitSet {
	if t.IsPayout() {
		return l.Withdrawal
	}
	return l.Deposit
}

type MerchantLimits struct {
	MerchantID string
	NotifyURL  string
	Limits     Limits

	AllowLargeTransactions     bool
	LargeAmountThreshold       int64
	MaxLargeTransactionsPerDay int

	UpdatedAt time.Time
}

func NewMerchantLimits(merchantID string) MerchantLimits {
	return MerchantLimits{
		MerchantID:           merchantID,
		Limits:               NewLimits(),
		LargeAmountThreshold: DefaultLargeAmountThreshold,
	}
}

// Threshold falls back to the default when not configured
func (m MerchantLimits) Threshold() int64 {
	if m.LargeAmountThreshold <= 0 {
		return DefaultLargeAmountThreshold
	}
	return m.LargeAmountThreshold
}

// ProviderConfig is a merchant-provider pairing
type ProviderConfig struct {
	MerchantID string
	Provider   string

	AppID     string // merchant number at the provider
	SecretKey string
	Algorithm string // signature algorithm, provider default if empty

	Environment        string
	Enabled            bool
	SupportsDeposit    bool
	SupportsWithdrawal bool
	Priority           int

	FeeRateBps int64 // fee in basis points of the amount
	FixedFee   int64

	Limits Limits

	UpdatedAt time.Time
}

func NewProviderConfig(merchantID, provider string) ProviderConfig {
	return ProviderConfig{
		MerchantID:      merchantID,
		Provider:        provider,
		Environment:     EnvironmentSandbox,
		Enabled:         true,
		SupportsDeposit: true,
		Limits:          NewLimits(),
	}
}

// Supports reports whether the pairing may serve the order type
func (c ProviderConfig) Supports(t OrderType) bool {
	if !c.Enabled {
		return false
	}
	if t.IsPayout() {
		return c.SupportsWithdrawal
	}
	return c.SupportsDeposit
}
