package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TransactionKindSettlement = "settlement"
	TransactionKindRefund     = "refund"
	TransactionKindReversal   = "reversal"
)

const (
	TransactionStatusSuccess = "SUCCESS"
	TransactionStatusVoided  = "VOIDED"
)

type BalanceSnapshot struct {
	Before int64 `json:"before"`
	After  int64 `json:"after"`
}

// Transaction is a ledger entry produced by an order reaching a settled outcome.
// Immutable once created except Status and CompletedAt.
type Transaction struct {
	ID              uuid.UUID
	OrderRef        string
	MerchantID      string
	Provider        string
	OrderType       OrderType
	Kind            string
	Currency        string
	Amount          int64
	BalanceChange   int64
	BalanceSnapshot BalanceSnapshot
	Status          string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// LedgerDraft is the ledger effect of a transition; the store completes it with a balance snapshot
type LedgerDraft struct {
	Kind          string
	Amount        int64
	BalanceChange int64
}

// Transaction built from the draft for the order. Snapshot is left for the store.
func (d LedgerDraft) Transaction(o *Order, now time.Time) Transaction {
	return Transaction{
		ID:            uuid.New(),
		OrderRef:      o.Reference,
		MerchantID:    o.MerchantID,
		Provider:      o.Provider.Name,
		OrderType:     o.Type,
		Kind:          d.Kind,
		Currency:      o.Currency,
		Amount:        d.Amount,
		BalanceChange: d.BalanceChange,
		Status:        TransactionStatusSuccess,
		CreatedAt:     now,
		CompletedAt:   &now,
	}
}
