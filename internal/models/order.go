package models

import (
	"time"
)

type OrderType string

const (
	OrderTypeDeposit    OrderType = "DEPOSIT"
	OrderTypeWithdrawal OrderType = "WITHDRAWAL"
	OrderTypeWakeUp     OrderType = "WAKE_UP"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeDeposit, OrderTypeWithdrawal, OrderTypeWakeUp:
		return true
	default:
		return false
	}
}

// Collection orders move money from end-customer to merchant, payouts the other way
func (t OrderType) IsPayout() bool {
	return t == OrderTypeWithdrawal
}

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusProcessing      OrderStatus = "PROCESSING"
	OrderStatusSuccess         OrderStatus = "SUCCESS"
	OrderStatusFailed          OrderStatus = "FAILED"
	OrderStatusTimeout         OrderStatus = "TIMEOUT"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRiskBlocked     OrderStatus = "RISK_BLOCKED"
	OrderStatusManualReview    OrderStatus = "MANUAL_REVIEW"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusDisputed        OrderStatus = "DISPUTED"
	OrderStatusDisputeResolved OrderStatus = "DISPUTE_RESOLVED"
	OrderStatusRefunded        OrderStatus = "REFUNDED"
	OrderStatusPartialRefunded OrderStatus = "PARTIAL_REFUNDED"
	OrderStatusReversed        OrderStatus = "REVERSED"

	// Canonical status for provider codes without a mapping.
	// Never stored as an order status.
	OrderStatusUnknown OrderStatus = "UNKNOWN"
)

// NonTerminalStatuses are the statuses the reconciler keeps polling
var NonTerminalStatuses = []OrderStatus{OrderStatusPending, OrderStatusProcessing}

func (s OrderStatus) IsTerminal() bool {
	return s != OrderStatusPending && s != OrderStatusProcessing
}

const (
	ActorSystem     = "system"
	ActorReconciler = "reconciler"
	ActorCallback   = "callback"
	ActorMerchant   = "merchant"
	ActorOperator   = "operator"
)

type ProviderInfo struct {
	Name            string
	TransactionID   string
	UTRNumber       string
	ProviderOrderID string
}

type BankDetails struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	BankName      string `json:"bank_name,omitempty"`
}

// Timestamps of the lifecycle. Each is set once by the transition reaching the state,
// StatusUpdated follows every change.
type Timestamps struct {
	Created           time.Time  `json:"created"`
	Paid              *time.Time `json:"paid,omitempty"`
	Completed         *time.Time `json:"completed,omitempty"`
	Expired           *time.Time `json:"expired,omitempty"`
	Timeout           *time.Time `json:"timeout,omitempty"`
	Cancelled         *time.Time `json:"cancelled,omitempty"`
	Failed            *time.Time `json:"failed,omitempty"`
	Refunded          *time.Time `json:"refunded,omitempty"`
	Disputed          *time.Time `json:"disputed,omitempty"`
	RiskBlocked       *time.Time `json:"risk_blocked,omitempty"`
	Reviewed          *time.Time `json:"reviewed,omitempty"`
	Reversed          *time.Time `json:"reversed,omitempty"`
	ProcessingStarted *time.Time `json:"processing_started,omitempty"`
	StatusUpdated     time.Time  `json:"status_updated"`
}

// Operation is an entry of the idempotency ledger
type Operation struct {
	OperationID string      `json:"operation_id"`
	FromStatus  OrderStatus `json:"from_status"`
	ToStatus    OrderStatus `json:"to_status"`
	ExecutedBy  string      `json:"executed_by"`
	ExecutedAt  time.Time   `json:"executed_at"`
}

type StatusChange struct {
	From   OrderStatus `json:"from"`
	To     OrderStatus `json:"to"`
	Reason string      `json:"reason"`
	Actor  string      `json:"actor"`
	At     time.Time   `json:"at"`
}

type Order struct {
	ID         int64  // store assigned, ascending
	Reference  string // our id sent to the provider
	OrderID    string // merchant supplied, unique per merchant
	MerchantID string
	Type       OrderType

	Amount         int64 // minor currency units
	Currency       string
	Fee            int64
	RefundedAmount int64

	Provider ProviderInfo

	NotifyURL         string
	RedirectURL       string
	PayerInstructions string
	BankDetails       *BankDetails

	Status        OrderStatus
	Timestamps    Timestamps
	Operations    []Operation
	StatusHistory []StatusChange

	SyncFailed     bool
	SyncRetries    int
	NextSyncAt     *time.Time // earliest retry after an unavailable provider
	ExpiredHandled bool

	UpdatedAt time.Time
}

// HasOperation reports whether the operation is already in the idempotency ledger
func (o *Order) HasOperation(operationID string) bool {
	for _, op := range o.Operations {
		if op.OperationID == operationID {
			return true
		}
	}
	return false
}

// Age of the order at the moment
func (o *Order) Age(now time.Time) time.Duration {
	return now.Sub(o.Timestamps.Created)
}
