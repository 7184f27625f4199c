package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/nkiryanov/paygate/internal/apperrors"
)

// Allowed edges of the order state graph
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusProcessing, OrderStatusSuccess, OrderStatusFailed, OrderStatusTimeout,
		OrderStatusCancelled, OrderStatusRiskBlocked, OrderStatusManualReview, OrderStatusExpired,
	},
	OrderStatusProcessing: {
		OrderStatusSuccess, OrderStatusFailed, OrderStatusTimeout, OrderStatusCancelled,
		OrderStatusRiskBlocked, OrderStatusManualReview, OrderStatusExpired,
	},
	OrderStatusSuccess: {
		OrderStatusDisputed, OrderStatusRefunded, OrderStatusPartialRefunded, OrderStatusReversed,
	},
	OrderStatusDisputed:        {OrderStatusDisputeResolved},
	OrderStatusPartialRefunded: {OrderStatusPartialRefunded, OrderStatusRefunded},
}

// Edges leaving review states exist only as explicit operator actions
var operatorTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusManualReview: {OrderStatusProcessing, OrderStatusSuccess, OrderStatusFailed},
	OrderStatusRiskBlocked:  {OrderStatusProcessing},
}

// CanTransition reports whether the edge from -> to exists for the actor
func CanTransition(from, to OrderStatus, actor string) bool {
	if slices.Contains(transitions[from], to) {
		return true
	}
	return actor == ActorOperator && slices.Contains(operatorTransitions[from], to)
}

type TransitionRequest struct {
	To          OrderStatus
	Reason      string
	Actor       string
	OperationID string

	// Refunded amount, used by PARTIAL_REFUNDED only
	Amount int64
}

type TransitionResult struct {
	Order  Order
	Ledger *LedgerDraft // not nil when the transition settles money
}

// Transition applies the request to a copy of the order.
// Returns ErrDuplicateOperation with the unchanged order if the operation is already in the ledger,
// ErrInvalidTransition if the edge does not exist.
func Transition(o Order, req TransitionRequest, now time.Time) (TransitionResult, error) {
	if req.OperationID == "" {
		return TransitionResult{Order: o}, apperrors.Validation("operation id is required")
	}
	if o.HasOperation(req.OperationID) {
		return TransitionResult{Order: o}, apperrors.ErrDuplicateOperation
	}
	if !CanTransition(o.Status, req.To, req.Actor) {
		return TransitionResult{Order: o}, fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, o.Status, req.To)
	}

	ledger, err := ledgerEffect(&o, req)
	if err != nil {
		return TransitionResult{Order: o}, err
	}

	// Never move backwards in time, even with a skewed clock
	if now.Before(o.Timestamps.StatusUpdated) {
		now = o.Timestamps.StatusUpdated
	}

	from := o.Status
	next := o
	next.Status = req.To
	next.Operations = append(slices.Clone(o.Operations), Operation{
		OperationID: req.OperationID,
		FromStatus:  from,
		ToStatus:    req.To,
		ExecutedBy:  req.Actor,
		ExecutedAt:  now,
	})
	next.StatusHistory = append(slices.Clone(o.StatusHistory), StatusChange{
		From:   from,
		To:     req.To,
		Reason: req.Reason,
		Actor:  req.Actor,
		At:     now,
	})
	next.Timestamps = stamp(o.Timestamps, req.To, now)
	if ledger != nil && ledger.Kind == TransactionKindRefund {
		next.RefundedAmount += ledger.Amount
	}

	return TransitionResult{Order: next, Ledger: ledger}, nil
}

func stamp(ts Timestamps, to OrderStatus, now time.Time) Timestamps {
	setOnce := func(field **time.Time) {
		if *field == nil {
			t := now
			*field = &t
		}
	}

	switch to {
	case OrderStatusProcessing:
		setOnce(&ts.ProcessingStarted)
	case OrderStatusSuccess:
		setOnce(&ts.Paid)
		setOnce(&ts.Completed)
	case OrderStatusFailed:
		setOnce(&ts.Failed)
	case OrderStatusTimeout:
		setOnce(&ts.Timeout)
	case OrderStatusCancelled:
		setOnce(&ts.Cancelled)
	case OrderStatusRiskBlocked:
		setOnce(&ts.RiskBlocked)
	case OrderStatusManualReview, OrderStatusDisputeResolved:
		setOnce(&ts.Reviewed)
	case OrderStatusExpired:
		setOnce(&ts.Expired)
	case OrderStatusDisputed:
		setOnce(&ts.Disputed)
	case OrderStatusRefunded, OrderStatusPartialRefunded:
		setOnce(&ts.Refunded)
	case OrderStatusReversed:
		setOnce(&ts.Reversed)
	}
	ts.StatusUpdated = now

	return ts
}

// Settled balance change of a successful order: deposits credit net of fee, payouts debit with fee
func settlementChange(o *Order) int64 {
	if o.Type.IsPayout() {
		return -(o.Amount + o.Fee)
	}
	return o.Amount - o.Fee
}

func ledgerEffect(o *Order, req TransitionRequest) (*LedgerDraft, error) {
	// refunds return money to the payer: debit for collections, credit for payouts
	refund := func(amount int64) *LedgerDraft {
		change := -amount
		if o.Type.IsPayout() {
			change = amount
		}
		return &LedgerDraft{Kind: TransactionKindRefund, Amount: amount, BalanceChange: change}
	}
	refundable := o.Amount - o.RefundedAmount

	switch req.To {
	case OrderStatusSuccess:
		return &LedgerDraft{Kind: TransactionKindSettlement, Amount: o.Amount, BalanceChange: settlementChange(o)}, nil

	case OrderStatusPartialRefunded:
		if req.Amount <= 0 || req.Amount >= refundable {
			return nil, apperrors.Validation("partial refund amount must be in (0, %d)", refundable)
		}
		return refund(req.Amount), nil

	case OrderStatusRefunded:
		return refund(refundable), nil

	case OrderStatusReversed:
		return &LedgerDraft{Kind: TransactionKindReversal, Amount: o.Amount, BalanceChange: -settlementChange(o)}, nil

	default:
		return nil, nil
	}
}
