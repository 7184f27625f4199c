package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")

	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyExists = errors.New("order already exists for this merchant")

	ErrMerchantNotFound       = errors.New("merchant not found")
	ErrNoActiveProviderConfig = errors.New("no active provider config")
	ErrUnknownProvider        = errors.New("unknown provider")

	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrDuplicateOperation = errors.New("operation already applied")
	ErrSyncFailed         = errors.New("order sync failed, operator reset required")

	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrProviderProtocol    = errors.New("provider protocol error")
	ErrInvalidSignature    = errors.New("invalid signature")

	// Order kept PENDING after a create call with unknown outcome; the reconciler settles it
	ErrPlacementUnconfirmed = errors.New("order placement not confirmed by provider")

	ErrLimitExceeded = errors.New("limit exceeded")
)

// Validation wraps ErrValidation with a human readable reason
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Limit codes reported to the client
const (
	LimitBelowMinimum       = "AMOUNT_BELOW_MINIMUM"
	LimitAboveMaximum       = "AMOUNT_ABOVE_MAXIMUM"
	LimitDailyExceeded      = "DAILY_LIMIT_EXCEEDED"
	LimitMonthlyExceeded    = "MONTHLY_LIMIT_EXCEEDED"
	LimitLargeNotAllowed    = "LARGE_TRANSACTIONS_NOT_ALLOWED"
	LimitLargeCountExceeded = "LARGE_TRANSACTION_COUNT_EXCEEDED"
)

// LimitError carries the boundary that rejected an order, so the client may self-correct
type LimitError struct {
	Code      string
	Limit     int64 // boundary value: amount for amount limits, count for the large transaction counter
	Used      int64 // already consumed part of the window
	Requested int64
	Remaining int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: limit=%d used=%d requested=%d remaining=%d", e.Code, e.Limit, e.Used, e.Requested, e.Remaining)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}
