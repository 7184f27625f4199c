package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/signature"
)

// Gateway is the uniform capability set of an upstream provider.
// Every method fails with *Error matching one of apperrors.ErrProviderUnavailable,
// apperrors.ErrProviderRejected or apperrors.ErrProviderProtocol.
type Gateway interface {
	Name() string

	CreateCollectionOrder(ctx context.Context, req CollectionRequest) (CollectionResult, error)
	CreatePayoutOrder(ctx context.Context, req PayoutRequest) (PayoutResult, error)

	// Query upstream status. Unmapped upstream codes are reported as models.OrderStatusUnknown
	QueryStatus(ctx context.Context, reference string, providerOrderID string) (StatusResult, error)

	// Verify callback payload signature and map the upstream status.
	// Invalid signature is reported as Valid=false, malformed payload as protocol error.
	VerifyCallback(ctx context.Context, raw []byte) (CallbackResult, error)
}

type CollectionRequest struct {
	Reference string // order id known to the provider
	Amount    int64
	Currency  string
	NotifyURL string
	Extra     map[string]string
}

type CollectionResult struct {
	ProviderOrderID   string
	PayerInstructions string
	RedirectURL       string
	Status            models.OrderStatus
}

type PayoutRequest struct {
	Reference string
	Amount    int64
	Currency  string
	Bank      models.BankDetails
	NotifyURL string
}

type PayoutResult struct {
	ProviderOrderID string
	Status          models.OrderStatus
}

type StatusResult struct {
	Status          models.OrderStatus
	RawStatus       string
	UTR             string
	SettledAmount   int64 // zero if not reported
	ProviderOrderID string
}

type CallbackResult struct {
	Valid           bool
	Status          models.OrderStatus
	RawStatus       string
	UTR             string
	ProviderOrderID string
	Reference       string
	SettledAmount   int64

	// Body the provider expects on successful delivery
	Ack string
}

// Credentials of the merchant at the provider
type Credentials struct {
	AppID       string
	Secret      string
	Algorithm   signature.Algorithm
	Environment string
}

// Endpoint of the provider for the environment
type Endpoint struct {
	BaseURL string
	Timeout time.Duration
	// Accept response data without a sign field. Signed data is still verified.
	UnsignedResponses bool
}

// Variant is a supported provider implementation.
// Variants are registered once at startup; adding a provider means adding a variant.
type Variant interface {
	Name() string

	// Signature algorithm used when the config does not override it
	DefaultAlgorithm() signature.Algorithm

	New(creds Credentials, endpoint Endpoint, client *http.Client) (Gateway, error)

	// Extract order reference from callback payload without verifying it.
	// Used only to find the order whose credentials verify the payload.
	PeekReference(raw []byte) (string, error)
}

type ErrorKind int

const (
	KindUnavailable ErrorKind = iota
	KindRejected
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	default:
		return "protocol"
	}
}

// Error of a provider call
type Error struct {
	Provider string
	Kind     ErrorKind

	// Upstream business code and message, set for rejected requests
	Code    string
	Message string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s %s", e.Provider, e.Kind)
	if e.Code != "" {
		msg += fmt.Sprintf(", code=%s", e.Code)
	}
	if e.Message != "" {
		msg += fmt.Sprintf(", message=%s", e.Message)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindUnavailable:
		return target == apperrors.ErrProviderUnavailable
	case KindRejected:
		return target == apperrors.ErrProviderRejected
	default:
		return target == apperrors.ErrProviderProtocol
	}
}

func Unavailable(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindUnavailable, Err: err}
}

func Rejected(provider, code, message string) *Error {
	return &Error{Provider: provider, Kind: KindRejected, Code: code, Message: message}
}

func Protocol(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindProtocol, Err: err}
}

// IsRetryable reports whether the failure is transient
func IsRetryable(err error) bool {
	return errors.Is(err, apperrors.ErrProviderUnavailable)
}
