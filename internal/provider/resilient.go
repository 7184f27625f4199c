package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Resilient guards a gateway with retries and a circuit breaker.
//
// Only status queries are retried: order creation is not idempotent upstream
// and an ambiguous failure there is settled by the reconciler.
// The breaker counts only Unavailable failures; business rejections keep it closed.
type Resilient struct {
	Gateway
	retry   RetryPolicy
	breaker *gobreaker.CircuitBreaker
}

func NewBreaker(name string, policy BreakerPolicy) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     policy.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= policy.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !IsRetryable(err)
		},
	})
}

func NewResilient(gw Gateway, retry RetryPolicy, breaker *gobreaker.CircuitBreaker) *Resilient {
	return &Resilient{Gateway: gw, retry: retry, breaker: breaker}
}

func (r *Resilient) CreateCollectionOrder(ctx context.Context, req CollectionRequest) (CollectionResult, error) {
	return guard(r, func() (CollectionResult, error) {
		return r.Gateway.CreateCollectionOrder(ctx, req)
	})
}

func (r *Resilient) CreatePayoutOrder(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	return guard(r, func() (PayoutResult, error) {
		return r.Gateway.CreatePayoutOrder(ctx, req)
	})
}

func (r *Resilient) QueryStatus(ctx context.Context, reference string, providerOrderID string) (StatusResult, error) {
	return guard(r, func() (StatusResult, error) {
		var res StatusResult

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.retry.InitialInterval
		b.MaxInterval = r.retry.MaxInterval

		attempts := r.retry.MaxAttempts
		if attempts > 0 {
			attempts--
		}

		operation := func() error {
			var err error
			res, err = r.Gateway.QueryStatus(ctx, reference, providerOrderID)
			if err != nil && !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx))
		return res, err
	})
}

func guard[T any](r *Resilient, fn func() (T, error)) (T, error) {
	var zero T

	out, err := r.breaker.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, Unavailable(r.Name(), fmt.Errorf("circuit breaker: %w", err))
	}

	v, ok := out.(T)
	if !ok {
		return zero, err
	}
	return v, err
}
