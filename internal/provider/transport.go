package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodySize    = 1 << 20
)

// Transport sends signed requests to a provider and classifies transport failures.
// Timeouts, network errors, 5xx and 429 are Unavailable; other non-2xx are Rejected.
type Transport struct {
	Provider string
	BaseURL  string
	Timeout  time.Duration
	Client   *http.Client
}

func NewTransport(provider string, endpoint Endpoint, client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Transport{
		Provider: provider,
		BaseURL:  strings.TrimRight(endpoint.BaseURL, "/"),
		Timeout:  timeout,
		Client:   client,
	}
}

// Post body to the path and return the raw response body of a 2xx response
func (t *Transport) Post(ctx context.Context, path string, contentType string, body io.Reader) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, body)
	if err != nil {
		return nil, Protocol(t.Provider, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, Unavailable(t.Provider, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, Unavailable(t.Provider, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Unavailable(t.Provider, fmt.Errorf("unexpected status code %d", resp.StatusCode))
	default:
		return nil, Rejected(t.Provider, fmt.Sprintf("HTTP_%d", resp.StatusCode), truncate(string(data), 256))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Currencies without minor units
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
}

func exponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// FormatMajor renders minor units as a fixed point major amount, 12345 INR -> "123.45"
func FormatMajor(amount int64, currency string) string {
	exp := exponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp)
}

// ParseMajor converts a major amount string to minor units
func ParseMajor(s string, currency string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	minor := d.Shift(exponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, errors.New("amount has more precision than the currency allows")
	}
	return minor.IntPart(), nil
}
