// Package novapay is the NovaPay gateway: JSON requests with amounts in minor units
// and textual order states.
package novapay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/provider"
	"github.com/nkiryanov/paygate/internal/signature"
)

const (
	Name = "novapay"

	pathCollection = "/v1/collections"
	pathPayout     = "/v1/payouts"
	pathQuery      = "/v1/orders/query"

	ack = "OK"
)

var states = map[string]models.OrderStatus{
	"CREATED":    models.OrderStatusPending,
	"PAYING":     models.OrderStatusProcessing,
	"PAID":       models.OrderStatusSuccess,
	"FAILED":     models.OrderStatusFailed,
	"CLOSED":     models.OrderStatusCancelled,
	"EXPIRED":    models.OrderStatusTimeout,
	"REVIEW":     models.OrderStatusManualReview,
	"REJECTED":   models.OrderStatusRiskBlocked,
	"REFUNDED":   models.OrderStatusRefunded,
	"CHARGEBACK": models.OrderStatusDisputed,
	"REVERSED":   models.OrderStatusReversed,
}

// MapState maps NovaPay order state; unknown states are models.OrderStatusUnknown
func MapState(state string) models.OrderStatus {
	if s, ok := states[strings.ToUpper(strings.TrimSpace(state))]; ok {
		return s
	}
	return models.OrderStatusUnknown
}

type Variant struct {
	// Nonce generator, random UUID if nil
	Nonce func() string
}

func (Variant) Name() string {
	return Name
}

func (Variant) DefaultAlgorithm() signature.Algorithm {
	return signature.SHA256Bare
}

func (v Variant) New(creds provider.Credentials, endpoint provider.Endpoint, client *http.Client) (provider.Gateway, error) {
	if creds.AppID == "" || creds.Secret == "" {
		return nil, errors.New("merchant number and secret are required")
	}

	nonce := v.Nonce
	if nonce == nil {
		nonce = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}

	return &Gateway{
		creds:      creds,
		transport:  provider.NewTransport(Name, endpoint, client),
		unsignedOK: endpoint.UnsignedResponses,
		nonce:      nonce,
	}, nil
}

func (Variant) PeekReference(raw []byte) (string, error) {
	var cb struct {
		MerchantOrderNo string `json:"merchantOrderNo"`
	}
	if err := json.Unmarshal(raw, &cb); err != nil {
		return "", fmt.Errorf("malformed callback: %w", err)
	}
	if cb.MerchantOrderNo == "" {
		return "", errors.New("callback has no merchantOrderNo")
	}
	return cb.MerchantOrderNo, nil
}

type Gateway struct {
	creds     provider.Credentials
	transport *provider.Transport
	nonce     func() string

	unsignedOK bool
}

func (g *Gateway) Name() string {
	return Name
}

type response struct {
	Success bool           `json:"success"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func (g *Gateway) CreateCollectionOrder(ctx context.Context, req provider.CollectionRequest) (provider.CollectionResult, error) {
	body := map[string]any{
		"merchantOrderNo": req.Reference,
		"amount":          req.Amount,
		"currency":        req.Currency,
		"notifyUrl":       req.NotifyURL,
	}
	for k, v := range req.Extra {
		if _, ok := body[k]; !ok {
			body[k] = v
		}
	}

	data, err := g.call(ctx, pathCollection, body)
	if err != nil {
		return provider.CollectionResult{}, err
	}

	status := models.OrderStatusPending
	if state := data["state"]; state != "" {
		status = MapState(state)
	}

	return provider.CollectionResult{
		ProviderOrderID:   data["orderNo"],
		PayerInstructions: data["upiIntent"],
		RedirectURL:       data["cashierUrl"],
		Status:            status,
	}, nil
}

func (g *Gateway) CreatePayoutOrder(ctx context.Context, req provider.PayoutRequest) (provider.PayoutResult, error) {
	body := map[string]any{
		"merchantOrderNo": req.Reference,
		"amount":          req.Amount,
		"currency":        req.Currency,
		"notifyUrl":       req.NotifyURL,
		"accountName":     req.Bank.AccountName,
		"accountNumber":   req.Bank.AccountNumber,
		"ifsc":            req.Bank.BankCode,
	}

	data, err := g.call(ctx, pathPayout, body)
	if err != nil {
		return provider.PayoutResult{}, err
	}

	status := models.OrderStatusPending
	if state := data["state"]; state != "" {
		status = MapState(state)
	}

	return provider.PayoutResult{
		ProviderOrderID: data["orderNo"],
		Status:          status,
	}, nil
}

func (g *Gateway) QueryStatus(ctx context.Context, reference string, providerOrderID string) (provider.StatusResult, error) {
	body := map[string]any{
		"merchantOrderNo": reference,
		"orderNo":         providerOrderID,
	}

	data, err := g.call(ctx, pathQuery, body)
	if err != nil {
		return provider.StatusResult{}, err
	}

	settled, err := parseMinor(data["actualAmount"])
	if err != nil {
		return provider.StatusResult{}, provider.Protocol(Name, err)
	}

	return provider.StatusResult{
		Status:          MapState(data["state"]),
		RawStatus:       data["state"],
		UTR:             data["utr"],
		SettledAmount:   settled,
		ProviderOrderID: data["orderNo"],
	}, nil
}

func (g *Gateway) VerifyCallback(_ context.Context, raw []byte) (provider.CallbackResult, error) {
	values, err := decode(raw)
	if err != nil {
		return provider.CallbackResult{}, provider.Protocol(Name, fmt.Errorf("malformed callback: %w", err))
	}
	params := signature.Flatten(values)

	if !signature.VerifyParams(params, g.creds.Secret, g.creds.Algorithm) {
		return provider.CallbackResult{Valid: false, Reference: params["merchantOrderNo"]}, nil
	}

	settled, err := parseMinor(params["amount"])
	if err != nil {
		return provider.CallbackResult{}, provider.Protocol(Name, err)
	}

	return provider.CallbackResult{
		Valid:           true,
		Status:          MapState(params["state"]),
		RawStatus:       params["state"],
		UTR:             params["utr"],
		ProviderOrderID: params["orderNo"],
		Reference:       params["merchantOrderNo"],
		SettledAmount:   settled,
		Ack:             ack,
	}, nil
}

func (g *Gateway) call(ctx context.Context, path string, body map[string]any) (map[string]string, error) {
	body["merchantNo"] = g.creds.AppID
	body["nonce"] = g.nonce()
	body[signature.Field] = signature.Sign(signature.Flatten(body), g.creds.Secret, g.creds.Algorithm)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, provider.Protocol(Name, fmt.Errorf("failed to encode request: %w", err))
	}

	raw, err := g.transport.Post(ctx, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var resp response
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, provider.Protocol(Name, fmt.Errorf("failed to decode response: %w", err))
	}
	if !resp.Success {
		return nil, provider.Rejected(Name, resp.Code, resp.Message)
	}

	data := signature.Flatten(resp.Data)
	if err := g.verifyResponse(data); err != nil {
		return nil, err
	}

	return data, nil
}

func decode(raw []byte) (map[string]any, error) {
	var values map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	if values == nil {
		return nil, errors.New("empty payload")
	}
	return values, nil
}

func parseMinor(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

func (g *Gateway) verifyResponse(data map[string]string) error {
	if _, signed := data[signature.Field]; !signed {
		if g.unsignedOK {
			return nil
		}
		return provider.Protocol(Name, errors.New("response not signed"))
	}
	if !signature.VerifyParams(data, g.creds.Secret, g.creds.Algorithm) {
		return provider.Protocol(Name, errors.New("response signature mismatch"))
	}
	return nil
}
