// Package starpay is the StarPay gateway: form-encoded requests, numeric status codes
// and amounts in major units.
package starpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/provider"
	"github.com/nkiryanov/paygate/internal/signature"
)

const (
	Name = "starpay"

	pathCollection = "/api/pay/create"
	pathPayout     = "/api/payout/create"
	pathQuery      = "/api/order/query"

	codeOK = "0000"
	ack    = "success"

	formContentType = "application/x-www-form-urlencoded"
)

var statuses = map[string]models.OrderStatus{
	"0": models.OrderStatusPending,
	"1": models.OrderStatusProcessing,
	"2": models.OrderStatusSuccess,
	"3": models.OrderStatusFailed,
	"4": models.OrderStatusCancelled,
	"5": models.OrderStatusTimeout,
	"6": models.OrderStatusRefunded,
	"7": models.OrderStatusRiskBlocked,
	"8": models.OrderStatusManualReview,
}

// MapStatus maps StarPay status code; unknown codes are models.OrderStatusUnknown
func MapStatus(code string) models.OrderStatus {
	if s, ok := statuses[strings.TrimSpace(code)]; ok {
		return s
	}
	return models.OrderStatusUnknown
}

type Variant struct {
	// Clock for request timestamps, time.Now if nil
	Now func() time.Time
}

func (Variant) Name() string {
	return Name
}

func (Variant) DefaultAlgorithm() signature.Algorithm {
	return signature.MD5Key
}

func (v Variant) New(creds provider.Credentials, endpoint provider.Endpoint, client *http.Client) (provider.Gateway, error) {
	if creds.AppID == "" || creds.Secret == "" {
		return nil, errors.New("merchant id and secret are required")
	}

	now := v.Now
	if now == nil {
		now = time.Now
	}

	return &Gateway{
		creds:      creds,
		transport:  provider.NewTransport(Name, endpoint, client),
		unsignedOK: endpoint.UnsignedResponses,
		now:        now,
	}, nil
}

func (Variant) PeekReference(raw []byte) (string, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return "", fmt.Errorf("malformed callback: %w", err)
	}
	ref := values.Get("orderNo")
	if ref == "" {
		return "", errors.New("callback has no orderNo")
	}
	return ref, nil
}

type Gateway struct {
	creds     provider.Credentials
	transport *provider.Transport
	now       func() time.Time

	unsignedOK bool
}

func (g *Gateway) Name() string {
	return Name
}

// Response envelope; data is signed with the same credentials
type envelope struct {
	Code string                     `json:"code"`
	Msg  string                     `json:"msg"`
	Data map[string]json.RawMessage `json:"data"`
}

func (g *Gateway) CreateCollectionOrder(ctx context.Context, req provider.CollectionRequest) (provider.CollectionResult, error) {
	params := map[string]string{
		"orderNo":   req.Reference,
		"amount":    provider.FormatMajor(req.Amount, req.Currency),
		"currency":  req.Currency,
		"notifyUrl": req.NotifyURL,
	}
	for k, v := range req.Extra {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}

	data, err := g.call(ctx, pathCollection, params)
	if err != nil {
		return provider.CollectionResult{}, err
	}

	status := models.OrderStatusPending
	if code := data["status"]; code != "" {
		status = MapStatus(code)
	}

	return provider.CollectionResult{
		ProviderOrderID:   data["platOrderNo"],
		PayerInstructions: data["upiLink"],
		RedirectURL:       data["payUrl"],
		Status:            status,
	}, nil
}

func (g *Gateway) CreatePayoutOrder(ctx context.Context, req provider.PayoutRequest) (provider.PayoutResult, error) {
	params := map[string]string{
		"orderNo":     req.Reference,
		"amount":      provider.FormatMajor(req.Amount, req.Currency),
		"currency":    req.Currency,
		"notifyUrl":   req.NotifyURL,
		"accountName": req.Bank.AccountName,
		"accountNo":   req.Bank.AccountNumber,
		"bankCode":    req.Bank.BankCode,
	}

	data, err := g.call(ctx, pathPayout, params)
	if err != nil {
		return provider.PayoutResult{}, err
	}

	status := models.OrderStatusPending
	if code := data["status"]; code != "" {
		status = MapStatus(code)
	}

	return provider.PayoutResult{
		ProviderOrderID: data["platOrderNo"],
		Status:          status,
	}, nil
}

func (g *Gateway) QueryStatus(ctx context.Context, reference string, providerOrderID string) (provider.StatusResult, error) {
	params := map[string]string{
		"orderNo":     reference,
		"platOrderNo": providerOrderID,
	}

	data, err := g.call(ctx, pathQuery, params)
	if err != nil {
		return provider.StatusResult{}, err
	}

	settled, err := provider.ParseMajor(data["amount"], data["currency"])
	if err != nil {
		return provider.StatusResult{}, provider.Protocol(Name, err)
	}

	return provider.StatusResult{
		Status:          MapStatus(data["status"]),
		RawStatus:       data["status"],
		UTR:             data["utr"],
		SettledAmount:   settled,
		ProviderOrderID: data["platOrderNo"],
	}, nil
}

func (g *Gateway) VerifyCallback(_ context.Context, raw []byte) (provider.CallbackResult, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return provider.CallbackResult{}, provider.Protocol(Name, fmt.Errorf("malformed callback: %w", err))
	}

	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}

	if !signature.VerifyParams(params, g.creds.Secret, g.creds.Algorithm) {
		return provider.CallbackResult{Valid: false, Reference: params["orderNo"]}, nil
	}

	settled, err := provider.ParseMajor(params["amount"], params["currency"])
	if err != nil {
		return provider.CallbackResult{}, provider.Protocol(Name, err)
	}

	return provider.CallbackResult{
		Valid:           true,
		Status:          MapStatus(params["status"]),
		RawStatus:       params["status"],
		UTR:             params["utr"],
		ProviderOrderID: params["platOrderNo"],
		Reference:       params["orderNo"],
		SettledAmount:   settled,
		Ack:             ack,
	}, nil
}

// call signs the parameters, posts them and returns verified response data
func (g *Gateway) call(ctx context.Context, path string, params map[string]string) (map[string]string, error) {
	params["mchId"] = g.creds.AppID
	params["timestamp"] = strconv.FormatInt(g.now().Unix(), 10)
	params[signature.Field] = signature.Sign(params, g.creds.Secret, g.creds.Algorithm)

	form := url.Values{}
	for k, v := range params {
		if v != "" {
			form.Set(k, v)
		}
	}

	body, err := g.transport.Post(ctx, path, formContentType, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, provider.Protocol(Name, fmt.Errorf("failed to decode response: %w", err))
	}
	if env.Code != codeOK {
		return nil, provider.Rejected(Name, env.Code, env.Msg)
	}

	data := make(map[string]string, len(env.Data))
	for k, v := range env.Data {
		data[k] = rawString(v)
	}

	if err := g.verifyResponse(data); err != nil {
		return nil, err
	}

	return data, nil
}

// rawString renders JSON scalar the way it is signed: strings unquoted, numbers as written
func rawString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	if string(v) == "null" {
		return ""
	}
	return string(v)
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
