package starpay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/provider"
	"github.com/nkiryanov/paygate/internal/signature"
)

const secret = "s3cret"

var creds = provider.Credentials{AppID: "M100", Secret: secret, Algorithm: signature.MD5Key}

// server validates request signature and answers with handler result
func server(t *testing.T, handler func(form map[string]string) map[string]any) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		form := make(map[string]string)
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		require.True(t, signature.VerifyParams(form, secret, signature.MD5Key), "request must be signed")
		require.Equal(t, "M100", form["mchId"])
		form["path"] = r.URL.Path

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(handler(form)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGateway(t *testing.T, srv *httptest.Server) provider.Gateway {
	v := Variant{Now: func() time.Time { return time.Unix(1_700_000_000, 0) }}
	gw, err := v.New(creds, provider.Endpoint{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	return gw
}

func signedData(data map[string]string) map[string]string {
	data[signature.Field] = signature.Sign(data, secret, signature.MD5Key)
	return data
}

func TestMapStatus(t *testing.T) {
	require.Equal(t, models.OrderStatusSuccess, MapStatus("2"))
	require.Equal(t, models.OrderStatusProcessing, MapStatus(" 1 "))
	require.Equal(t, models.OrderStatusUnknown, MapStatus("42"))
	require.Equal(t, models.OrderStatusUnknown, MapStatus(""))
}

func TestGateway_CreateCollectionOrder(t *testing.T) {
	srv := server(t, func(form map[string]string) map[string]any {
		require.Equal(t, pathCollection, form["path"])
		require.Equal(t, "R-1", form["orderNo"])
		require.Equal(t, "1500.00", form["amount"])
		require.Equal(t, "1700000000", form["timestamp"])
		require.Equal(t, "upi", form["payType"])

		return map[string]any{"code": "0000", "msg": "ok", "data": signedData(map[string]string{
			"platOrderNo": "SP-9",
			"payUrl":      "https://pay.starpay.test/SP-9",
			"status":      "0",
		})}
	})

	res, err := newGateway(t, srv).CreateCollectionOrder(t.Context(), provider.CollectionRequest{
		Reference: "R-1",
		Amount:    150_000,
		Currency:  "INR",
		NotifyURL: "https://paygate.test/callbacks/starpay",
		Extra:     map[string]string{"payType": "upi", "amount": "ignored"},
	})

	require.NoError(t, err)
	require.Equal(t, "SP-9", res.ProviderOrderID)
	require.Equal(t, "https://pay.starpay.test/SP-9", res.RedirectURL)
	require.Equal(t, models.OrderStatusPending, res.Status)
}

func TestGateway_CreatePayoutOrder(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		srv := server(t, func(form map[string]string) map[string]any {
			require.Equal(t, pathPayout, form["path"])
			require.Equal(t, "ACC-1", form["accountNo"])
			return map[string]any{"code": "0000", "data": signedData(map[string]string{"platOrderNo": "SP-10", "status": "1"})}
		})

		res, err := newGateway(t, srv).CreatePayoutOrder(t.Context(), provider.PayoutRequest{
			Reference: "R-2",
			Amount:    10_000,
			Currency:  "INR",
			Bank:      models.BankDetails{AccountName: "A", AccountNumber: "ACC-1", BankCode: "HDFC0001"},
		})

		require.NoError(t, err)
		require.Equal(t, "SP-10", res.ProviderOrderID)
		require.Equal(t, models.OrderStatusProcessing, res.Status)
	})

	t.Run("business rejection", func(t *testing.T) {
		srv := server(t, func(map[string]string) map[string]any {
			return map[string]any{"code": "2001", "msg": "insufficient balance"}
		})

		_, err := newGateway(t, srv).CreatePayoutOrder(t.Context(), provider.PayoutRequest{Reference: "R-2", Amount: 1, Currency: "INR"})

		require.ErrorIs(t, err, apperrors.ErrProviderRejected)
		var perr *provider.Error
		require.ErrorAs(t, err, &perr)
		require.Equal(t, "2001", perr.Code)
		require.Equal(t, "insufficient balance", perr.Message)
	})
}

func TestGateway_QueryStatus(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := server(t, func(form map[string]string) map[string]any {
			require.Equal(t, pathQuery, form["path"])
			require.Equal(t, "R-1", form["orderNo"])
			return map[string]any{"code": "0000", "data": signedData(map[string]string{
				"orderNo":     "R-1",
				"platOrderNo": "SP-9",
				"status":      "2",
				"utr":         "UTR123",
				"amount":      "1500.00",
			})}
		})

		res, err := newGateway(t, srv).QueryStatus(t.Context(), "R-1", "SP-9")

		require.NoError(t, err)
		require.Equal(t, models.OrderStatusSuccess, res.Status)
		require.Equal(t, "UTR123", res.UTR)
		require.Equal(t, int64(150_000), res.SettledAmount)
		require.Equal(t, "SP-9", res.ProviderOrderID)
	})

	t.Run("unmapped status", func(t *testing.T) {
		srv := server(t, func(map[string]string) map[string]any {
			return map[string]any{"code": "0000", "data": signedData(map[string]string{"status": "99"})}
		})

		res, err := newGateway(t, srv).QueryStatus(t.Context(), "R-1", "")

		require.NoError(t, err)
		require.Equal(t, models.OrderStatusUnknown, res.Status)
		require.Equal(t, "99", res.RawStatus)
	})

	t.Run("tampered response", func(t *testing.T) {
		srv := server(t, func(map[string]string) map[string]any {
			data := signedData(map[string]string{"status": "3"})
			data["status"] = "2"
			return map[string]any{"code": "0000", "data": data}
		})

		_, err := newGateway(t, srv).QueryStatus(t.Context(), "R-1", "")

		require.ErrorIs(t, err, apperrors.ErrProviderProtocol)
	})

	t.Run("stripped signature", func(t *testing.T) {
		srv := server(t, func(map[string]string) map[string]any {
			data := signedData(map[string]string{"status": "3"})
			delete(data, signature.Field)
			data["status"] = "2"
			return map[string]any{"code": "0000", "data": data}
		})

		_, err := newGateway(t, srv).QueryStatus(t.Context(), "R-1", "")

		require.ErrorIs(t, err, apperrors.ErrProviderProtocol)
		require.ErrorContains(t, err, "response not signed")
	})

	t.Run("unsigned allowed by endpoint", func(t *testing.T) {
		srv := server(t, func(map[string]string) map[string]any {
			return map[string]any{"code": "0000", "data": map[string]string{"status": "2", "utr": "UTR9"}}
		})
		v := Variant{Now: func() time.Time { return time.Unix(1_700_000_000, 0) }}
		gw, err := v.New(creds, provider.Endpoint{BaseURL: srv.URL, UnsignedResponses: true}, srv.Client())
		require.NoError(t, err)

		res, err := gw.QueryStatus(t.Context(), "R-1", "")

		require.NoError(t, err)
		require.Equal(t, models.OrderStatusSuccess, res.Status)
		require.Equal(t, "UTR9", res.UTR)
	})

	t.Run("malformed response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}))
		t.Cleanup(srv.Close)

		_, err := newGateway(t, srv).QueryStatus(t.Context(), "R-1", "")

		require.ErrorIs(t, err, apperrors.ErrProviderProtocol)
	})
}

func TestGateway_VerifyCallback(t *testing.T) {
	gw, err := Variant{}.New(creds, provider.Endpoint{BaseURL: "http://unused"}, nil)
	require.NoError(t, err)

	payload := func(params map[string]string) []byte {
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		return []byte(form.Encode())
	}

	params := map[string]string{
		"mchId":       "M100",
		"orderNo":     "R-1",
		"platOrderNo": "SP-9",
		"amount":      "1500.00",
		"status":      "2",
		"utr":         "UTR123",
	}

	t.Run("valid", func(t *testing.T) {
		res, err := gw.VerifyCallback(t.Context(), payload(signedData(copyMap(params))))

		require.NoError(t, err)
		require.True(t, res.Valid)
		require.Equal(t, models.OrderStatusSuccess, res.Status)
		require.Equal(t, "R-1", res.Reference)
		require.Equal(t, "UTR123", res.UTR)
		require.Equal(t, int64(150_000), res.SettledAmount)
		require.Equal(t, "success", res.Ack)
	})

	t.Run("tampered", func(t *testing.T) {
		signed := signedData(copyMap(params))
		signed["amount"] = "15000.00"

		res, err := gw.VerifyCallback(t.Context(), payload(signed))

		require.NoError(t, err)
		require.False(t, res.Valid)
	})

	t.Run("unsigned", func(t *testing.T) {
		res, err := gw.VerifyCallback(t.Context(), payload(params))

		require.NoError(t, err)
		require.False(t, res.Valid)
	})

	t.Run("peek reference", func(t *testing.T) {
		ref, err := Variant{}.PeekReference(payload(params))
		require.NoError(t, err)
		require.Equal(t, "R-1", ref)

		_, err = Variant{}.PeekReference([]byte("status=2"))
		require.Error(t, err)
	})
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestVariant_New(t *testing.T) {
	_, err := Variant{}.New(provider.Credentials{AppID: "M100"}, provider.Endpoint{}, nil)
	require.Error(t, err, "secret is required")
}
