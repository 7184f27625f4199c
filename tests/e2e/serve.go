package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/paygate/internal/handlers"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/provider"
	"github.com/nkiryanov/paygate/internal/provider/starpay"
	"github.com/nkiryanov/paygate/internal/repository/postgres"
	"github.com/nkiryanov/paygate/internal/service/limits"
	"github.com/nkiryanov/paygate/internal/service/merchantconfig"
	"github.com/nkiryanov/paygate/internal/service/notify"
	"github.com/nkiryanov/paygate/internal/service/order"
	"github.com/nkiryanov/paygate/internal/service/reconciler"
	"github.com/nkiryanov/paygate/internal/signature"
	"github.com/nkiryanov/paygate/internal/testutil"
)

// ProviderSecret is the merchant secret StarPay signs its responses with
const ProviderSecret = "s3cret"

type Services struct {
	Configs    *merchantconfig.Service
	Orders     *order.OrderService
	Reconciler *reconciler.Reconciler
}

// StarPay imitates the provider: orders are accepted as pending, statuses are served per reference
type StarPay struct {
	URL string

	mu       sync.Mutex
	statuses map[string]string // by our reference
}

func (s *StarPay) SetStatus(reference, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[reference] = code
}

func (s *StarPay) status(reference string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.statuses[reference]; ok {
		return code
	}
	return "0"
}

func (s *StarPay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ref := r.PostForm.Get("orderNo")

	data := map[string]string{"platOrderNo": "SP-" + ref}
	switch r.URL.Path {
	case "/api/pay/create":
		data["payUrl"] = "https://pay.starpay.example/" + ref
		data["status"] = "0"
	case "/api/order/query":
		data["status"] = s.status(ref)
		data["amount"] = "100.00"
		data["currency"] = "INR"
		data["utr"] = "UTR-" + ref
	default:
		http.NotFound(w, r)
		return
	}

	data[signature.Field] = signature.Sign(data, ProviderSecret, signature.MD5Key)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": "0000", "msg": "ok", "data": data})
}

// Merchant collects status notifications
type Merchant struct {
	URL string

	mu       sync.Mutex
	received []notify.Payload
}

func (m *Merchant) Received() []notify.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Payload(nil), m.received...)
}

func (m *Merchant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p notify.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.received = append(m.received, p)
	m.mu.Unlock()
}

type Env struct {
	Tx       pgx.Tx
	URL      string
	Services Services
	StarPay  *StarPay
	Merchant *Merchant
}

// Create db transaction and run the whole service with that connection (one connection cause one transaction).
// Providers and merchants are test servers. Reconciler runs queries one by one for the same reason.
func ServeWithTx(dbpool *pgxpool.Pool, t *testing.T, fn func(env Env)) {
	starPay := &StarPay{statuses: map[string]string{}}
	providerSrv := httptest.NewServer(starPay)
	defer providerSrv.Close()
	starPay.URL = providerSrv.URL

	merchant := &Merchant{}
	merchantSrv := httptest.NewServer(merchant)
	defer merchantSrv.Close()
	merchant.URL = merchantSrv.URL

	catalog, err := provider.ParseCatalog([]byte("providers:\n  starpay:\n    sandbox_url: " + providerSrv.URL + "\n"))
	require.NoError(t, err)

	testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
		l := logger.NewNoOpLogger()
		storage := postgres.NewStorage(tx)

		configs := merchantconfig.NewService(storage, 0, l)
		registry, err := provider.NewRegistry(catalog, configs, providerSrv.Client(), l, starpay.Variant{})
		require.NoError(t, err)

		limitService := limits.NewService(configs, storage, nil, l)
		orders := order.NewService(storage, registry, limitService, notify.New(configs, merchantSrv.Client(), l), "http://paygate.test", l)

		rc := reconciler.DefaultConfig()
		rc.Concurrency = 1
		rc.QuietPeriod = 0
		rc.BatchPause = 0
		recon := reconciler.New(rc, storage.Order(), orders, nil, l)

		router := handlers.NewRouter(orders, configs, registry, recon, l)

		// Run http server with the router in transaction
		srv := httptest.NewServer(router)
		defer srv.Close()

		fn(Env{
			Tx:       tx,
			URL:      srv.URL,
			Services: Services{Configs: configs, Orders: orders, Reconciler: recon},
			StarPay:  starPay,
			Merchant: merchant,
		})
	})
}
