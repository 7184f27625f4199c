package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/nkiryanov/paygate/internal/handlers/middleware"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/service/order"
	"github.com/nkiryanov/paygate/internal/service/reconciler"
)

func NewRouter(
	orderService orderService,
	configService configService,
	providers providerCatalog,
	recon reconcilerControl,
	logger logger.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.LoggerMiddleware(logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", handleCreateOrder(orderService, logger))
		r.Post("/orders/validate", handleValidateOrder(orderService, logger))

		r.Route("/merchants/{merchantID}/orders/{orderID}", func(r chi.Router) {
			r.Get("/", handleQueryOrder(orderService, logger))
			r.Post("/close", handleCloseOrder(orderService, logger))
		})

		r.Post("/callbacks/{provider}", handleCallback(orderService, logger))

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sync", handleTriggerSync(recon))

			r.Put("/merchants/{merchantID}", handleUpsertMerchant(configService, logger))
			r.Put("/merchants/{merchantID}/providers/{provider}", handleUpsertProviderConfig(configService, providers, logger))

			r.Post("/merchants/{merchantID}/orders/{orderID}/transition", handleOperatorTransition(orderService, logger))
			r.Post("/merchants/{merchantID}/orders/{orderID}/sync-reset", handleSyncReset(orderService, logger))
		})
	})

	return r
}

type orderService interface {
	// Has to return apperrors.ErrOrderAlreadyExists for a repeated merchant order id
	CreateOrder(ctx context.Context, req order.CreateRequest) (models.Order, error)
	ValidateLimits(ctx context.Context, req order.CreateRequest) error
	QueryOrder(ctx context.Context, merchantID, orderID string) (models.Order, error)
	CloseOrder(ctx context.Context, merchantID, orderID string) (models.Order, error)

	// Has to return apperrors.ErrInvalidSignature if the payload is not signed by the order credentials
	HandleCallback(ctx context.Context, provider string, raw []byte) (order.CallbackOutcome, error)

	Transition(ctx context.Context, req order.OperatorRequest) (models.Order, error)
	ResetSyncFailed(ctx context.Context, merchantID, orderID string) (models.Order, error)
}

type configService interface {
	UpsertMerchant(ctx context.Context, m models.MerchantLimits) (models.MerchantLimits, error)
	UpsertProviderConfig(ctx context.Context, c models.ProviderConfig) (models.ProviderConfig, error)
}

type providerCatalog interface {
	Providers() []string
}

type reconcilerControl interface {
	Trigger()
	State() reconciler.State
}
