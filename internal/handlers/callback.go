package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/handlers/render"
	"github.com/nkiryanov/paygate/internal/logger"
)

const maxCallbackBody = 64 << 10

// Provider webhooks. The raw body is passed on untouched, signatures cover the exact payload.
func handleCallback(orderService orderService, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName := chi.URLParam(r, "provider")

		r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			render.ServiceError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}

		outcome, err := orderService.HandleCallback(r.Context(), providerName, raw)
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, outcome.Ack)
		case errors.Is(err, apperrors.ErrProviderProtocol):
			render.ServiceError(w, "Malformed callback", http.StatusBadRequest)
		default:
			renderServiceError(w, err, l)
		}
	}
}
