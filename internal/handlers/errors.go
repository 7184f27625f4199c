package handlers

import (
	"errors"
	"net/http"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/handlers/render"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/provider"
)

const (
	LimitErrorType    = "limit_exceeded"
	ProviderErrorType = "provider_error"
)

type limitResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Requested int64  `json:"requested"`
	Remaining int64  `json:"remaining"`
}

// renderServiceError maps service errors to responses; unexpected ones are logged
func renderServiceError(w http.ResponseWriter, err error, l logger.Logger) {
	var limitErr *apperrors.LimitError
	var providerErr *provider.Error

	switch {
	case errors.As(err, &limitErr):
		render.JSONWithStatus(w, limitResponse{
			Error:     LimitErrorType,
			Code:      limitErr.Code,
			Limit:     limitErr.Limit,
			Used:      limitErr.Used,
			Requested: limitErr.Requested,
			Remaining: limitErr.Remaining,
		}, http.StatusUnprocessableEntity)
	case errors.Is(err, apperrors.ErrValidation):
		render.Error(w, render.ValidationErrorType, err.Error(), "", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrOrderNotFound):
		render.ServiceError(w, "Order not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrMerchantNotFound):
		render.ServiceError(w, "Merchant not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrUnknownProvider):
		render.ServiceError(w, "Unknown provider", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrOrderAlreadyExists):
		render.ServiceError(w, "Order already exists", http.StatusConflict)
	case errors.Is(err, apperrors.ErrInvalidTransition):
		render.ServiceError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, apperrors.ErrNoActiveProviderConfig):
		render.ServiceError(w, "No active provider for the order type", http.StatusUnprocessableEntity)
	case errors.Is(err, apperrors.ErrInvalidSignature):
		render.ServiceError(w, "Invalid signature", http.StatusUnauthorized)
	case errors.As(err, &providerErr) && providerErr.Kind == provider.KindRejected:
		render.Error(w, ProviderErrorType, providerErr.Message, providerErr.Code, http.StatusBadGateway)
	case errors.Is(err, apperrors.ErrProviderUnavailable):
		l.Warn("Provider unavailable", "error", err)
		render.ServiceError(w, "Provider unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, apperrors.ErrProviderProtocol):
		l.Error("Provider protocol error", "error", err)
		render.ServiceError(w, "Provider returned malformed response", http.StatusBadGateway)
	default:
		l.Error("Request failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}
