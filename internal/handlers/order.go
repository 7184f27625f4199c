package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/handlers/render"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/service/order"
)

type bankDetails struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number" validate:"required"`
	BankCode      string `json:"bank_code" validate:"required"`
	BankName      string `json:"bank_name"`
}

type createOrderRequest struct {
	MerchantID string            `json:"merchant_id" validate:"required"`
	OrderID    string            `json:"order_id" validate:"required,max=64"`
	Type       models.OrderType  `json:"type" validate:"required,oneof=DEPOSIT WITHDRAWAL WAKE_UP"`
	Amount     int64             `json:"amount" validate:"gt=0"`
	Currency   string            `json:"currency" validate:"required,iso4217"`
	NotifyURL  string            `json:"notify_url" validate:"omitempty,url"`
	Bank       *bankDetails      `json:"bank" validate:"required_if=Type WITHDRAWAL"`
	Extra      map[string]string `json:"extra"`
}

func (r createOrderRequest) toService() order.CreateRequest {
	req := order.CreateRequest{
		MerchantID: r.MerchantID,
		OrderID:    r.OrderID,
		Type:       r.Type,
		Amount:     r.Amount,
		Currency:   r.Currency,
		NotifyURL:  r.NotifyURL,
		Extra:      r.Extra,
	}
	if r.Bank != nil {
		req.Bank = &models.BankDetails{
			AccountName:   r.Bank.AccountName,
			AccountNumber: r.Bank.AccountNumber,
			BankCode:      r.Bank.BankCode,
			BankName:      r.Bank.BankName,
		}
	}
	return req
}

// OrderResponse is the merchant view of an order
type OrderResponse struct {
	Reference      string             `json:"reference"`
	OrderID        string             `json:"order_id"`
	MerchantID     string             `json:"merchant_id"`
	Type           models.OrderType   `json:"type"`
	Amount         int64              `json:"amount"`
	Currency       string             `json:"currency"`
	Fee            int64              `json:"fee"`
	RefundedAmount int64              `json:"refunded_amount,omitempty"`
	Status         models.OrderStatus `json:"status"`

	Provider        string `json:"provider"`
	ProviderOrderID string `json:"provider_order_id,omitempty"`
	TransactionID   string `json:"transaction_id,omitempty"`
	UTR             string `json:"utr,omitempty"`

	RedirectURL       string `json:"redirect_url,omitempty"`
	PayerInstructions string `json:"payer_instructions,omitempty"`

	SyncFailed bool                  `json:"sync_failed,omitempty"`
	Timestamps models.Timestamps     `json:"timestamps"`
	History    []models.StatusChange `json:"history"`
}

func newOrderResponse(o models.Order) OrderResponse {
	history := o.StatusHistory
	if history == nil {
		history = []models.StatusChange{}
	}

	return OrderResponse{
		Reference:         o.Reference,
		OrderID:           o.OrderID,
		MerchantID:        o.MerchantID,
		Type:              o.Type,
		Amount:            o.Amount,
		Currency:          o.Currency,
		Fee:               o.Fee,
		RefundedAmount:    o.RefundedAmount,
		Status:            o.Status,
		Provider:          o.Provider.Name,
		ProviderOrderID:   o.Provider.ProviderOrderID,
		TransactionID:     o.Provider.TransactionID,
		UTR:               o.Provider.UTRNumber,
		RedirectURL:       o.RedirectURL,
		PayerInstructions: o.PayerInstructions,
		SyncFailed:        o.SyncFailed,
		Timestamps:        o.Timestamps,
		History:           history,
	}
}

func handleCreateOrder(orderService orderService, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[createOrderRequest](w, r)
		if err != nil {
			return
		}

		o, err := orderService.CreateOrder(r.Context(), req.toService())
		switch {
		case errors.Is(err, apperrors.ErrPlacementUnconfirmed):
			// stored as PENDING, status follows via query or notification
			render.JSONWithStatus(w, newOrderResponse(o), http.StatusAccepted)
			return
		case err != nil:
			renderServiceError(w, err, l)
			return
		}

		render.JSONWithStatus(w, newOrderResponse(o), http.StatusCreated)
	}
}

// Dry run of the limit checks for the order
func handleValidateOrder(orderService orderService, l logger.Logger) http.HandlerFunc {
	type response struct {
		Valid bool `json:"valid"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[createOrderRequest](w, r)
		if err != nil {
			return
		}

		if err := orderService.ValidateLimits(r.Context(), req.toService()); err != nil {
			renderServiceError(w, err, l)
			return
		}

		render.JSON(w, response{Valid: true})
	}
}

func handleQueryOrder(orderService orderService, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := orderService.QueryOrder(r.Context(), chi.URLParam(r, "merchantID"), chi.URLParam(r, "orderID"))
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		render.JSON(w, newOrderResponse(o))
	}
}

func handleCloseOrder(orderService orderService, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := orderService.CloseOrder(r.Context(), chi.URLParam(r, "merchantID"), chi.URLParam(r, "orderID"))
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		render.JSON(w, newOrderResponse(o))
	}
}
