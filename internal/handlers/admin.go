package handlers

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/handlers/render"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/service/order"
)

func handleTriggerSync(recon reconcilerControl) http.HandlerFunc {
	type response struct {
		State string `json:"state"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		recon.Trigger()
		render.JSONWithStatus(w, response{State: recon.State().String()}, http.StatusAccepted)
	}
}

func handleOperatorTransition(orderService orderService, l logger.Logger) http.HandlerFunc {
	type request struct {
		To          models.OrderStatus `json:"to" validate:"required"`
		Reason      string             `json:"reason" validate:"required"`
		OperationID string             `json:"operation_id" validate:"max=128"`
		Amount      int64              `json:"amount" validate:"gte=0"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		o, err := orderService.Transition(r.Context(), order.OperatorRequest{
			MerchantID:  chi.URLParam(r, "merchantID"),
			OrderID:     chi.URLParam(r, "orderID"),
			To:          req.To,
			Reason:      req.Reason,
			OperationID: req.OperationID,
			Amount:      req.Amount,
		})
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		render.JSON(w, newOrderResponse(o))
	}
}

func handleSyncReset(orderService orderService, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := orderService.ResetSyncFailed(r.Context(), chi.URLParam(r, "merchantID"), chi.URLParam(r, "orderID"))
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		render.JSON(w, newOrderResponse(o))
	}
}

type limitSet struct {
	Min     int64 `json:"min" validate:"gte=0"`
	Max     int64 `json:"max" validate:"gte=0"`
	Daily   int64 `json:"daily" validate:"gte=0"`
	Monthly int64 `json:"monthly" validate:"gte=0"`
}

type limits struct {
	Deposit    limitSet `json:"deposit"`
	Withdrawal limitSet `json:"withdrawal"`
}

// Zero minimum falls back to one unit
func (l limits) toModel() models.Limits {
	res := models.NewLimits()
	res.Deposit = res.Deposit.Narrow(models.LimitSet(l.Deposit))
	res.Withdrawal = res.Withdrawal.Narrow(models.LimitSet(l.Withdrawal))
	return res
}

func handleUpsertMerchant(configService configService, l logger.Logger) http.HandlerFunc {
	type request struct {
		NotifyURL                  string `json:"notify_url" validate:"omitempty,url"`
		Limits                     limits `json:"limits"`
		AllowLargeTransactions     bool   `json:"allow_large_transactions"`
		LargeAmountThreshold       int64  `json:"large_amount_threshold" validate:"gte=0"`
		MaxLargeTransactionsPerDay int    `json:"max_large_transactions_per_day" validate:"gte=0"`
	}

	type response struct {
		MerchantID                 string        `json:"merchant_id"`
		NotifyURL                  string        `json:"notify_url,omitempty"`
		Limits                     models.Limits `json:"limits"`
		AllowLargeTransactions     bool          `json:"allow_large_transactions"`
		LargeAmountThreshold       int64         `json:"large_amount_threshold"`
		MaxLargeTransactionsPerDay int           `json:"max_large_transactions_per_day"`
		UpdatedAt                  time.Time     `json:"updated_at"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		m := models.NewMerchantLimits(chi.URLParam(r, "merchantID"))
		m.NotifyURL = req.NotifyURL
		m.Limits = req.Limits.toModel()
		m.AllowLargeTransactions = req.AllowLargeTransactions
		m.MaxLargeTransactionsPerDay = req.MaxLargeTransactionsPerDay
		if req.LargeAmountThreshold > 0 {
			m.LargeAmountThreshold = req.LargeAmountThreshold
		}

		saved, err := configService.UpsertMerchant(r.Context(), m)
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		render.JSON(w, response{
			MerchantID:                 saved.MerchantID,
			NotifyURL:                  saved.NotifyURL,
			Limits:                     saved.Limits,
			AllowLargeTransactions:     saved.AllowLargeTransactions,
			LargeAmountThreshold:       saved.Threshold(),
			MaxLargeTransactionsPerDay: saved.MaxLargeTransactionsPerDay,
			UpdatedAt:                  saved.UpdatedAt,
		})
	}
}

func handleUpsertProviderConfig(configService configService, providers providerCatalog, l logger.Logger) http.HandlerFunc {
	type request struct {
		AppID              string `json:"app_id" validate:"required"`
		SecretKey          string `json:"secret_key" validate:"required"`
		Algorithm          string `json:"algorithm" validate:"sigalg"`
		Environment        string `json:"environment" validate:"omitempty,oneof=sandbox production"`
		Enabled            *bool  `json:"enabled"`
		SupportsDeposit    *bool  `json:"supports_deposit"`
		SupportsWithdrawal bool   `json:"supports_withdrawal"`
		Priority           int    `json:"priority" validate:"gte=0"`
		FeeRateBps         int64  `json:"fee_rate_bps" validate:"gte=0,lte=10000"`
		FixedFee           int64  `json:"fixed_fee" validate:"gte=0"`
		Limits             limits `json:"limits"`
	}

	// secret is never echoed back
	type response struct {
		MerchantID         string        `json:"merchant_id"`
		Provider           string        `json:"provider"`
		AppID              string        `json:"app_id"`
		Algorithm          string        `json:"algorithm,omitempty"`
		Environment        string        `json:"environment"`
		Enabled            bool          `json:"enabled"`
		SupportsDeposit    bool          `json:"supports_deposit"`
		SupportsWithdrawal bool          `json:"supports_withdrawal"`
		Priority           int           `json:"priority"`
		FeeRateBps         int64         `json:"fee_rate_bps"`
		FixedFee           int64         `json:"fixed_fee"`
		Limits             models.Limits `json:"limits"`
		UpdatedAt          time.Time     `json:"updated_at"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")
		if !slices.Contains(providers.Providers(), name) {
			renderServiceError(w, fmt.Errorf("%w: %s", apperrors.ErrUnknownProvider, name), l)
			return
		}

		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		c := models.NewProviderConfig(chi.URLParam(r, "merchantID"), name)
		c.AppID = req.AppID
		c.SecretKey = req.SecretKey
		c.Algorithm = req.Algorithm
		if req.Environment != "" {
			c.Environment = req.Environment
		}
		if req.Enabled != nil {
			c.Enabled = *req.Enabled
		}
		if req.SupportsDeposit != nil {
			c.SupportsDeposit = *req.SupportsDeposit
		}
		c.SupportsWithdrawal = req.SupportsWithdrawal
		c.Priority = req.Priority
		c.FeeRateBps = req.FeeRateBps
		c.FixedFee = req.FixedFee
		c.Limits = req.Limits.toModel()

		saved, err := configService.UpsertProviderConfig(r.Context(), c)
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		render.JSON(w, response{
			MerchantID:         saved.MerchantID,
			Provider:           saved.Provider,
			AppID:              saved.AppID,
			Algorithm:          saved.Algorithm,
			Environment:        saved.Environment,
			Enabled:            saved.Enabled,
			SupportsDeposit:    saved.SupportsDeposit,
			SupportsWithdrawal: saved.SupportsWithdrawal,
			Priority:           saved.Priority,
			FeeRateBps:         saved.FeeRateBps,
			FixedFee:           saved.FixedFee,
			Limits:             saved.Limits,
			UpdatedAt:          saved.UpdatedAt,
		})
	}
}
