// Package notify delivers order status changes to merchants.
// Delivery is at-least-once from the caller's side and is not retried here: failures are logged.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
)

const DefaultTimeout = 5 * time.Second

const userAgent = "paygate-notify/1.0"

// Payload posted to the merchant notify URL
type Payload struct {
	OrderID               string             `json:"orderId"`
	Amount                int64              `json:"amount"`
	Status                models.OrderStatus `json:"status"`
	ProviderTransactionID string             `json:"providerTransactionId"`
	UTR                   string             `json:"utr,omitempty"`
}

func NewPayload(o models.Order) Payload {
	txID := o.Provider.TransactionID
	if txID == "" {
		txID = o.Provider.ProviderOrderID
	}

	return Payload{
		OrderID:               o.OrderID,
		Amount:                o.Amount,
		Status:                o.Status,
		ProviderTransactionID: txID,
		UTR:                   o.Provider.UTRNumber,
	}
}

type merchantSource interface {
	Merchant(ctx context.Context, merchantID string) (models.MerchantLimits, error)
}

type Notifier struct {
	client    *http.Client
	merchants merchantSource
	logger    logger.Logger
}

func New(merchants merchantSource, client *http.Client, logger logger.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	return &Notifier{
		client:    client,
		merchants: merchants,
		logger:    logger,
	}
}

// Send posts the payload; only 2xx responses count as delivered
func (n *Notifier) Send(ctx context.Context, url string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("merchant returned status %d", resp.StatusCode)
	}

	return nil
}

// OrderChanged notifies the merchant about the current order status.
// The order notify URL wins over the merchant-wide one; nothing is sent when neither is set.
func (n *Notifier) OrderChanged(ctx context.Context, o models.Order) {
	url := o.NotifyURL
	if url == "" {
		m, err := n.merchants.Merchant(ctx, o.MerchantID)
		if err != nil {
			n.logger.Error("Failed to resolve merchant notify url", "merchant_id", o.MerchantID, "order_id", o.OrderID, "error", err)
			return
		}
		url = m.NotifyURL
	}

	if url == "" {
		n.logger.Debug("Merchant has no notify url", "merchant_id", o.MerchantID, "order_id", o.OrderID)
		return
	}

	// Delivery must not be aborted by the caller finishing its own work
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
	defer cancel()

	if err := n.Send(ctx, url, NewPayload(o)); err != nil {
		n.logger.Warn("Merchant notification failed",
			"merchant_id", o.MerchantID,
			"order_id", o.OrderID,
			"status", o.Status,
			"url", url,
			"error", err,
		)
		return
	}

	n.logger.Info("Merchant notified", "merchant_id", o.MerchantID, "order_id", o.OrderID, "status", o.Status)
}
