package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/models"
)

type CallbackOutcome struct {
	Order   models.Order
	Applied bool

	// Body the provider expects on successful delivery
	Ack string
}

// HandleCallback verifies the provider webhook with the credentials of the order it names and applies the reported status.
// The payload is trusted only after verification; the unverified reference is used for the order lookup alone.
func (s *OrderService) HandleCallback(ctx context.Context, providerName string, raw []byte) (CallbackOutcome, error) {
	ref, err := s.gateways.PeekReference(providerName, raw)
	if err != nil {
		s.logger.Warn("Malformed callback", "provider", providerName, "error", err)
		return CallbackOutcome{}, err
	}

	o, err := s.storage.Order().GetByReference(ctx, ref, false)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			s.logger.Info("Callback for unknown order", "provider", providerName, "reference", ref)
		}
		return CallbackOutcome{}, err
	}
	if o.Provider.Name != providerName {
		s.logger.Warn("Callback provider does not match order", "provider", providerName, "reference", ref, "order_provider", o.Provider.Name)
		return CallbackOutcome{}, fmt.Errorf("%w: reference %s", apperrors.ErrOrderNotFound, ref)
	}

	gw, err := s.gateways.ForOrder(ctx, o.MerchantID, providerName)
	if err != nil {
		return CallbackOutcome{}, err
	}

	res, err := gw.VerifyCallback(ctx, raw)
	if err != nil {
		s.logger.Warn("Callback rejected", "provider", providerName, "reference", ref, "error", err)
		return CallbackOutcome{}, err
	}
	if !res.Valid {
		s.logger.Warn("Callback signature mismatch",
			"event", "callback_signature_invalid",
			"provider", providerName,
			"merchant_id", o.MerchantID,
			"reference", ref,
		)
		return CallbackOutcome{}, apperrors.ErrInvalidSignature
	}

	out := CallbackOutcome{Order: o, Ack: res.Ack}

	switch res.Status {
	case models.OrderStatusUnknown:
		s.logger.Warn("Callback with unmapped status", "provider", providerName, "reference", ref, "raw_status", res.RawStatus)
		return out, nil
	case o.Status:
		return out, nil
	}

	s.checkSettled(o, res.Status, res.SettledAmount)

	providerOrderID := res.ProviderOrderID
	if providerOrderID == "" {
		providerOrderID = o.Provider.ProviderOrderID
	}

	updated, applied, err := s.ApplyTransition(ctx, o.Reference, models.TransitionRequest{
		To:          res.Status,
		Reason:      fmt.Sprintf("callback status %s", res.RawStatus),
		Actor:       models.ActorCallback,
		OperationID: CallbackOperationID(providerOrderID, res.Status),
	}, models.ProviderInfo{UTRNumber: res.UTR, ProviderOrderID: res.ProviderOrderID})

	switch {
	case errors.Is(err, apperrors.ErrInvalidTransition):
		s.logger.Info("Callback status is not reachable, ignored", "reference", ref, "from", updated.Status, "to", res.Status)
		out.Order = updated
		return out, nil
	case err != nil:
		return CallbackOutcome{}, err
	}

	out.Order = updated
	out.Applied = applied
	return out, nil
}
