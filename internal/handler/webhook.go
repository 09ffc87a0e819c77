package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/mathhhys/blue-byte-booster/internal/billing"
	"github.com/mathhhys/blue-byte-booster/internal/service"
)

const webhookBodyLimit = 1 << 20

// BillingEventHandler applies one verified billing event.
type BillingEventHandler interface {
	HandleBillingEvent(ctx context.Context, ev billing.Event) (service.Outcome, error)
}

// WebhookHandler receives signed Stripe events. Any non-2xx answer makes
// Stripe redeliver, which is how failed events get retried.
type WebhookHandler struct {
	secret  string
	handler BillingEventHandler
}

// NewWebhookHandler verifies signatures with secret.
func NewWebhookHandler(secret string, h BillingEventHandler) *WebhookHandler {
	if h == nil {
		panic("nil billing event handler passed to NewWebhookHandler")
	}
	return &WebhookHandler{secret: secret, handler: h}
}

// Stripe handles POST /webhooks/stripe.
func (h *WebhookHandler) Stripe(c echo.Context) error {
	if strings.TrimSpace(h.secret) == "" {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "webhook secret not configured"})
	}
	req := c.Request()
	payload, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, webhookBodyLimit))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "failed to read request body"})
	}
	sig := req.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing Stripe signature"})
	}
	if _, err := webhook.ConstructEventWithOptions(payload, sig, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}); err != nil {
		log.Warn().Err(err).Msg("Rejected Stripe webhook with invalid signature")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid Stripe signature"})
	}

	ev, err := billing.ParseEvent(payload)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	outcome, err := h.handler.HandleBillingEvent(req.Context(), ev)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, echo.Map{"received": true, "outcome": outcome})
	case errors.Is(err, billing.ErrMalformedEvent):
		// Redelivering a payload that cannot be decoded never succeeds.
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrEventInFlight):
		return c.JSON(http.StatusConflict, echo.Map{"error": "event already in flight"})
	}
	log.Error().Err(err).Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("Stripe webhook processing failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "processing failed"})
}
