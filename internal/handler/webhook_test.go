package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/mathhhys/blue-byte-booster/internal/billing"
	"github.com/mathhhys/blue-byte-booster/internal/service"
)

const whsec = "whsec_test_123"

type stubEvents struct {
	got     []billing.Event
	outcome service.Outcome
	err     error
}

func (s *stubEvents) HandleBillingEvent(_ context.Context, ev billing.Event) (service.Outcome, error) {
	s.got = append(s.got, ev)
	return s.outcome, s.err
}

func signed(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(sp.Payload))
	req.Header.Set("Stripe-Signature", sp.Header)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func serve(h *WebhookHandler, req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	e.POST("/webhooks/stripe", h.Stripe)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func invoiceEvent(id string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","api_version":"2025-08-27.basil","type":"invoice.paid",`+
		`"created":1760000000,"data":{"object":{"id":"in_1","object":"invoice","billing_reason":"subscription_cycle"}}}`, id)
}

func TestStripeWebhookAppliesVerifiedEvent(t *testing.T) {
	events := &stubEvents{outcome: service.OutcomeApplied}
	rec := serve(NewWebhookHandler(whsec, events), signed(t, whsec, invoiceEvent("evt_1")))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"received":true,"outcome":"applied"}`, rec.Body.String())
	require.Len(t, events.got, 1)
	assert.Equal(t, "evt_1", events.got[0].ID)
	assert.Equal(t, billing.TypeInvoicePaid, events.got[0].Type)
	assert.JSONEq(t, `{"id":"in_1","object":"invoice","billing_reason":"subscription_cycle"}`, string(events.got[0].Payload))
}

func TestStripeWebhookRejections(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		req    func(t *testing.T) *http.Request
		want   int
	}{
		{"secret not configured", "", func(t *testing.T) *http.Request {
			return signed(t, whsec, invoiceEvent("evt_1"))
		}, http.StatusServiceUnavailable},
		{"missing signature", whsec, func(t *testing.T) *http.Request {
			return httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(invoiceEvent("evt_1")))
		}, http.StatusBadRequest},
		{"wrong secret", whsec, func(t *testing.T) *http.Request {
			return signed(t, "whsec_other", invoiceEvent("evt_1"))
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &stubEvents{}
			rec := serve(NewWebhookHandler(tt.secret, events), tt.req(t))
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, events.got)
		})
	}
}

func TestStripeWebhookErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"malformed", fmt.Errorf("%w: bad object", billing.ErrMalformedEvent), http.StatusBadRequest},
		{"in flight", service.ErrEventInFlight, http.StatusConflict},
		{"transient", errors.New("db timeout"), http.StatusInternalServerError},
		{"unresolved organization", service.ErrUnresolvedOrganization, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(NewWebhookHandler(whsec, &stubEvents{err: tt.err}), signed(t, whsec, invoiceEvent("evt_2")))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
