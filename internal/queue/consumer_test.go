package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathhhys/blue-byte-booster/internal/billing"
	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/service"
)

type recordingAck struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (a *recordingAck) Ack(uint64, bool) error { a.acked = true; return nil }
func (a *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}
func (a *recordingAck) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

type stubHandler struct {
	outcome service.Outcome
	err     error
	got     []billing.Event
}

func (h *stubHandler) HandleBillingEvent(_ context.Context, ev billing.Event) (service.Outcome, error) {
	h.got = append(h.got, ev)
	return h.outcome, h.err
}

func deliver(t *testing.T, h BillingEventHandler, body string) *recordingAck {
	t.Helper()
	ack := &recordingAck{}
	c := NewConsumer("", "billing.events", h)
	c.requeueDelay = 0
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte(body)})
	return ack
}

func TestHandleDelivery(t *testing.T) {
	const body = `{"id":"evt_1","type":"invoice.payment_failed","payload":{"id":"in_1"}}`

	t.Run("applied events are acked", func(t *testing.T) {
		h := &stubHandler{outcome: service.OutcomeApplied}
		ack := deliver(t, h, body)
		assert.True(t, ack.acked)
		assert.False(t, ack.nacked)
		require.Len(t, h.got, 1)
		assert.Equal(t, "evt_1", h.got[0].ID)
	})

	t.Run("duplicates are acked", func(t *testing.T) {
		ack := deliver(t, &stubHandler{outcome: service.OutcomeDuplicate}, body)
		assert.True(t, ack.acked)
	})

	t.Run("failures are requeued", func(t *testing.T) {
		ack := deliver(t, &stubHandler{err: errors.New("db down")}, body)
		assert.True(t, ack.nacked)
		assert.True(t, ack.requeued)
	})

	t.Run("undecodable payloads are dropped", func(t *testing.T) {
		ack := deliver(t, &stubHandler{err: fmt.Errorf("%w: bad", billing.ErrMalformedEvent)}, body)
		assert.True(t, ack.nacked)
		assert.False(t, ack.requeued)
	})

	t.Run("malformed envelopes never reach the handler", func(t *testing.T) {
		h := &stubHandler{}
		ack := deliver(t, h, `{"type":"x"}`)
		assert.True(t, ack.nacked)
		assert.False(t, ack.requeued)
		assert.Empty(t, h.got)
	})
}

func TestNewEntitlementChangedEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := NewEntitlementChangedEvent(service.EntitlementChange{
		OrganizationID: "org_1",
		EventID:        "evt_1",
		EventType:      billing.TypeSubscriptionUpdated,
		OccurredAt:     at,
		Entitlement: &model.Entitlement{
			PlanType:         "teams",
			BillingFrequency: model.Monthly,
			Status:           model.StatusActive,
			SeatsTotal:       7,
			SeatsUsed:        3,
			TotalCredits:     7000,
		},
	})
	assert.Equal(t, "org_1", ev.OrganizationID)
	assert.Equal(t, 7, ev.SeatsTotal)
	assert.Equal(t, 3, ev.SeatsUsed)
	assert.Equal(t, int64(7000), ev.TotalCredits)
	assert.Equal(t, "active", ev.Status)
	assert.Equal(t, "2026-03-01T12:00:00Z", ev.OccurredAt)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
	assert.True(t, sleep(context.Background(), time.Millisecond))
}
