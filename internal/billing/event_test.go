package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathhhys/blue-byte-booster/internal/model"
)

func TestParseEventAcceptsProviderEnvelope(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"customer.subscription.created","created":1700000000,
		"data":{"object":{"id":"sub_1","customer":"cus_1","status":"active"}}}`)

	ev, err := ParseEvent(body)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, TypeSubscriptionCreated, ev.Type)
	assert.Equal(t, int64(1700000000), ev.Created.Unix())
	assert.JSONEq(t, `{"id":"sub_1","customer":"cus_1","status":"active"}`, string(ev.Payload))
}

func TestParseEventAcceptsFlatEnvelope(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_2","type":"invoice.paid","payload":{"id":"in_1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_2", ev.ID)
	assert.JSONEq(t, `{"id":"in_1"}`, string(ev.Payload))
}

func TestParseEventRejectsMissingID(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"invoice.paid"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	_, err = ParseEvent([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrMalformedEvent))
}

func TestDecodeSubscription(t *testing.T) {
	ev := Event{ID: "evt_1", Type: TypeSubscriptionUpdated, Payload: []byte(`{
		"id": "sub_1",
		"customer": {"id": "cus_1", "object": "customer"},
		"status": "trialing",
		"metadata": {"organization_id": "org_1", "plan_type": "Teams"},
		"items": {"data": [
			{"quantity": 3, "current_period_start": 100, "current_period_end": 200,
			 "price": {"recurring": {"interval": "year"}}},
			{"quantity": 2}
		]}
	}`)}

	p, err := Decode(ev)
	require.NoError(t, err)
	sp, ok := p.(SubscriptionPayload)
	require.True(t, ok)
	assert.Equal(t, SubscriptionUpdated, sp.Event)

	sub := sp.Subscription
	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, "cus_1", sub.CustomerRef)
	assert.Equal(t, "org_1", sub.OrganizationID())
	assert.Equal(t, "teams", sub.PlanType)
	assert.Equal(t, model.Yearly, sub.Frequency)
	assert.Equal(t, 5, sub.Seats)
	assert.Equal(t, model.StatusTrialing, sub.EntitlementStatus())
	require.NotNil(t, sub.PeriodStart)
	assert.Equal(t, int64(100), sub.PeriodStart.Unix())
	assert.Equal(t, int64(200), sub.PeriodEnd.Unix())
}

func TestDecodeSubscriptionDefaultsPlanType(t *testing.T) {
	p, err := Decode(Event{ID: "evt", Type: TypeSubscriptionCreated, Payload: []byte(`{"id":"sub","items":{"data":[{"quantity":1}]}}`)})
	require.NoError(t, err)
	sub := p.(SubscriptionPayload).Subscription
	assert.Equal(t, DefaultPlanType, sub.PlanType)
	assert.Equal(t, model.Monthly, sub.Frequency)
}

func TestDecodeInvoice(t *testing.T) {
	ev := Event{ID: "evt_3", Type: TypeInvoicePaymentSucceeded, Payload: []byte(`{
		"id": "in_1",
		"customer": "cus_1",
		"billing_reason": "subscription_update",
		"status": "paid",
		"parent": {"subscription_details": {"subscription": "sub_1", "metadata": {"organization_id": "org_1"}}},
		"lines": {"data": [
			{"amount": 1500, "quantity": 2, "parent": {"subscription_item_details": {"proration": true}}},
			{"amount": -500, "quantity": 1, "proration": true},
			{"amount": 900, "quantity": 1, "proration": true, "metadata": {"seat_type": "overage"}}
		]}
	}`)}

	p, err := Decode(ev)
	require.NoError(t, err)
	inv, ok := p.(InvoicePayload)
	require.True(t, ok)
	assert.False(t, inv.Failed)
	assert.Equal(t, "sub_1", inv.SubscriptionRef)
	assert.Equal(t, "org_1", inv.Metadata["organization_id"])
	assert.Equal(t, 2, inv.ProratedSeatIncrease())
	assert.True(t, inv.HasOverage())
}

func TestDecodePaymentFailed(t *testing.T) {
	p, err := Decode(Event{ID: "evt", Type: TypeInvoicePaymentFailed, Payload: []byte(`{"id":"in_2","subscription":"sub_9"}`)})
	require.NoError(t, err)
	inv := p.(InvoicePayload)
	assert.True(t, inv.Failed)
	assert.Equal(t, "sub_9", inv.SubscriptionRef)
}

func TestDecodeCheckout(t *testing.T) {
	p, err := Decode(Event{ID: "evt", Type: TypeCheckoutCompleted, Payload: []byte(`{
		"id":"cs_1","mode":"subscription","customer":"cus_1","subscription":"sub_1","client_reference_id":"org_7"}`)})
	require.NoError(t, err)
	co := p.(CheckoutPayload)
	assert.Equal(t, "org_7", co.OrganizationID())
	assert.Equal(t, "sub_1", co.SubscriptionRef)
}

func TestDecodeUnknownType(t *testing.T) {
	p, err := Decode(Event{ID: "evt", Type: "charge.refunded"})
	require.NoError(t, err)
	assert.Equal(t, UnknownPayload{Type: "charge.refunded"}, p)
}

func TestDecodeRejectsEmptyPayload(t *testing.T) {
	_, err := Decode(Event{ID: "evt", Type: TypeSubscriptionCreated})
	assert.True(t, errors.Is(err, ErrMalformedEvent))
}

func TestIsInitialInvoice(t *testing.T) {
	invoices := []Invoice{
		{ID: "in_1", Status: "void"},
		{ID: "in_2", Status: "paid"},
		{ID: "in_3", Status: "paid"},
	}
	assert.True(t, IsInitialInvoice(invoices, "in_1"))
	assert.True(t, IsInitialInvoice(invoices, "in_2"))
	assert.False(t, IsInitialInvoice(invoices, "in_3"))
	assert.False(t, IsInitialInvoice(nil, "in_1"))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, model.StatusActive, MapStatus("active"))
	assert.Equal(t, model.StatusPastDue, MapStatus("unpaid"))
	assert.Equal(t, model.StatusCanceled, MapStatus("canceled"))
	assert.Equal(t, model.StatusTrialing, MapStatus("TRIALING"))
}

func TestIsSafeID(t *testing.T) {
	assert.True(t, IsSafeID("org_ABC-123"))
	assert.False(t, IsSafeID("org' OR 1=1"))
	assert.False(t, IsSafeID(""))
}
