package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/mathhhys/blue-byte-booster/internal/model"
)

func newTestStripeProvider(t *testing.T, h http.Handler) *StripeProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		MaxNetworkRetries: stripe.Int64(0),
		URL:               stripe.String(srv.URL),
	})
	return NewStripeProvider(" sk_test_123 ", stripe.WithBackends(&stripe.Backends{
		API: backend, Connect: backend, Uploads: backend, MeterEvents: backend,
	}))
}

const subscriptionJSON = `{"id":%q,"object":"subscription","customer":"cus_1","status":%q,"created":%d,
	"metadata":{"organization_id":"org_a","plan_type":"Pro"},
	"items":{"object":"list","data":[{"quantity":3,"current_period_start":1700000000,"current_period_end":1731536000,
		"price":{"recurring":{"interval":"year"}}}]}}`

func TestStripeProviderUsesInjectedClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/customers/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.Equal(t, "metadata['organization_id']:'org_a'", r.URL.Query().Get("query"))
		fmt.Fprint(w, `{"object":"search_result","data":[{"id":"cus_1","object":"customer"}],"has_more":false}`)
	})
	mux.HandleFunc("/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cus_1", r.URL.Query().Get("customer"))
		fmt.Fprintf(w, `{"object":"list","url":"/v1/subscriptions","has_more":false,"data":[%s,%s]}`,
			fmt.Sprintf(subscriptionJSON, "sub_old", "canceled", 100),
			fmt.Sprintf(subscriptionJSON, "sub_new", "active", 50))
	})
	mux.HandleFunc("/v1/subscriptions/sub_missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"No such subscription"}}`)
	})
	mux.HandleFunc("/v1/invoices", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sub_new", r.URL.Query().Get("subscription"))
		fmt.Fprint(w, `{"object":"list","url":"/v1/invoices","has_more":false,"data":[
			{"id":"in_2","object":"invoice","status":"paid","billing_reason":"subscription_cycle","created":200},
			{"id":"in_1","object":"invoice","status":"paid","billing_reason":"subscription_create","created":100}]}`)
	})
	p := newTestStripeProvider(t, mux)
	ctx := context.Background()

	cus, err := p.FindCustomer(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", cus)

	sub, err := p.FetchSubscription(ctx, cus)
	require.NoError(t, err)
	assert.Equal(t, "sub_new", sub.ID)
	assert.Equal(t, "cus_1", sub.CustomerRef)
	assert.Equal(t, 3, sub.Seats)
	assert.Equal(t, "pro", sub.PlanType)
	assert.Equal(t, model.Yearly, sub.Frequency)
	require.NotNil(t, sub.PeriodStart)

	_, err = p.GetSubscription(ctx, "sub_missing")
	require.ErrorIs(t, err, ErrNotFound)

	invoices, err := p.ListInvoices(ctx, "sub_new")
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, "in_1", invoices[0].ID)
	assert.True(t, IsInitialInvoice(invoices, "in_1"))
}

func TestStripeProviderRejectsUnsafeOrganizationID(t *testing.T) {
	p := newTestStripeProvider(t, http.NotFoundHandler())
	_, err := p.FindCustomer(context.Background(), "org' OR '1")
	require.Error(t, err)
}
