package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/mathhhys/blue-byte-booster/internal/model"
)

// StripeProvider reads subscription state from Stripe through its own
// client; it never touches the SDK's package-level key.
type StripeProvider struct {
	sc *stripe.Client
}

// NewStripeProvider builds a provider with a client for apiKey. opts are
// passed to stripe.NewClient.
func NewStripeProvider(apiKey string, opts ...stripe.ClientOption) *StripeProvider {
	return &StripeProvider{sc: stripe.NewClient(strings.TrimSpace(apiKey), opts...)}
}

// FindCustomer searches customers by metadata['organization_id'].
func (p *StripeProvider) FindCustomer(ctx context.Context, orgID string) (string, error) {
	if !IsSafeID(orgID) {
		return "", fmt.Errorf("find customer: unsafe organization id %q", orgID)
	}
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['organization_id']:'%s'", orgID)
	for c, err := range p.sc.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("search stripe customers: %w", err)
		}
		if c != nil && c.ID != "" {
			return c.ID, nil
		}
	}
	return "", ErrNotFound
}

// FetchSubscription returns the newest non-canceled subscription of a
// customer, falling back to the newest canceled one.
func (p *StripeProvider) FetchSubscription(ctx context.Context, customerRef string) (*Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerRef),
		Status:   stripe.String("all"),
	}
	var newest, newestCanceled *stripe.Subscription
	for s, err := range p.sc.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("list stripe subscriptions: %w", err)
		}
		if s.Status == stripe.SubscriptionStatusCanceled || s.Status == stripe.SubscriptionStatusIncompleteExpired {
			if newestCanceled == nil || s.Created > newestCanceled.Created {
				newestCanceled = s
			}
			continue
		}
		if newest == nil || s.Created > newest.Created {
			newest = s
		}
	}
	if newest == nil {
		newest = newestCanceled
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return fromStripeSubscription(newest), nil
}

// GetSubscription fetches one subscription by id.
func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error) {
	s, err := p.sc.V1Subscriptions.Retrieve(ctx, subscriptionRef, nil)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get stripe subscription: %w", err)
	}
	return fromStripeSubscription(s), nil
}

// ListInvoices returns every invoice of a subscription, oldest first.
func (p *StripeProvider) ListInvoices(ctx context.Context, subscriptionRef string) ([]Invoice, error) {
	params := &stripe.InvoiceListParams{Subscription: stripe.String(subscriptionRef)}
	var out []Invoice
	for inv, err := range p.sc.V1Invoices.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("list stripe invoices: %w", err)
		}
		out = append(out, Invoice{
			ID:            inv.ID,
			Status:        string(inv.Status),
			BillingReason: string(inv.BillingReason),
			Created:       time.Unix(inv.Created, 0).UTC(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func fromStripeSubscription(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:        s.ID,
		Status:    string(s.Status),
		Metadata:  s.Metadata,
		Frequency: model.Monthly,
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	var start, end int64
	if s.Items != nil {
		for _, item := range s.Items.Data {
			out.Seats += int(item.Quantity)
			if item.Price != nil && item.Price.Recurring != nil && item.Price.Recurring.Interval == stripe.PriceRecurringIntervalYear {
				out.Frequency = model.Yearly
			}
			if start == 0 {
				start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
			}
		}
	}
	out.PeriodStart = unixPtr(start)
	out.PeriodEnd = unixPtr(end)
	out.PlanType = planTypeFrom(s.Metadata)
	if f := strings.ToLower(s.Metadata["billing_frequency"]); f == string(model.Yearly) || f == string(model.Monthly) {
		out.Frequency = model.BillingFrequency(f)
	}
	return out
}

// IsSafeID reports whether id can be embedded in a provider search query.
func IsSafeID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
