package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mathhhys/blue-byte-booster/internal/model"
)

// ErrNotFound is returned when the provider has no matching customer or
// subscription.
var ErrNotFound = errors.New("billing: not found")

// Subscription is the provider's view of an organization's plan.
type Subscription struct {
	ID          string
	CustomerRef string
	Status      string
	PlanType    string
	Frequency   model.BillingFrequency
	Seats       int
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Metadata    map[string]string
}

// OrganizationID is the organization recorded in subscription metadata.
func (s Subscription) OrganizationID() string { return s.Metadata["organization_id"] }

// EntitlementStatus maps the provider status onto the entitlement lifecycle.
func (s Subscription) EntitlementStatus() model.EntitlementStatus {
	return MapStatus(s.Status)
}

// MapStatus maps a provider subscription status onto the entitlement
// lifecycle. Unknown statuses are treated as active.
func MapStatus(status string) model.EntitlementStatus {
	switch strings.ToLower(status) {
	case "trialing":
		return model.StatusTrialing
	case "past_due", "unpaid", "incomplete":
		return model.StatusPastDue
	case "canceled", "incomplete_expired":
		return model.StatusCanceled
	default:
		return model.StatusActive
	}
}

// Invoice is the subset of a provider invoice used to classify payments.
type Invoice struct {
	ID            string
	Status        string
	BillingReason string
	Created       time.Time
}

// Paid reports whether the invoice has been settled.
func (i Invoice) Paid() bool { return strings.EqualFold(i.Status, "paid") }

// Provider reads authoritative billing state. Implementations must honor
// ctx deadlines; callers bound every call with one timeout.
type Provider interface {
	// FindCustomer returns the customer whose metadata names orgID.
	FindCustomer(ctx context.Context, orgID string) (string, error)
	// FetchSubscription returns the customer's current subscription,
	// preferring a non-canceled one.
	FetchSubscription(ctx context.Context, customerRef string) (*Subscription, error)
	// GetSubscription returns one subscription by id.
	GetSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error)
	// ListInvoices returns a subscription's invoices, oldest first.
	ListInvoices(ctx context.Context, subscriptionRef string) ([]Invoice, error)
}

// IsInitialInvoice reports whether invoiceID is the subscription's first
// invoice, or its first paid one. invoices must be ordered oldest first.
func IsInitialInvoice(invoices []Invoice, invoiceID string) bool {
	if len(invoices) == 0 {
		return false
	}
	if invoices[0].ID == invoiceID {
		return true
	}
	for _, inv := range invoices {
		if inv.Paid() {
			return inv.ID == invoiceID
		}
	}
	return false
}
