package model

import "time"

// BillingFrequency is the billing interval of a subscription.
type BillingFrequency string

const (
	Monthly BillingFrequency = "monthly"
	Yearly  BillingFrequency = "yearly"
)

// EntitlementStatus mirrors the subscription lifecycle.
type EntitlementStatus string

const (
	StatusTrialing EntitlementStatus = "trialing"
	StatusActive   EntitlementStatus = "active"
	StatusPastDue  EntitlementStatus = "past_due"
	StatusCanceled EntitlementStatus = "canceled"
)

// Entitlement records what an organization has paid for: a seat capacity
// and a pooled credit balance.
//
// Fields:
//
//	SeatsTotal   – seats purchased on the subscription.
//	OverageSeats – extra seats granted above the purchased count, billed later.
//	SeatsUsed    – pending plus active seats; never above SeatsTotal+OverageSeats.
//	TotalCredits – credits granted to the organization pool so far.
//	UsedCredits  – credits consumed; never above TotalCredits.
//	ProviderSeats – quantity last reported by the billing provider; nil until
//	  a subscription event or resync has been applied.
//	InitialGrantSubscriptionRef – subscription whose first-period grant has
//	  already been applied, so checkout and subscription-created cannot both grant.
type Entitlement struct {
	ID                          string            `json:"id"`
	OrganizationID              string            `json:"organization_id"`
	PlanType                    string            `json:"plan_type"`
	BillingFrequency            BillingFrequency  `json:"billing_frequency"`
	SeatsTotal                  int               `json:"seats_total"`
	OverageSeats                int               `json:"overage_seats"`
	SeatsUsed                   int               `json:"seats_used"`
	TotalCredits                int64             `json:"total_credits"`
	UsedCredits                 int64             `json:"used_credits"`
	Status                      EntitlementStatus `json:"status"`
	BillingCustomerRef          string            `json:"billing_customer_ref,omitempty"`
	BillingSubscriptionRef      string            `json:"billing_subscription_ref,omitempty"`
	ProviderSeats               *int              `json:"provider_seats,omitempty"`
	InitialGrantSubscriptionRef string            `json:"-"`
	CurrentPeriodStart          *time.Time        `json:"current_period_start,omitempty"`
	CurrentPeriodEnd            *time.Time        `json:"current_period_end,omitempty"`
	CreatedAt                   time.Time         `json:"created_at"`
	UpdatedAt                   time.Time         `json:"updated_at"`
}

// Capacity is the number of seats that may be pending or active at once.
func (e *Entitlement) Capacity() int { return e.SeatsTotal + e.OverageSeats }

// AvailableSeats is the remaining capacity, floored at zero.
func (e *Entitlement) AvailableSeats() int {
	if n := e.Capacity() - e.SeatsUsed; n > 0 {
		return n
	}
	return 0
}

// PurchasedSeats is the provider quantity the entitlement was last synced
// to, or SeatsTotal when no provider quantity has been recorded.
func (e *Entitlement) PurchasedSeats() int {
	if e.ProviderSeats != nil {
		return *e.ProviderSeats
	}
	return e.SeatsTotal
}

// RemainingCredits is the unconsumed part of the pool.
func (e *Entitlement) RemainingCredits() int64 { return e.TotalCredits - e.UsedCredits }
