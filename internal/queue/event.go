// Package queue carries billing events in from RabbitMQ and publishes
// entitlement changes out to it.
package queue

import (
	"time"

	"github.com/mathhhys/blue-byte-booster/internal/service"
)

// EntitlementChangedEvent is published after a billing event changed an
// organization's entitlement. It carries enough state for downstream
// consumers to refresh caches without querying the ledger store.
type EntitlementChangedEvent struct {
	OrganizationID   string `json:"organization_id"`
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	PlanType         string `json:"plan_type"`
	BillingFrequency string `json:"billing_frequency"`
	Status           string `json:"status"`
	SeatsTotal       int    `json:"seats_total"`
	OverageSeats     int    `json:"overage_seats"`
	SeatsUsed        int    `json:"seats_used"`
	TotalCredits     int64  `json:"total_credits"`
	UsedCredits      int64  `json:"used_credits"`
	OccurredAt       string `json:"occurred_at"`
}

// NewEntitlementChangedEvent flattens a change for the wire.
func NewEntitlementChangedEvent(c service.EntitlementChange) EntitlementChangedEvent {
	ev := EntitlementChangedEvent{
		OrganizationID: c.OrganizationID,
		EventID:        c.EventID,
		EventType:      c.EventType,
		OccurredAt:     c.OccurredAt.UTC().Format(time.RFC3339),
	}
	if e := c.Entitlement; e != nil {
		ev.PlanType = e.PlanType
		ev.BillingFrequency = string(e.BillingFrequency)
		ev.Status = string(e.Status)
		ev.SeatsTotal = e.SeatsTotal
		ev.OverageSeats = e.OverageSeats
		ev.SeatsUsed = e.SeatsUsed
		ev.TotalCredits = e.TotalCredits
		ev.UsedCredits = e.UsedCredits
	}
	return ev
}
