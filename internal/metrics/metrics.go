package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BillingEventsTotal counts billing events by type and outcome.
	BillingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Subsystem: "reconciler",
		Name:      "billing_events_total",
		Help:      "Billing events handled by type and outcome (applied, duplicate, ignored, failed).",
	}, []string{"event_type", "outcome"})

	// BillingEventDuration tracks how long applying one event takes.
	BillingEventDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitlements",
		Subsystem: "reconciler",
		Name:      "billing_event_duration_seconds",
		Help:      "Billing event processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SeatOperationsTotal counts seat protocol operations by outcome.
	SeatOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Subsystem: "seats",
		Name:      "operations_total",
		Help:      "Seat operations (reserve, claim, release, revoke, expire) by outcome.",
	}, []string{"operation", "outcome"})

	// CreditsMovedTotal sums credits granted and deducted.
	CreditsMovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Subsystem: "credits",
		Name:      "moved_total",
		Help:      "Credits moved through the ledger by subject type and transaction type.",
	}, []string{"subject_type", "transaction_type"})

	// ResyncTotal counts drift repair runs by outcome.
	ResyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Subsystem: "drift",
		Name:      "resync_total",
		Help:      "Entitlement resyncs from the billing provider by outcome.",
	}, []string{"outcome"})

	// ProviderCallDuration tracks outbound provider latency.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitlements",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Outbound identity and billing provider call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation"})
)
