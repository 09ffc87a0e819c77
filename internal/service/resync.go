package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mathhhys/blue-byte-booster/internal/billing"
	"github.com/mathhhys/blue-byte-booster/internal/metrics"
	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/repository"
)

// DefaultProviderTimeout bounds a single billing provider call.
const DefaultProviderTimeout = 10 * time.Second

// Resyncer rebuilds entitlements from the billing provider when local state
// is missing or has drifted.
type Resyncer struct {
	db        *sql.DB
	ents      *repository.EntitlementRepo
	customers *repository.BillingCustomerRepo
	provider  billing.Provider
	timeout   time.Duration
	group     singleflight.Group
}

// NewResyncer builds a Resyncer. A nil provider makes every resync report
// that no entitlement exists.
func NewResyncer(db *sql.DB, ents *repository.EntitlementRepo, customers *repository.BillingCustomerRepo, provider billing.Provider, timeout time.Duration) *Resyncer {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Resyncer{db: db, ents: ents, customers: customers, provider: provider, timeout: timeout}
}

// Resync implements EntitlementSyncer.
func (r *Resyncer) Resync(ctx context.Context, orgID string) (bool, error) {
	e, err := r.Repair(ctx, orgID)
	if errors.Is(err, ErrEntitlementNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// Repair fetches the organization's subscription and upserts its
// entitlement. Concurrent repairs of one organization share a single run.
// It returns ErrEntitlementNotFound when the provider knows no subscription.
func (r *Resyncer) Repair(ctx context.Context, orgID string) (*model.Entitlement, error) {
	if orgID == "" {
		return nil, ErrEntitlementNotFound
	}
	v, err, shared := r.group.Do(orgID, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		return r.repair(context.WithoutCancel(ctx), orgID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("organization_id", orgID).Msg("Joined in-flight entitlement resync")
	}
	return v.(*model.Entitlement), nil
}

func (r *Resyncer) repair(ctx context.Context, orgID string) (*model.Entitlement, error) {
	if r.provider == nil {
		metrics.ResyncTotal.WithLabelValues("no_provider").Inc()
		return nil, ErrEntitlementNotFound
	}

	customerRef, err := r.customers.CustomerForOrg(ctx, orgID)
	if errors.Is(err, repository.ErrCustomerNotFound) {
		customerRef, err = r.findCustomer(ctx, orgID)
	}
	if errors.Is(err, billing.ErrNotFound) {
		metrics.ResyncTotal.WithLabelValues("not_found").Inc()
		return nil, ErrEntitlementNotFound
	}
	if err != nil {
		metrics.ResyncTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	sub, err := r.fetchSubscription(ctx, customerRef)
	if errors.Is(err, billing.ErrNotFound) {
		metrics.ResyncTotal.WithLabelValues("not_found").Inc()
		return nil, ErrEntitlementNotFound
	}
	if err != nil {
		metrics.ResyncTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if sub.CustomerRef == "" {
		sub.CustomerRef = customerRef
	}

	var (
		ent     *model.Entitlement
		created bool
	)
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		state := StateFromSubscription(sub)
		// Overage is granted locally; the provider does not know about it.
		if cur, err := r.ents.GetByOrg(ctx, tx, orgID); err == nil {
			state.OverageSeats = cur.OverageSeats
		} else if !errors.Is(err, repository.ErrEntitlementNotFound) {
			return err
		}
		var err error
		ent, created, err = r.ents.UpsertFromProviderTx(ctx, tx, orgID, state)
		if err != nil {
			return err
		}
		return r.customers.Link(ctx, tx, customerRef, orgID)
	})
	if err != nil {
		metrics.ResyncTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("resync entitlement for %s: %w", orgID, err)
	}

	outcome := "updated"
	if created {
		outcome = "created"
	}
	metrics.ResyncTotal.WithLabelValues(outcome).Inc()
	log.Info().Str("organization_id", orgID).Str("subscription_ref", sub.ID).
		Int("seats_total", ent.SeatsTotal).Int("seats_used", ent.SeatsUsed).Str("outcome", outcome).
		Msg("Entitlement resynced from billing provider")
	return ent, nil
}

func (r *Resyncer) findCustomer(ctx context.Context, orgID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer observeProvider("billing", "find_customer", time.Now())
	ref, err := r.provider.FindCustomer(ctx, orgID)
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		return "", fmt.Errorf("%w: %v", ErrProviderCallFailed, err)
	}
	return ref, err
}

func (r *Resyncer) fetchSubscription(ctx context.Context, customerRef string) (*billing.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer observeProvider("billing", "fetch_subscription", time.Now())
	sub, err := r.provider.FetchSubscription(ctx, customerRef)
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrProviderCallFailed, err)
	}
	return sub, err
}

// StateFromSubscription maps a provider subscription onto the
// provider-derived entitlement columns.
func StateFromSubscription(sub *billing.Subscription) repository.SubscriptionState {
	plan := sub.PlanType
	if plan == "" {
		plan = billing.DefaultPlanType
	}
	freq := sub.Frequency
	if freq == "" {
		freq = model.Monthly
	}
	return repository.SubscriptionState{
		PlanType:         plan,
		BillingFrequency: freq,
		SeatsTotal:       sub.Seats,
		ProviderSeats:    sub.Seats,
		Status:           sub.EntitlementStatus(),
		CustomerRef:      sub.CustomerRef,
		SubscriptionRef:  sub.ID,
		PeriodStart:      sub.PeriodStart,
		PeriodEnd:        sub.PeriodEnd,
	}
}

func observeProvider(provider, op string, start time.Time) {
	metrics.ProviderCallDuration.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
}
