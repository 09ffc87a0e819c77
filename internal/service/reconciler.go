package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mathhhys/blue-byte-booster/internal/billing"
	"github.com/mathhhys/blue-byte-booster/internal/metrics"
	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/repository"
)

// Outcome is how a delivery of a billing event was handled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// RevokeSeatsOnCancel controls whether a canceled subscription ends every
// seat. Seats are kept so a resubscribe restores access unchanged.
const RevokeSeatsOnCancel = false

// EntitlementChange is published after an event changed an entitlement.
type EntitlementChange struct {
	OrganizationID string             `json:"organization_id"`
	EventID        string             `json:"event_id"`
	EventType      string             `json:"event_type"`
	Entitlement    *model.Entitlement `json:"entitlement"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// ChangeNotifier fans out entitlement changes to other services.
type ChangeNotifier interface {
	EntitlementChanged(ctx context.Context, change EntitlementChange) error
}

// applied carries what an event handler changed.
type applied struct {
	orgID         string
	creditGranted bool
	ignored       bool
}

// Reconciler applies billing events to entitlements and the credit ledger.
// Every event is applied in one database transaction.
type Reconciler struct {
	db        *sql.DB
	guard     *Guard
	ledger    *Ledger
	ents      *repository.EntitlementRepo
	customers *repository.BillingCustomerRepo
	resync    *Resyncer
	provider  billing.Provider
	notifier  ChangeNotifier
	timeout   time.Duration
}

// ReconcilerDeps groups the collaborators of a Reconciler.
type ReconcilerDeps struct {
	DB        *sql.DB
	Guard     *Guard
	Ledger    *Ledger
	Ents      *repository.EntitlementRepo
	Customers *repository.BillingCustomerRepo
	Resync    *Resyncer
	Provider  billing.Provider
	Notifier  ChangeNotifier
	Timeout   time.Duration
}

// NewReconciler builds a Reconciler. Provider and Notifier may be nil.
func NewReconciler(d ReconcilerDeps) *Reconciler {
	if d.Timeout <= 0 {
		d.Timeout = DefaultProviderTimeout
	}
	return &Reconciler{
		db:        d.DB,
		guard:     d.Guard,
		ledger:    d.Ledger,
		ents:      d.Ents,
		customers: d.Customers,
		resync:    d.Resync,
		provider:  d.Provider,
		notifier:  d.Notifier,
		timeout:   d.Timeout,
	}
}

// HandleBillingEvent applies ev at most once. A redelivery of an applied
// event returns OutcomeDuplicate. A returned error means the event was not
// applied and should be redelivered.
func (r *Reconciler) HandleBillingEvent(ctx context.Context, ev billing.Event) (Outcome, error) {
	start := time.Now()
	defer func() {
		metrics.BillingEventDuration.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
	}()

	payload, err := billing.Decode(ev)
	if err != nil {
		r.fail(ev, err)
		return "", err
	}

	unlock, err := r.guard.Lock(ctx, ev.ID)
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues(ev.Type, "in_flight").Inc()
		return "", err
	}
	defer unlock()

	adm, err := r.guard.Admit(ctx, ev.ID, ev.Type, func(ctx context.Context) (bool, error) {
		return r.grantDue(ctx, payload)
	})
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues(ev.Type, "failed").Inc()
		return "", err
	}
	if !adm.ShouldProcess {
		if prev := adm.Previous; prev != nil && prev.PayloadHash != "" && len(ev.Payload) > 0 &&
			prev.PayloadHash != PayloadHash(ev.Payload) {
			log.Warn().Str("event_id", ev.ID).Str("event_type", ev.Type).
				Msg("Redelivered event payload differs from the processed one")
		}
		log.Debug().Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("Skipping duplicate billing event")
		metrics.BillingEventsTotal.WithLabelValues(ev.Type, string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate, nil
	}

	res, err := r.apply(ctx, ev, payload)
	if err != nil {
		r.fail(ev, err)
		return "", err
	}
	if err := r.guard.RecordSuccess(ctx, ev.ID, ev.Type, ev.Payload, res.creditGranted); err != nil {
		metrics.BillingEventsTotal.WithLabelValues(ev.Type, "failed").Inc()
		return "", fmt.Errorf("record processed event %s: %w", ev.ID, err)
	}

	if res.ignored {
		metrics.BillingEventsTotal.WithLabelValues(ev.Type, string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}
	metrics.BillingEventsTotal.WithLabelValues(ev.Type, string(OutcomeApplied)).Inc()
	log.Info().Str("event_id", ev.ID).Str("event_type", ev.Type).Str("organization_id", res.orgID).
		Bool("credit_granted", res.creditGranted).Msg("Billing event applied")
	r.notify(ctx, ev, res.orgID)
	return OutcomeApplied, nil
}

func (r *Reconciler) fail(ev billing.Event, cause error) {
	metrics.BillingEventsTotal.WithLabelValues(ev.Type, "failed").Inc()
	log.Error().Err(cause).Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("Billing event failed")
	if ev.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.guard.RecordFailure(ctx, ev.ID, ev.Type, cause.Error()); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to record billing event failure")
	}
}

// grantDue reports whether applying the payload to the current state would
// write a ledger row. It is derived from the event and the entitlement, not
// from what an earlier run recorded, so a success logged ahead of its grant
// is still caught.
func (r *Reconciler) grantDue(ctx context.Context, p billing.Payload) (bool, error) {
	switch v := p.(type) {
	case billing.SubscriptionPayload:
		sub := v.Subscription
		switch v.Event {
		case billing.SubscriptionCreated:
			if sub.Seats <= 0 {
				return false, nil
			}
			return r.initialGrantPending(ctx, sub.OrganizationID(), sub.CustomerRef, sub.ID)
		case billing.SubscriptionUpdated:
			ent, err := r.lookupEntitlement(ctx, sub.OrganizationID(), sub.CustomerRef, sub.ID)
			if errors.Is(err, repository.ErrEntitlementNotFound) {
				return sub.Seats > 0, nil
			}
			if err != nil {
				return false, err
			}
			return sub.Seats > ent.PurchasedSeats(), nil
		}
	case billing.CheckoutPayload:
		if v.Mode != "subscription" || v.SubscriptionRef == "" {
			return false, nil
		}
		return r.initialGrantPending(ctx, v.OrganizationID(), v.CustomerRef, v.SubscriptionRef)
	case billing.InvoicePayload:
		if v.Failed {
			return false, nil
		}
		switch v.BillingReason {
		case billing.ReasonSubscriptionCycle:
			ent, err := r.lookupEntitlement(ctx, v.Metadata["organization_id"], v.CustomerRef, v.SubscriptionRef)
			if errors.Is(err, repository.ErrEntitlementNotFound) {
				return true, nil
			}
			if err != nil {
				return false, err
			}
			return ent.SeatsTotal > 0, nil
		case billing.ReasonSubscriptionUpdate:
			return v.ProratedSeatIncrease() > 0, nil
		}
	}
	return false, nil
}

// initialGrantPending reports whether the first-period grant for
// subscriptionRef has not been claimed yet.
func (r *Reconciler) initialGrantPending(ctx context.Context, orgID, customerRef, subscriptionRef string) (bool, error) {
	ent, err := r.lookupEntitlement(ctx, orgID, customerRef, subscriptionRef)
	if errors.Is(err, repository.ErrEntitlementNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return ent.InitialGrantSubscriptionRef != subscriptionRef, nil
}

// lookupEntitlement finds an entitlement from local state only: the
// organization id, then the customer link, then the subscription.
func (r *Reconciler) lookupEntitlement(ctx context.Context, orgID, customerRef, subscriptionRef string) (*model.Entitlement, error) {
	if orgID == "" && customerRef != "" {
		id, err := r.customers.OrgForCustomer(ctx, customerRef)
		if err != nil && !errors.Is(err, repository.ErrCustomerNotFound) {
			return nil, err
		}
		orgID = id
	}
	if orgID != "" {
		return r.ents.GetByOrg(ctx, r.db, orgID)
	}
	if subscriptionRef != "" {
		return r.ents.GetBySubscription(ctx, r.db, subscriptionRef)
	}
	return nil, repository.ErrEntitlementNotFound
}

func (r *Reconciler) apply(ctx context.Context, ev billing.Event, payload billing.Payload) (applied, error) {
	switch p := payload.(type) {
	case billing.SubscriptionPayload:
		switch p.Event {
		case billing.SubscriptionCreated:
			return r.subscriptionCreated(ctx, ev, p.Subscription)
		case billing.SubscriptionUpdated:
			return r.subscriptionUpdated(ctx, ev, p.Subscription)
		default:
			return r.subscriptionDeleted(ctx, p.Subscription)
		}
	case billing.CheckoutPayload:
		return r.checkoutCompleted(ctx, ev, p)
	case billing.InvoicePayload:
		if p.Failed {
			return r.paymentFailed(ctx, p)
		}
		return r.paymentSucceeded(ctx, ev, p)
	case billing.UnknownPayload:
		log.Info().Str("event_id", ev.ID).Str("event_type", p.Type).Msg("Ignoring unhandled billing event type")
		return applied{ignored: true}, nil
	}
	return applied{}, fmt.Errorf("unhandled payload %T", payload)
}

func (r *Reconciler) subscriptionCreated(ctx context.Context, ev billing.Event, sub billing.Subscription) (applied, error) {
	orgID, err := r.resolveOrg(ctx, sub.OrganizationID(), "", sub.CustomerRef, sub.ID)
	if err != nil {
		return applied{}, err
	}
	return r.provision(ctx, ev, orgID, &sub)
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, ev billing.Event, c billing.CheckoutPayload) (applied, error) {
	if c.Mode != "subscription" || c.SubscriptionRef == "" {
		log.Info().Str("event_id", ev.ID).Str("mode", c.Mode).Msg("Ignoring non-subscription checkout")
		return applied{ignored: true}, nil
	}
	orgID, err := r.resolveOrg(ctx, c.Metadata["organization_id"], c.ClientReferenceID, c.CustomerRef, c.SubscriptionRef)
	if err != nil {
		return applied{}, err
	}
	sub, err := r.getSubscription(ctx, c.SubscriptionRef)
	if err != nil {
		return applied{}, err
	}
	if sub.CustomerRef == "" {
		sub.CustomerRef = c.CustomerRef
	}
	return r.provision(ctx, ev, orgID, sub)
}

// provision upserts the entitlement from a subscription and applies the
// first-period grant unless another event already did for that
// subscription.
func (r *Reconciler) provision(ctx context.Context, ev billing.Event, orgID string, sub *billing.Subscription) (applied, error) {
	res := applied{orgID: orgID}
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.customers.Link(ctx, tx, sub.CustomerRef, orgID); err != nil {
			return err
		}
		state := StateFromSubscription(sub)
		if cur, err := r.ents.GetByOrg(ctx, tx, orgID); err == nil {
			state.OverageSeats = cur.OverageSeats
		} else if !errors.Is(err, repository.ErrEntitlementNotFound) {
			return err
		}
		ent, _, err := r.ents.UpsertFromProviderTx(ctx, tx, orgID, state)
		if err != nil {
			return err
		}
		if sub.Seats <= 0 {
			return nil
		}
		claimed, err := r.ents.ClaimInitialGrantTx(ctx, tx, orgID, sub.ID)
		if err != nil || !claimed {
			return err
		}
		amount := CreditsPerSeat(ent.PlanType, ent.BillingFrequency) * int64(sub.Seats)
		if _, err := r.ledger.GrantTx(ctx, tx, GrantRequest{
			Subject:     model.OrgSubject(orgID),
			Amount:      amount,
			Type:        model.TxPurchase,
			Description: fmt.Sprintf("Initial grant for %d seats on %s", sub.Seats, sub.ID),
			ReferenceID: ev.ID,
		}); err != nil {
			return err
		}
		res.creditGranted = true
		return nil
	})
	return res, err
}

func (r *Reconciler) subscriptionUpdated(ctx context.Context, ev billing.Event, sub billing.Subscription) (applied, error) {
	orgID, err := r.resolveOrg(ctx, sub.OrganizationID(), "", sub.CustomerRef, sub.ID)
	if err != nil {
		return applied{}, err
	}
	if err := r.ensureEntitlement(ctx, orgID); err != nil {
		return applied{}, err
	}

	res := applied{orgID: orgID}
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.customers.Link(ctx, tx, sub.CustomerRef, orgID); err != nil {
			return err
		}
		cur, err := r.ents.GetByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		// Only a change in the provider quantity moves capacity; status and
		// metadata updates leave seats_total and overage_seats alone.
		state := StateFromSubscription(&sub)
		delta := sub.Seats - cur.PurchasedSeats()
		total, overage := resize(cur.SeatsTotal, cur.OverageSeats, delta)
		state.SeatsTotal, state.OverageSeats = total, overage
		if total+overage < cur.SeatsUsed {
			log.Warn().Str("organization_id", orgID).Int("seats_used", cur.SeatsUsed).
				Int("requested_capacity", total+overage).Msg("Seat decrease clamped to seats in use")
		}
		if _, err := r.ents.ApplySubscriptionTx(ctx, tx, orgID, state); err != nil {
			return err
		}

		if delta <= 0 {
			return nil
		}
		amount := CreditsPerSeat(state.PlanType, state.BillingFrequency) * int64(delta)
		if _, err := r.ledger.GrantTx(ctx, tx, GrantRequest{
			Subject:     model.OrgSubject(orgID),
			Amount:      amount,
			Type:        model.TxBonus,
			Description: fmt.Sprintf("Seat increase of %d on %s", delta, sub.ID),
			ReferenceID: ev.ID,
		}); err != nil {
			return err
		}
		res.creditGranted = true
		return nil
	})
	return res, err
}

// resize applies a change of delta purchased seats to seats_total and
// overage_seats. An increase adds to seats_total. A decrease is absorbed by
// overage seats first and only the remainder lowers seats_total.
func resize(total, overage, delta int) (int, int) {
	if delta >= 0 {
		return total + delta, overage
	}
	cut := -delta
	fromOverage := min(cut, overage)
	return max(total-(cut-fromOverage), 0), overage - fromOverage
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, sub billing.Subscription) (applied, error) {
	orgID, err := r.resolveOrg(ctx, sub.OrganizationID(), "", sub.CustomerRef, sub.ID)
	if err != nil {
		return applied{}, err
	}
	res := applied{orgID: orgID}
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		ok, err := r.ents.UpdateStatusTx(ctx, tx, orgID, model.StatusCanceled)
		if err != nil {
			return err
		}
		if !ok {
			// Nothing to cancel.
			log.Info().Str("organization_id", orgID).Msg("Subscription deleted for organization without entitlement")
			return nil
		}
		log.Info().Str("organization_id", orgID).Bool("seats_kept", !RevokeSeatsOnCancel).Msg("Entitlement canceled")
		return nil
	})
	return res, err
}

func (r *Reconciler) paymentFailed(ctx context.Context, inv billing.InvoicePayload) (applied, error) {
	orgID, err := r.resolveOrg(ctx, inv.Metadata["organization_id"], "", inv.CustomerRef, inv.SubscriptionRef)
	if err != nil {
		return applied{}, err
	}
	if err := r.ensureEntitlement(ctx, orgID); err != nil {
		return applied{}, err
	}
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.customers.Link(ctx, tx, inv.CustomerRef, orgID); err != nil {
			return err
		}
		_, err := r.ents.UpdateStatusTx(ctx, tx, orgID, model.StatusPastDue)
		return err
	})
	if err == nil {
		log.Warn().Str("organization_id", orgID).Str("invoice_id", inv.InvoiceID).Msg("Invoice payment failed; entitlement past due")
	}
	return applied{orgID: orgID}, err
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, ev billing.Event, inv billing.InvoicePayload) (applied, error) {
	orgID, err := r.resolveOrg(ctx, inv.Metadata["organization_id"], "", inv.CustomerRef, inv.SubscriptionRef)
	if err != nil {
		return applied{}, err
	}
	if err := r.ensureEntitlement(ctx, orgID); err != nil {
		return applied{}, err
	}
	initial, err := r.isInitialInvoice(ctx, inv)
	if err != nil {
		return applied{}, err
	}

	res := applied{orgID: orgID}
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.customers.Link(ctx, tx, inv.CustomerRef, orgID); err != nil {
			return err
		}
		ent, err := r.ents.GetByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}

		var (
			amount int64
			txType model.TransactionType
			desc   string
		)
		perSeat := CreditsPerSeat(ent.PlanType, ent.BillingFrequency)
		switch {
		case initial:
			// The first-period grant comes from the subscription events.
		case inv.BillingReason == billing.ReasonSubscriptionCycle:
			amount, txType = perSeat*int64(ent.SeatsTotal), model.TxRecurring
			desc = fmt.Sprintf("Renewal for %d seats", ent.SeatsTotal)
		case inv.BillingReason == billing.ReasonSubscriptionUpdate:
			n := inv.ProratedSeatIncrease()
			amount, txType = perSeat*int64(n), model.TxBonus
			desc = fmt.Sprintf("Prorated seat increase of %d", n)
		}
		if amount > 0 {
			if _, err := r.ledger.GrantTx(ctx, tx, GrantRequest{
				Subject:     model.OrgSubject(orgID),
				Amount:      amount,
				Type:        txType,
				Description: desc,
				ReferenceID: ev.ID,
			}); err != nil {
				return err
			}
			res.creditGranted = true
		}

		if inv.HasOverage() {
			cleared, err := r.ents.ClearOverageTx(ctx, tx, orgID)
			if err != nil {
				return err
			}
			if !cleared && ent.OverageSeats > 0 {
				log.Warn().Str("organization_id", orgID).Int("seats_used", ent.SeatsUsed).
					Msg("Overage paid but still in use; keeping overage seats")
			}
		}
		if _, err := r.ents.RecoverPastDueTx(ctx, tx, orgID); err != nil {
			return err
		}
		return nil
	})
	return res, err
}

// isInitialInvoice reports whether inv is the subscription's first invoice.
// Renewal and proration invoices are never initial, so the provider is only
// asked about other billing reasons.
func (r *Reconciler) isInitialInvoice(ctx context.Context, inv billing.InvoicePayload) (bool, error) {
	switch inv.BillingReason {
	case billing.ReasonSubscriptionCreate:
		return true, nil
	case billing.ReasonSubscriptionCycle, billing.ReasonSubscriptionUpdate:
		return false, nil
	}
	if r.provider == nil || inv.SubscriptionRef == "" {
		return false, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer observeProvider("billing", "list_invoices", time.Now())
	invoices, err := r.provider.ListInvoices(callCtx, inv.SubscriptionRef)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrProviderCallFailed, err)
	}
	return billing.IsInitialInvoice(invoices, inv.InvoiceID), nil
}

// resolveOrg finds the organization an event is about: explicit metadata,
// then the checkout reference, then the stored customer link, then the
// entitlement holding the subscription, then the provider's subscription
// metadata.
func (r *Reconciler) resolveOrg(ctx context.Context, metadataOrg, clientRef, customerRef, subscriptionRef string) (string, error) {
	if metadataOrg != "" {
		return metadataOrg, nil
	}
	if clientRef != "" {
		return clientRef, nil
	}
	if customerRef != "" {
		orgID, err := r.customers.OrgForCustomer(ctx, customerRef)
		if err == nil {
			return orgID, nil
		}
		if !errors.Is(err, repository.ErrCustomerNotFound) {
			return "", err
		}
	}
	if subscriptionRef != "" {
		ent, err := r.ents.GetBySubscription(ctx, r.db, subscriptionRef)
		if err == nil {
			return ent.OrganizationID, nil
		}
		if !errors.Is(err, repository.ErrEntitlementNotFound) {
			return "", err
		}
		if r.provider != nil {
			sub, err := r.getSubscription(ctx, subscriptionRef)
			if err != nil && !errors.Is(err, billing.ErrNotFound) {
				return "", err
			}
			if sub != nil && sub.OrganizationID() != "" {
				return sub.OrganizationID(), nil
			}
		}
	}
	return "", ErrUnresolvedOrganization
}

func (r *Reconciler) getSubscription(ctx context.Context, subscriptionRef string) (*billing.Subscription, error) {
	if r.provider == nil {
		return nil, fmt.Errorf("%w: no billing provider configured", ErrProviderCallFailed)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer observeProvider("billing", "get_subscription", time.Now())
	sub, err := r.provider.GetSubscription(callCtx, subscriptionRef)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderCallFailed, err)
	}
	return sub, nil
}

// ensureEntitlement repairs a missing entitlement from the provider. It
// fails with ErrEntitlementNotFound when the provider has none either, so
// the event is recorded as failed and redelivered later.
func (r *Reconciler) ensureEntitlement(ctx context.Context, orgID string) error {
	_, err := r.ents.GetByOrg(ctx, r.db, orgID)
	if !errors.Is(err, repository.ErrEntitlementNotFound) {
		return err
	}
	if r.resync == nil {
		return ErrEntitlementNotFound
	}
	_, err = r.resync.Repair(ctx, orgID)
	return err
}

func (r *Reconciler) notify(ctx context.Context, ev billing.Event, orgID string) {
	if r.notifier == nil || orgID == "" {
		return
	}
	ent, err := r.ents.GetByOrg(ctx, r.db, orgID)
	if err != nil {
		log.Warn().Err(err).Str("organization_id", orgID).Msg("Skipping entitlement change notification")
		return
	}
	change := EntitlementChange{
		OrganizationID: orgID,
		EventID:        ev.ID,
		EventType:      ev.Type,
		Entitlement:    ent,
		OccurredAt:     time.Now().UTC(),
	}
	if err := r.notifier.EntitlementChanged(ctx, change); err != nil {
		log.Warn().Err(err).Str("organization_id", orgID).Str("event_id", ev.ID).
			Msg("Failed to publish entitlement change")
	}
}
