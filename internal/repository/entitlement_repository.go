package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mathhhys/blue-byte-booster/internal/database"
	"github.com/mathhhys/blue-byte-booster/internal/model"
)

const entitlementColumns = `id, organization_id, plan_type, billing_frequency, seats_total, overage_seats,
	provider_seats, seats_used, total_credits, used_credits, status, billing_customer_ref, billing_subscription_ref,
	initial_grant_subscription_ref, current_period_start, current_period_end, created_at, updated_at`

// EntitlementRepo provides access to the entitlements table. Each
// organization owns at most one row.
type EntitlementRepo struct {
	db *sql.DB
}

// NewEntitlementRepo returns a repository bound to db.
func NewEntitlementRepo(db *sql.DB) *EntitlementRepo { return &EntitlementRepo{db: db} }

func scanEntitlement(row interface{ Scan(...any) error }) (*model.Entitlement, error) {
	var (
		e                             model.Entitlement
		freq, status                  string
		customerRef, subRef, grantRef sql.NullString
		providerSeats                 sql.NullInt64
		periodStart, periodEnd        sql.NullInt64
		createdAt, updatedAt          int64
	)
	err := row.Scan(&e.ID, &e.OrganizationID, &e.PlanType, &freq, &e.SeatsTotal, &e.OverageSeats,
		&providerSeats, &e.SeatsUsed, &e.TotalCredits, &e.UsedCredits, &status, &customerRef, &subRef,
		&grantRef, &periodStart, &periodEnd, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntitlementNotFound
		}
		return nil, err
	}
	e.BillingFrequency = model.BillingFrequency(freq)
	e.Status = model.EntitlementStatus(status)
	e.BillingCustomerRef = customerRef.String
	e.BillingSubscriptionRef = subRef.String
	e.InitialGrantSubscriptionRef = grantRef.String
	e.ProviderSeats = fromNullInt(providerSeats)
	e.CurrentPeriodStart = fromUnix(periodStart)
	e.CurrentPeriodEnd = fromUnix(periodEnd)
	e.CreatedAt = unixTime(createdAt)
	e.UpdatedAt = unixTime(updatedAt)
	return &e, nil
}

// GetByOrg returns the entitlement of an organization or
// ErrEntitlementNotFound.
func (r *EntitlementRepo) GetByOrg(ctx context.Context, q Querier, orgID string) (*model.Entitlement, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE organization_id = ?`, orgID)
	return scanEntitlement(row)
}

// GetBySubscription looks an entitlement up by its billing subscription.
func (r *EntitlementRepo) GetBySubscription(ctx context.Context, q Querier, subscriptionRef string) (*model.Entitlement, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE billing_subscription_ref = ?`, subscriptionRef)
	return scanEntitlement(row)
}

// CreateTx inserts a new entitlement. A second row for the same
// organization yields ErrDuplicate.
func (r *EntitlementRepo) CreateTx(ctx context.Context, tx *sql.Tx, e *model.Entitlement) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := tx.ExecContext(ctx, `INSERT INTO entitlements (`+entitlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrganizationID, e.PlanType, string(e.BillingFrequency), e.SeatsTotal, e.OverageSeats,
		nullInt(e.ProviderSeats), e.SeatsUsed, e.TotalCredits, e.UsedCredits, string(e.Status), nullString(e.BillingCustomerRef),
		nullString(e.BillingSubscriptionRef), nullString(e.InitialGrantSubscriptionRef),
		nullUnix(e.CurrentPeriodStart), nullUnix(e.CurrentPeriodEnd), e.CreatedAt.Unix(), e.UpdatedAt.Unix())
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

// SubscriptionState is the provider-derived part of an entitlement. It
// never carries seats_used, which only the seat protocol maintains.
type SubscriptionState struct {
	PlanType         string
	BillingFrequency model.BillingFrequency
	SeatsTotal       int
	OverageSeats     int
	ProviderSeats    int
	Status           model.EntitlementStatus
	CustomerRef      string
	SubscriptionRef  string
	PeriodStart      *time.Time
	PeriodEnd        *time.Time
}

// clampedSeatsTotal keeps seats_total + overage_seats at or above seats_used.
// MySQL evaluates SET clauses left to right, so it must precede any
// assignment to seats_used in the same statement.
const clampedSeatsTotal = `seats_total = CASE WHEN seats_used > ? THEN seats_used - ? ELSE ? END`

// ApplySubscriptionTx overwrites the provider-derived columns of an
// organization's entitlement. Empty references keep their stored value.
// seats_total is raised if needed so live seats stay within capacity.
func (r *EntitlementRepo) ApplySubscriptionTx(ctx context.Context, tx *sql.Tx, orgID string, s SubscriptionState) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entitlements SET
			plan_type = ?, billing_frequency = ?, `+clampedSeatsTotal+`, overage_seats = ?,
			provider_seats = ?, status = ?,
			billing_customer_ref = COALESCE(?, billing_customer_ref),
			billing_subscription_ref = COALESCE(?, billing_subscription_ref),
			current_period_start = COALESCE(?, current_period_start),
			current_period_end = COALESCE(?, current_period_end),
			updated_at = ?
		WHERE organization_id = ?`,
		s.PlanType, string(s.BillingFrequency), s.SeatsTotal+s.OverageSeats, s.OverageSeats, s.SeatsTotal,
		s.OverageSeats, s.ProviderSeats, string(s.Status),
		nullString(s.CustomerRef), nullString(s.SubscriptionRef), nullUnix(s.PeriodStart), nullUnix(s.PeriodEnd),
		time.Now().UTC().Unix(), orgID)
	if err != nil {
		return false, fmt.Errorf("apply subscription state: %w", err)
	}
	return affected(res)
}

// IncrementSeatsUsedTx consumes one seat of capacity. It returns false when
// the entitlement is already at capacity.
func (r *EntitlementRepo) IncrementSeatsUsedTx(ctx context.Context, tx *sql.Tx, entitlementID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entitlements
		SET seats_used = seats_used + 1, updated_at = ?
		WHERE id = ? AND seats_used < seats_total + overage_seats`,
		time.Now().UTC().Unix(), entitlementID)
	if err != nil {
		return false, fmt.Errorf("increment seats_used: %w", err)
	}
	return affected(res)
}

// DecrementSeatsUsedTx returns one seat of capacity, never going below zero.
func (r *EntitlementRepo) DecrementSeatsUsedTx(ctx context.Context, tx *sql.Tx, entitlementID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entitlements
		SET seats_used = seats_used - 1, updated_at = ?
		WHERE id = ? AND seats_used > 0`,
		time.Now().UTC().Unix(), entitlementID)
	if err != nil {
		return false, fmt.Errorf("decrement seats_used: %w", err)
	}
	return affected(res)
}

// RecountSeatsUsedTx sets seats_used to the number of live seats.
func (r *EntitlementRepo) RecountSeatsUsedTx(ctx context.Context, tx *sql.Tx, entitlementID string) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seats WHERE entitlement_id = ? AND status IN ('pending', 'active')`,
		entitlementID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count live seats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE entitlements SET seats_used = ?, updated_at = ? WHERE id = ?`,
		n, time.Now().UTC().Unix(), entitlementID); err != nil {
		return 0, fmt.Errorf("recount seats_used: %w", err)
	}
	return n, nil
}

// AddCreditsTx grows the organization pool by amount.
func (r *EntitlementRepo) AddCreditsTx(ctx context.Context, tx *sql.Tx, orgID string, amount int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entitlements
		SET total_credits = total_credits + ?, updated_at = ?
		WHERE organization_id = ?`,
		amount, time.Now().UTC().Unix(), orgID)
	if err != nil {
		return false, fmt.Errorf("add organization credits: %w", err)
	}
	return affected(res)
}

// ConsumeCreditsTx moves amount from remaining to used. It returns false when
// the pool would go negative or the organization has no entitlement.
func (r *EntitlementRepo) ConsumeCreditsTx(ctx context.Context, tx *sql.Tx, orgID string, amount int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entitlements
		SET used_credits = used_credits + ?, updated_at = ?
		WHERE organization_id = ? AND used_credits + ? <= total_credits`,
		amount, time.Now().UTC().Unix(), orgID, amount)
	if err != nil {
		return false, fmt.Errorf("consume organization credits: %w", err)
	}
	return affected(res)
}

// UpdateStatusTx sets the lifecycle status.
func (r *EntitlementRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, orgID string, status model.EntitlementStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entitlements SET status = ?, updated_at = ? WHERE organization_id = ?`,
		string(status), time.Now().UTC().Unix(), orgID)
	if err != nil {
		return false, fmt.Errorf("update entitlement status: %w", err)
	}
	return affected(res)
}

// RecoverPastDueTx moves a past_due entitlement back to active.
func (r *EntitlementRepo) RecoverPastDueTx(ctx context.Context, tx *sql.Tx, orgID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entitlements SET status = 'active', updated_at = ?
		WHERE organization_id = ? AND status = 'past_due'`,
		time.Now().UTC().Unix(), orgID)
	if err != nil {
		return false, fmt.Errorf("recover past_due entitlement: %w", err)
	}
	return affected(res)
}

// ClearOverageTx resets overage_seats to zero once overage has been billed,
// keeping capacity at or above seats_used.
func (r *EntitlementRepo) ClearOverageTx(ctx context.Context, tx *sql.Tx, orgID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entitlements SET overage_seats = 0, updated_at = ?
		WHERE organization_id = ? AND overage_seats > 0 AND seats_used <= seats_total`,
		time.Now().UTC().Unix(), orgID)
	if err != nil {
		return false, fmt.Errorf("clear overage seats: %w", err)
	}
	return affected(res)
}

// ClaimInitialGrantTx records that the first-period grant for
// subscriptionRef has been applied. Exactly one caller per subscription
// observes true.
func (r *EntitlementRepo) ClaimInitialGrantTx(ctx context.Context, tx *sql.Tx, orgID, subscriptionRef string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entitlements
		SET initial_grant_subscription_ref = ?, updated_at = ?
		WHERE organization_id = ?
		  AND (initial_grant_subscription_ref IS NULL OR initial_grant_subscription_ref <> ?)`,
		subscriptionRef, time.Now().UTC().Unix(), orgID, subscriptionRef)
	if err != nil {
		return false, fmt.Errorf("claim initial grant: %w", err)
	}
	return affected(res)
}

// UpsertFromProviderTx writes provider-derived state for an organization.
// An existing row keeps its seats_used and credits. A new row starts with
// seats_used equal to the live seats already on record, so repair never
// lowers usage below reality.
func (r *EntitlementRepo) UpsertFromProviderTx(ctx context.Context, tx *sql.Tx, orgID string, s SubscriptionState) (*model.Entitlement, bool, error) {
	ok, err := r.ApplySubscriptionTx(ctx, tx, orgID, s)
	if err != nil {
		return nil, false, err
	}
	created := false
	if !ok {
		var live int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM seats WHERE organization_id = ? AND status IN ('pending', 'active')`,
			orgID).Scan(&live); err != nil {
			return nil, false, fmt.Errorf("count live seats: %w", err)
		}
		e := &model.Entitlement{
			OrganizationID:         orgID,
			PlanType:               s.PlanType,
			BillingFrequency:       s.BillingFrequency,
			SeatsTotal:             s.SeatsTotal,
			OverageSeats:           s.OverageSeats,
			ProviderSeats:          &s.ProviderSeats,
			SeatsUsed:              live,
			Status:                 s.Status,
			BillingCustomerRef:     s.CustomerRef,
			BillingSubscriptionRef: s.SubscriptionRef,
			CurrentPeriodStart:     s.PeriodStart,
			CurrentPeriodEnd:       s.PeriodEnd,
		}
		err := r.CreateTx(ctx, tx, e)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, ErrDuplicate):
			// Lost an insert race; the winner's row gets our state instead.
			if _, err := r.ApplySubscriptionTx(ctx, tx, orgID, s); err != nil {
				return nil, false, err
			}
		default:
			return nil, false, err
		}
	}
	e, err := r.GetByOrg(ctx, tx, orgID)
	if err != nil {
		return nil, false, err
	}
	return e, created, nil
}
