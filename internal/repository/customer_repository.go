package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mathhhys/blue-byte-booster/internal/database"
)

// BillingCustomerRepo maps billing provider customers to organizations.
type BillingCustomerRepo struct {
	db *sql.DB
}

// NewBillingCustomerRepo returns a repository bound to db.
func NewBillingCustomerRepo(db *sql.DB) *BillingCustomerRepo { return &BillingCustomerRepo{db: db} }

// Link associates customerRef with orgID, replacing any earlier owner.
func (r *BillingCustomerRepo) Link(ctx context.Context, q Querier, customerRef, orgID string) error {
	if customerRef == "" || orgID == "" {
		return nil
	}
	now := time.Now().UTC().Unix()
	_, err := q.ExecContext(ctx, `INSERT INTO billing_customers (customer_ref, organization_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)`, customerRef, orgID, now, now)
	if err == nil {
		return nil
	}
	if !database.IsUniqueViolation(err) {
		return fmt.Errorf("link billing customer: %w", err)
	}
	_, err = q.ExecContext(ctx, `UPDATE billing_customers SET organization_id = ?, updated_at = ?
		WHERE customer_ref = ?`, orgID, now, customerRef)
	if err != nil {
		return fmt.Errorf("relink billing customer: %w", err)
	}
	return nil
}

// OrgForCustomer returns the organization a customer belongs to.
func (r *BillingCustomerRepo) OrgForCustomer(ctx context.Context, customerRef string) (string, error) {
	var orgID string
	err := r.db.QueryRowContext(ctx, `SELECT organization_id FROM billing_customers WHERE customer_ref = ?`,
		customerRef).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup billing customer: %w", err)
	}
	return orgID, nil
}

// CustomerForOrg returns the most recently linked customer of an
// organization.
func (r *BillingCustomerRepo) CustomerForOrg(ctx context.Context, orgID string) (string, error) {
	var ref string
	err := r.db.QueryRowContext(ctx, `SELECT customer_ref FROM billing_customers
		WHERE organization_id = ? ORDER BY updated_at DESC LIMIT 1`, orgID).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup organization customer: %w", err)
	}
	return ref, nil
}
