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

const seatColumns = `id, organization_id, entitlement_id, member_identity, email, role, status,
	invitation_ref, invite_expires_at, expires_at, assigned_at, revoked_reason, created_at, updated_at`

// SeatRepo provides access to the seats table. A seat holds live_key while
// pending or active; the unique index on that column is what prevents two
// live seats for the same email in one organization.
type SeatRepo struct {
	db *sql.DB
}

// NewSeatRepo returns a repository bound to db.
func NewSeatRepo(db *sql.DB) *SeatRepo { return &SeatRepo{db: db} }

// DB exposes the underlying handle for reads outside a transaction.
func (r *SeatRepo) DB() *sql.DB { return r.db }

func scanSeat(row interface{ Scan(...any) error }) (*model.Seat, error) {
	var (
		s                              model.Seat
		role, status                   string
		member, invitation, reason     sql.NullString
		inviteExpires, expires, assign sql.NullInt64
		createdAt, updatedAt           int64
	)
	err := row.Scan(&s.ID, &s.OrganizationID, &s.EntitlementID, &member, &s.Email, &role, &status,
		&invitation, &inviteExpires, &expires, &assign, &reason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSeatNotFound
		}
		return nil, err
	}
	s.MemberIdentity = member.String
	s.Role = model.SeatRole(role)
	s.Status = model.SeatStatus(status)
	s.InvitationRef = invitation.String
	s.InviteExpiresAt = fromUnix(inviteExpires)
	s.ExpiresAt = fromUnix(expires)
	s.AssignedAt = fromUnix(assign)
	s.RevokedReason = reason.String
	s.CreatedAt = unixTime(createdAt)
	s.UpdatedAt = unixTime(updatedAt)
	return &s, nil
}

func collectSeats(rows *sql.Rows) ([]model.Seat, error) {
	defer rows.Close()
	var out []model.Seat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// InsertTx stores a new seat. A live seat that already exists for the same
// organization and email yields ErrDuplicate.
func (r *SeatRepo) InsertTx(ctx context.Context, tx *sql.Tx, s *model.Seat) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Email = model.NormalizeEmail(s.Email)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.CreatedAt
	var liveKey sql.NullString
	if s.Live() {
		liveKey = nullString(model.LiveKey(s.OrganizationID, s.Email))
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO seats (`+seatColumns+`, live_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OrganizationID, s.EntitlementID, nullString(s.MemberIdentity), s.Email, string(s.Role),
		string(s.Status), nullString(s.InvitationRef), nullUnix(s.InviteExpiresAt), nullUnix(s.ExpiresAt),
		nullUnix(s.AssignedAt), nullString(s.RevokedReason), s.CreatedAt.Unix(), s.UpdatedAt.Unix(), liveKey)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert seat: %w", err)
	}
	return nil
}

// GetByID returns one seat.
func (r *SeatRepo) GetByID(ctx context.Context, q Querier, id string) (*model.Seat, error) {
	return scanSeat(q.QueryRowContext(ctx, `SELECT `+seatColumns+` FROM seats WHERE id = ?`, id))
}

// GetLiveByEmail returns the pending or active seat for an email.
func (r *SeatRepo) GetLiveByEmail(ctx context.Context, q Querier, orgID, email string) (*model.Seat, error) {
	return scanSeat(q.QueryRowContext(ctx, `SELECT `+seatColumns+` FROM seats WHERE live_key = ?`,
		model.LiveKey(orgID, email)))
}

// GetActiveByMember returns the active seat bound to a member identity.
func (r *SeatRepo) GetActiveByMember(ctx context.Context, q Querier, orgID, member string) (*model.Seat, error) {
	return scanSeat(q.QueryRowContext(ctx, `SELECT `+seatColumns+` FROM seats
		WHERE organization_id = ? AND member_identity = ? AND status = 'active'
		ORDER BY created_at DESC LIMIT 1`, orgID, member))
}

// GetPendingUnbound returns the most recent pending seat for an email that
// no member has claimed yet.
func (r *SeatRepo) GetPendingUnbound(ctx context.Context, q Querier, orgID, email string) (*model.Seat, error) {
	return scanSeat(q.QueryRowContext(ctx, `SELECT `+seatColumns+` FROM seats
		WHERE organization_id = ? AND email = ? AND status = 'pending' AND member_identity IS NULL
		ORDER BY created_at DESC LIMIT 1`, orgID, model.NormalizeEmail(email)))
}

// ListByOrg returns every seat of an organization, newest first.
func (r *SeatRepo) ListByOrg(ctx context.Context, q Querier, orgID string) ([]model.Seat, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+seatColumns+` FROM seats
		WHERE organization_id = ? ORDER BY created_at DESC, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list seats: %w", err)
	}
	return collectSeats(rows)
}

// ActivateTx binds a pending seat to a member and makes it active. It
// returns false when the seat is no longer pending.
func (r *SeatRepo) ActivateTx(ctx context.Context, tx *sql.Tx, seatID, member string, role model.SeatRole, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE seats
		SET member_identity = ?, role = ?, status = 'active', assigned_at = ?, invite_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		member, string(role), now.Unix(), now.Unix(), seatID)
	if err != nil {
		return false, fmt.Errorf("activate seat: %w", err)
	}
	return affected(res)
}

// CloseTx moves a live seat from status `from` to the terminal status `to`
// and frees its live key. It returns false when the seat was not in `from`.
func (r *SeatRepo) CloseTx(ctx context.Context, tx *sql.Tx, seatID string, from, to model.SeatStatus, reason string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE seats
		SET status = ?, live_key = NULL, revoked_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), nullString(reason), now.Unix(), seatID, string(from))
	if err != nil {
		return false, fmt.Errorf("close seat: %w", err)
	}
	return affected(res)
}

// SetInvitationRef records the identity provider's invitation id.
func (r *SeatRepo) SetInvitationRef(ctx context.Context, seatID, ref string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE seats SET invitation_ref = ?, updated_at = ? WHERE id = ?`,
		ref, time.Now().UTC().Unix(), seatID)
	if err != nil {
		return fmt.Errorf("set invitation ref: %w", err)
	}
	return nil
}

// ListExpired returns live seats whose deadline has passed: active seats past
// expires_at and pending seats past invite_expires_at.
func (r *SeatRepo) ListExpired(ctx context.Context, q Querier, now time.Time) ([]model.Seat, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+seatColumns+` FROM seats
		WHERE (status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?)
		   OR (status = 'pending' AND invite_expires_at IS NOT NULL AND invite_expires_at <= ?)
		ORDER BY entitlement_id, created_at`, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("list expired seats: %w", err)
	}
	return collectSeats(rows)
}

// CountLive returns the pending plus active seats of an organization.
func (r *SeatRepo) CountLive(ctx context.Context, q Querier, orgID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM seats
		WHERE organization_id = ? AND status IN ('pending', 'active')`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live seats: %w", err)
	}
	return n, nil
}
