package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mathhhys/blue-byte-booster/internal/metrics"
	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/repository"
)

// Revocation reasons written by the protocol itself.
const (
	ReasonInvitationExpired = "invitation expired"
	ReasonSeatExpired       = "seat expired"
	ReasonInvitationFailed  = "invitation delivery failed"
)

// DefaultInvitationTTL bounds how long a pending seat holds capacity.
const DefaultInvitationTTL = 30 * 24 * time.Hour

// EntitlementSyncer rebuilds an organization's entitlement from the billing
// provider. It reports whether an entitlement exists afterwards.
type EntitlementSyncer interface {
	Resync(ctx context.Context, orgID string) (bool, error)
}

// ReserveOptions tunes a reservation.
type ReserveOptions struct {
	// InviteTTL overrides how long the pending seat may stay unclaimed.
	InviteTTL time.Duration
	// ExpiresAt ends the seat even after it is claimed.
	ExpiresAt *time.Time
}

// SweepResult counts what a sweep changed.
type SweepResult struct {
	Revoked    int `json:"revoked"`
	Expired    int `json:"expired"`
	Reconciled int `json:"reconciled"`
}

// SeatService implements the seat reservation protocol. Capacity is
// consumed when a seat becomes pending and returned when it leaves the
// pending or active state.
type SeatService struct {
	db            *sql.DB
	ents          *repository.EntitlementRepo
	seats         *repository.SeatRepo
	syncer        EntitlementSyncer
	invitationTTL time.Duration
	now           func() time.Time
}

// NewSeatService builds a SeatService. syncer may be nil, in which case a
// missing entitlement is reported immediately.
func NewSeatService(db *sql.DB, ents *repository.EntitlementRepo, seats *repository.SeatRepo, syncer EntitlementSyncer, invitationTTL time.Duration) *SeatService {
	if invitationTTL <= 0 {
		invitationTTL = DefaultInvitationTTL
	}
	return &SeatService{
		db:            db,
		ents:          ents,
		seats:         seats,
		syncer:        syncer,
		invitationTTL: invitationTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Reserve creates a pending seat for email and consumes one unit of
// capacity.
func (s *SeatService) Reserve(ctx context.Context, orgID, email string, role model.SeatRole, opts ReserveOptions) (*model.Seat, error) {
	email = model.NormalizeEmail(email)
	if orgID == "" || email == "" {
		return nil, fmt.Errorf("reserve seat: organization and email are required")
	}
	if role == "" {
		role = model.RoleMember
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	var seat *model.Seat
	err := s.withEntitlementRepair(ctx, orgID, func() error {
		var err error
		seat, err = s.reserve(ctx, orgID, email, role, opts)
		return err
	})
	s.count("reserve", err)
	if err != nil {
		return nil, err
	}
	log.Info().Str("organization_id", orgID).Str("seat_id", seat.ID).Str("email", email).Msg("Seat reserved")
	return seat, nil
}

func (s *SeatService) reserve(ctx context.Context, orgID, email string, role model.SeatRole, opts ReserveOptions) (*model.Seat, error) {
	now := s.now()
	ttl := s.invitationTTL
	if opts.InviteTTL > 0 {
		ttl = opts.InviteTTL
	}
	inviteExpires := now.Add(ttl)

	var seat *model.Seat
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		ent, err := s.ents.GetByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if _, err := s.seats.GetLiveByEmail(ctx, tx, orgID, email); err == nil {
			return ErrAlreadyReserved
		} else if !errors.Is(err, repository.ErrSeatNotFound) {
			return err
		}
		ok, err := s.ents.IncrementSeatsUsedTx(ctx, tx, ent.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoAvailableSeats
		}
		seat = &model.Seat{
			OrganizationID:  orgID,
			EntitlementID:   ent.ID,
			Email:           email,
			Role:            role,
			Status:          model.SeatPending,
			InviteExpiresAt: &inviteExpires,
			ExpiresAt:       opts.ExpiresAt,
			CreatedAt:       now,
		}
		if err := s.seats.InsertTx(ctx, tx, seat); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrAlreadyReserved
			}
			return err
		}
		return nil
	})
	return seat, err
}

// Claim binds member to a seat. An active seat already bound to member is
// returned unchanged; a pending seat for email is activated without
// touching capacity; otherwise a new active seat consumes capacity.
func (s *SeatService) Claim(ctx context.Context, orgID, member, email string, role model.SeatRole) (*model.Seat, error) {
	email = model.NormalizeEmail(email)
	if orgID == "" || member == "" {
		return nil, fmt.Errorf("claim seat: organization and member are required")
	}
	if role != "" && !role.Valid() {
		return nil, ErrInvalidRole
	}

	var seat *model.Seat
	err := s.withEntitlementRepair(ctx, orgID, func() error {
		var err error
		seat, err = s.claim(ctx, orgID, member, email, role)
		return err
	})
	s.count("claim", err)
	if err != nil {
		return nil, err
	}
	return seat, nil
}

func (s *SeatService) claim(ctx context.Context, orgID, member, email string, role model.SeatRole) (*model.Seat, error) {
	now := s.now()
	var seat *model.Seat
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := s.seats.GetActiveByMember(ctx, tx, orgID, member)
		if err == nil {
			seat = existing
			return nil
		}
		if !errors.Is(err, repository.ErrSeatNotFound) {
			return err
		}
		if email == "" {
			return fmt.Errorf("claim seat: email is required for a new seat")
		}

		pending, err := s.seats.GetPendingUnbound(ctx, tx, orgID, email)
		switch {
		case err == nil:
			r := role
			if r == "" {
				r = pending.Role
			}
			ok, err := s.seats.ActivateTx(ctx, tx, pending.ID, member, r, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("claim pending seat %s: %w", pending.ID, repository.ErrConflict)
			}
			seat, err = s.seats.GetByID(ctx, tx, pending.ID)
			return err
		case !errors.Is(err, repository.ErrSeatNotFound):
			return err
		}

		// An active seat for this email bound to someone else.
		if _, err := s.seats.GetLiveByEmail(ctx, tx, orgID, email); err == nil {
			return ErrAlreadyReserved
		} else if !errors.Is(err, repository.ErrSeatNotFound) {
			return err
		}

		ent, err := s.ents.GetByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		ok, err := s.ents.IncrementSeatsUsedTx(ctx, tx, ent.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoAvailableSeats
		}
		if role == "" {
			role = model.RoleMember
		}
		seat = &model.Seat{
			OrganizationID: orgID,
			EntitlementID:  ent.ID,
			MemberIdentity: member,
			Email:          email,
			Role:           role,
			Status:         model.SeatActive,
			AssignedAt:     &now,
			CreatedAt:      now,
		}
		if err := s.seats.InsertTx(ctx, tx, seat); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrAlreadyReserved
			}
			return err
		}
		return nil
	})
	return seat, err
}

// Release revokes the newest unclaimed pending seat for email and returns
// its capacity.
func (s *SeatService) Release(ctx context.Context, orgID, email, reason string) (*model.Seat, error) {
	email = model.NormalizeEmail(email)
	now := s.now()
	var seat *model.Seat
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		pending, err := s.seats.GetPendingUnbound(ctx, tx, orgID, email)
		if errors.Is(err, repository.ErrSeatNotFound) {
			return ErrPendingSeatNotFound
		}
		if err != nil {
			return err
		}
		if err := s.close(ctx, tx, pending, model.SeatRevoked, reason, now); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrPendingSeatNotFound
			}
			return err
		}
		seat = pending
		return nil
	})
	s.count("release", err)
	if err != nil {
		return nil, err
	}
	log.Info().Str("organization_id", orgID).Str("seat_id", seat.ID).Str("reason", reason).Msg("Pending seat released")
	return seat, nil
}

// Revoke ends member's active seat and returns its capacity.
func (s *SeatService) Revoke(ctx context.Context, orgID, member, reason string) (*model.Seat, error) {
	now := s.now()
	var seat *model.Seat
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		active, err := s.seats.GetActiveByMember(ctx, tx, orgID, member)
		if err != nil {
			return err
		}
		if err := s.close(ctx, tx, active, model.SeatRevoked, reason, now); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrSeatNotFound
			}
			return err
		}
		seat = active
		return nil
	})
	s.count("revoke", err)
	if err != nil {
		return nil, err
	}
	log.Info().Str("organization_id", orgID).Str("seat_id", seat.ID).Str("member", member).Msg("Seat revoked")
	return seat, nil
}

// close moves a live seat to a terminal status and returns its capacity.
func (s *SeatService) close(ctx context.Context, tx *sql.Tx, seat *model.Seat, to model.SeatStatus, reason string, now time.Time) error {
	ok, err := s.seats.CloseTx(ctx, tx, seat.ID, seat.Status, to, reason, now)
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrConflict
	}
	if _, err := s.ents.DecrementSeatsUsedTx(ctx, tx, seat.EntitlementID); err != nil {
		return err
	}
	seat.Status = to
	seat.RevokedReason = reason
	seat.UpdatedAt = now
	return nil
}

// SweepExpired expires active seats past expires_at and revokes pending
// seats past their invitation deadline. Each entitlement's seats are closed
// and its seats_used recounted in one transaction.
func (s *SeatService) SweepExpired(ctx context.Context) (SweepResult, error) {
	now := s.now()
	var res SweepResult
	expired, err := s.seats.ListExpired(ctx, s.db, now)
	if err != nil {
		return res, err
	}

	byEntitlement := make(map[string][]model.Seat)
	for _, seat := range expired {
		byEntitlement[seat.EntitlementID] = append(byEntitlement[seat.EntitlementID], seat)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for entID, seats := range byEntitlement {
		g.Go(func() error {
			var done SweepResult
			err := withTx(gctx, s.db, func(tx *sql.Tx) error {
				done = SweepResult{}
				for _, seat := range seats {
					to, reason := model.SeatExpired, ReasonSeatExpired
					if seat.Status == model.SeatPending {
						to, reason = model.SeatRevoked, ReasonInvitationExpired
					}
					closed, err := s.seats.CloseTx(gctx, tx, seat.ID, seat.Status, to, reason, now)
					if err != nil {
						return fmt.Errorf("expire seat %s: %w", seat.ID, err)
					}
					if !closed {
						continue
					}
					if to == model.SeatExpired {
						done.Expired++
					} else {
						done.Revoked++
					}
				}
				if done.Expired+done.Revoked == 0 {
					return nil
				}
				if _, err := s.ents.RecountSeatsUsedTx(gctx, tx, entID); err != nil {
					return fmt.Errorf("recount entitlement %s: %w", entID, err)
				}
				done.Reconciled = 1
				return nil
			})
			if err != nil {
				return err
			}
			metrics.SeatOperationsTotal.WithLabelValues("expire", string(model.SeatExpired)).Add(float64(done.Expired))
			metrics.SeatOperationsTotal.WithLabelValues("expire", string(model.SeatRevoked)).Add(float64(done.Revoked))
			mu.Lock()
			res.Expired += done.Expired
			res.Revoked += done.Revoked
			res.Reconciled += done.Reconciled
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if res.Expired+res.Revoked > 0 {
		log.Info().Int("expired", res.Expired).Int("revoked", res.Revoked).Int("reconciled", res.Reconciled).
			Msg("Seat sweep finished")
	}
	return res, nil
}

// List returns every seat of an organization.
func (s *SeatService) List(ctx context.Context, orgID string) ([]model.Seat, error) {
	return s.seats.ListByOrg(ctx, s.db, orgID)
}

// Entitlement returns the organization's entitlement, repairing it from the
// billing provider once if it is missing.
func (s *SeatService) Entitlement(ctx context.Context, orgID string) (*model.Entitlement, error) {
	var ent *model.Entitlement
	err := s.withEntitlementRepair(ctx, orgID, func() error {
		var err error
		ent, err = s.ents.GetByOrg(ctx, s.db, orgID)
		return err
	})
	return ent, err
}

// withEntitlementRepair runs fn and, if it reports a missing entitlement,
// resyncs the organization once and runs fn again.
func (s *SeatService) withEntitlementRepair(ctx context.Context, orgID string, fn func() error) error {
	err := fn()
	if !errors.Is(err, ErrEntitlementNotFound) || s.syncer == nil {
		return err
	}
	found, rerr := s.syncer.Resync(ctx, orgID)
	if rerr != nil {
		log.Warn().Err(rerr).Str("organization_id", orgID).Msg("Entitlement resync failed")
		return err
	}
	if !found {
		return err
	}
	return fn()
}

func (s *SeatService) count(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNoAvailableSeats):
		outcome = "no_capacity"
	case errors.Is(err, ErrAlreadyReserved):
		outcome = "already_reserved"
	case errors.Is(err, ErrEntitlementNotFound):
		outcome = "no_entitlement"
	case errors.Is(err, ErrPendingSeatNotFound), errors.Is(err, ErrSeatNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	metrics.SeatOperationsTotal.WithLabelValues(op, outcome).Inc()
}
