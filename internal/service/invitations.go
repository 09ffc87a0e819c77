package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mathhhys/blue-byte-booster/internal/identity"
	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/repository"
)

// InvitationResult is a delivered invitation and the seat it holds.
type InvitationResult struct {
	Seat       *model.Seat          `json:"seat"`
	Invitation *identity.Invitation `json:"invitation"`
	// Reused is set when an existing pending seat was invited again.
	Reused bool `json:"reused"`
}

// InvitationService reserves a seat and then asks the identity provider to
// deliver the invitation, releasing the seat if delivery fails.
type InvitationService struct {
	seats   *SeatService
	repo    *repository.SeatRepo
	inviter identity.Inviter
	timeout time.Duration
}

// NewInvitationService builds an InvitationService. timeout bounds the
// provider call.
func NewInvitationService(seats *SeatService, repo *repository.SeatRepo, inviter identity.Inviter, timeout time.Duration) *InvitationService {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &InvitationService{seats: seats, repo: repo, inviter: inviter, timeout: timeout}
}

// Invite sends an invitation for email. Capacity is reserved before the
// provider is called so a full organization fails fast.
func (s *InvitationService) Invite(ctx context.Context, orgID, email string, role model.SeatRole) (*InvitationResult, error) {
	email = model.NormalizeEmail(email)
	if role == "" {
		role = model.RoleMember
	}

	res := &InvitationResult{}
	seat, err := s.seats.Reserve(ctx, orgID, email, role, ReserveOptions{})
	switch {
	case err == nil:
		res.Seat = seat
	case errors.Is(err, ErrAlreadyReserved):
		pending, perr := s.repo.GetPendingUnbound(ctx, s.repo.DB(), orgID, email)
		if perr != nil {
			// The live seat is already claimed.
			return nil, err
		}
		res.Seat, res.Reused = pending, true
	default:
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	start := time.Now()
	inv, err := s.inviter.CreateInvitation(callCtx, orgID, email, string(role))
	observeProvider("identity", "create_invitation", start)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("organization_id", orgID).Str("seat_id", res.Seat.ID).Str("email", email).
			Msg("Invitation delivery failed; releasing seat")
		s.release(orgID, email)
		return nil, fmt.Errorf("%w: %v", ErrProviderCallFailed, err)
	}

	if err := s.repo.SetInvitationRef(ctx, res.Seat.ID, inv.ID); err != nil {
		// The invitation went out; the seat stays pending and claimable.
		log.Error().Err(err).Str("seat_id", res.Seat.ID).Str("invitation_ref", inv.ID).
			Msg("Failed to store invitation reference")
	} else {
		res.Seat.InvitationRef = inv.ID
	}
	res.Invitation = inv
	log.Info().Str("organization_id", orgID).Str("seat_id", res.Seat.ID).Str("invitation_ref", inv.ID).
		Bool("reused", res.Reused).Msg("Invitation sent")
	return res, nil
}

// release returns the reserved seat on a context of its own so it runs even
// when the caller's context is already canceled.
func (s *InvitationService) release(orgID, email string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.seats.Release(ctx, orgID, email, ReasonInvitationFailed); err != nil && !errors.Is(err, ErrPendingSeatNotFound) {
		log.Error().Err(err).Str("organization_id", orgID).Str("email", email).
			Msg("Failed to release seat after invitation failure")
	}
}
