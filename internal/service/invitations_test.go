package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathhhys/blue-byte-booster/internal/model"
)

func TestInviteStoresInvitationRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntitlement(t, "org_a", 2, 0)

	res, err := f.invites.Invite(ctx, "org_a", "A@x.com", model.RoleMember)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, "inv_a@x.com", res.Invitation.ID)

	seat, err := f.seatRepo.GetByID(ctx, f.db, res.Seat.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SeatPending, seat.Status)
	assert.Equal(t, "inv_a@x.com", seat.InvitationRef)
	assert.Equal(t, 1, f.entitlement(t, "org_a").SeatsUsed)
}

func TestInviteProviderFailureReleasesSeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntitlement(t, "org_a", 2, 0)
	f.inviter.err = errProviderDown

	_, err := f.invites.Invite(ctx, "org_a", "a@x.com", model.RoleMember)
	require.ErrorIs(t, err, ErrProviderCallFailed)
	assert.Equal(t, 0, f.entitlement(t, "org_a").SeatsUsed)

	seats, err := f.seats.List(ctx, "org_a")
	require.NoError(t, err)
	require.Len(t, seats, 1)
	assert.Equal(t, model.SeatRevoked, seats[0].Status)
	assert.Equal(t, ReasonInvitationFailed, seats[0].RevokedReason)
}

func TestInviteTimeoutReleasesSeat(t *testing.T) {
	f := newFixture(t)
	f.seedEntitlement(t, "org_a", 2, 0)
	f.inviter.block = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := f.invites.Invite(ctx, "org_a", "a@x.com", model.RoleMember)
	require.ErrorIs(t, err, ErrProviderCallFailed)
	assert.Equal(t, 0, f.entitlement(t, "org_a").SeatsUsed)
}

func TestInviteReusesPendingSeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntitlement(t, "org_a", 2, 0)

	first, err := f.invites.Invite(ctx, "org_a", "a@x.com", model.RoleMember)
	require.NoError(t, err)
	again, err := f.invites.Invite(ctx, "org_a", "a@x.com", model.RoleMember)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.Seat.ID, again.Seat.ID)
	assert.Equal(t, 1, f.entitlement(t, "org_a").SeatsUsed)
	assert.Len(t, f.inviter.sent, 2)
}

func TestInviteClaimedEmailIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntitlement(t, "org_a", 2, 0)
	_, err := f.seats.Claim(ctx, "org_a", "user_1", "a@x.com", model.RoleMember)
	require.NoError(t, err)

	_, err = f.invites.Invite(ctx, "org_a", "a@x.com", model.RoleMember)
	require.ErrorIs(t, err, ErrAlreadyReserved)
	assert.Empty(t, f.inviter.sent)
}

func TestInviteAtCapacityFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntitlement(t, "org_a", 1, 0)
	_, err := f.invites.Invite(ctx, "org_a", "a@x.com", model.RoleMember)
	require.NoError(t, err)

	_, err = f.invites.Invite(ctx, "org_a", "b@x.com", model.RoleMember)
	require.ErrorIs(t, err, ErrNoAvailableSeats)
	assert.Len(t, f.inviter.sent, 1)
}

// Reserve, fail at the provider, release: seats_used returns to exactly its
// starting value.
func TestTwoPhaseRollbackRestoresSeatsUsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntitlement(t, "org_a", 3, 0)
	_, err := f.seats.Claim(ctx, "org_a", "user_1", "owner@x.com", model.RoleAdmin)
	require.NoError(t, err)
	before := f.entitlement(t, "org_a").SeatsUsed

	seat, err := f.seats.Reserve(ctx, "org_a", "a@x.com", model.RoleMember, ReserveOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SeatPending, seat.Status)
	assert.Equal(t, before+1, f.entitlement(t, "org_a").SeatsUsed)

	released, err := f.seats.Release(ctx, "org_a", "a@x.com", ReasonInvitationFailed)
	require.NoError(t, err)
	assert.Equal(t, model.SeatRevoked, released.Status)
	assert.Equal(t, before, f.entitlement(t, "org_a").SeatsUsed)
}
