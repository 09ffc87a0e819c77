package service

import (
	"errors"

	"github.com/mathhhys/blue-byte-booster/internal/repository"
)

// Business outcomes. Callers match them with errors.Is; none are retried
// internally.
var (
	// ErrNoAvailableSeats means the entitlement is at capacity.
	ErrNoAvailableSeats = errors.New("no available seats")
	// ErrAlreadyReserved means a pending or active seat exists for the email.
	ErrAlreadyReserved = errors.New("seat already reserved for this email")
	// ErrEntitlementNotFound means the organization has no entitlement, even
	// after drift repair where that applies.
	ErrEntitlementNotFound = repository.ErrEntitlementNotFound
	// ErrInsufficientCredits means a deduction would exceed the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrPendingSeatNotFound means there is no unclaimed pending seat to release.
	ErrPendingSeatNotFound = errors.New("pending seat not found")
	// ErrSeatNotFound means no active seat is bound to the member.
	ErrSeatNotFound = repository.ErrSeatNotFound
	// ErrProviderCallFailed wraps identity or billing provider failures.
	ErrProviderCallFailed = errors.New("provider call failed")
	// ErrInvalidAmount means a credit amount was not a positive integer.
	ErrInvalidAmount = errors.New("credit amount must be positive")
	// ErrInvalidSubject means a credit subject has no id or an unknown type.
	ErrInvalidSubject = errors.New("invalid credit subject")
	// ErrInvalidRole means a seat role is neither member nor admin.
	ErrInvalidRole = errors.New("invalid seat role")
	// ErrEventInFlight means another worker is applying the same event id.
	ErrEventInFlight = errors.New("billing event already in flight")
	// ErrUnresolvedOrganization means a billing event names no organization
	// that can be found locally or at the provider.
	ErrUnresolvedOrganization = errors.New("billing event has no resolvable organization")
)
