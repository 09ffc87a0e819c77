package model

import (
	"strings"
	"time"
)

// SeatStatus is the lifecycle state of a seat. Pending and active seats
// consume capacity; revoked and expired seats are terminal.
type SeatStatus string

const (
	SeatPending SeatStatus = "pending"
	SeatActive  SeatStatus = "active"
	SeatRevoked SeatStatus = "revoked"
	SeatExpired SeatStatus = "expired"
)

// SeatRole is the role a member holds inside the organization.
type SeatRole string

const (
	RoleMember SeatRole = "member"
	RoleAdmin  SeatRole = "admin"
)

// Valid reports whether r is a known role.
func (r SeatRole) Valid() bool { return r == RoleMember || r == RoleAdmin }

// Seat is one unit of an organization's capacity assigned to an email
// address and, once claimed, to a member identity.
type Seat struct {
	ID              string     `json:"id"`
	OrganizationID  string     `json:"organization_id"`
	EntitlementID   string     `json:"entitlement_id"`
	MemberIdentity  string     `json:"member_identity,omitempty"`
	Email           string     `json:"email"`
	Role            SeatRole   `json:"role"`
	Status          SeatStatus `json:"status"`
	InvitationRef   string     `json:"invitation_ref,omitempty"`
	InviteExpiresAt *time.Time `json:"invite_expires_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	RevokedReason   string     `json:"revoked_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Live reports whether the seat still consumes capacity.
func (s *Seat) Live() bool { return s.Status == SeatPending || s.Status == SeatActive }

// NormalizeEmail lower-cases and trims an address so seat lookups are
// case-insensitive.
func NormalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// LiveKey is the uniqueness key held by a pending or active seat. At most
// one live seat may exist per organization and email.
func LiveKey(orgID, email string) string { return orgID + "|" + NormalizeEmail(email) }
