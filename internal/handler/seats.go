package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mathhhys/blue-byte-booster/internal/middleware"
	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/service"
)

// SeatHandler exposes the seat protocol of one organization. Routes are
// mounted under /v1/orgs/:org and assume JWTAuth and RequireOrgMatch ran.
type SeatHandler struct {
	Seats   *service.SeatService
	Invites *service.InvitationService
}

// NewSeatHandler panics when a dependency is nil.
func NewSeatHandler(seats *service.SeatService, invites *service.InvitationService) *SeatHandler {
	if seats == nil || invites == nil {
		panic("nil service passed to NewSeatHandler")
	}
	return &SeatHandler{Seats: seats, Invites: invites}
}

type inviteRequest struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"omitempty,oneof=member admin"`
}

type claimRequest struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"omitempty,oneof=member admin"`
}

type releaseRequest struct {
	Email  string `query:"email" validate:"required,email"`
	Reason string `query:"reason" validate:"max=255"`
}

type revokeRequest struct {
	Member string `param:"member" validate:"required"`
	Reason string `query:"reason" validate:"max=255"`
}

// List handles GET /v1/orgs/:org/seats.
func (h *SeatHandler) List(c echo.Context) error {
	seats, err := h.Seats.List(c.Request().Context(), c.Param("org"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"seats": seats})
}

// Invite handles POST /v1/orgs/:org/invitations. A 201 means the seat is
// reserved and the invitation was delivered; a 200 means an existing
// pending seat was invited again.
func (h *SeatHandler) Invite(c echo.Context) error {
	var req inviteRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	res, err := h.Invites.Invite(c.Request().Context(), c.Param("org"), req.Email, model.SeatRole(req.Role))
	if err != nil {
		return fail(c, err)
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

// Claim handles POST /v1/orgs/:org/seats/claim. The caller's identity is
// bound to the seat reserved for the email, or to a new seat when none was
// reserved.
func (h *SeatHandler) Claim(c echo.Context) error {
	var req claimRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	seat, err := h.Seats.Claim(c.Request().Context(), c.Param("org"), middleware.ActorID(c), req.Email, model.SeatRole(req.Role))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, seat)
}

// Release handles DELETE /v1/orgs/:org/seats/pending?email=.
func (h *SeatHandler) Release(c echo.Context) error {
	var req releaseRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	reason := req.Reason
	if reason == "" {
		reason = "invitation revoked"
	}
	seat, err := h.Seats.Release(c.Request().Context(), c.Param("org"), req.Email, reason)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, seat)
}

// Revoke handles DELETE /v1/orgs/:org/members/:member.
func (h *SeatHandler) Revoke(c echo.Context) error {
	var req revokeRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	reason := req.Reason
	if reason == "" {
		reason = "member removed"
	}
	seat, err := h.Seats.Revoke(c.Request().Context(), c.Param("org"), req.Member, reason)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, seat)
}
