package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mathhhys/blue-byte-booster/internal/service"
)

// EntitlementHandler serves an organization's entitlement and its repair.
type EntitlementHandler struct {
	Seats    *service.SeatService
	Resyncer *service.Resyncer
}

// NewEntitlementHandler panics when a dependency is nil.
func NewEntitlementHandler(seats *service.SeatService, resyncer *service.Resyncer) *EntitlementHandler {
	if seats == nil || resyncer == nil {
		panic("nil service passed to NewEntitlementHandler")
	}
	return &EntitlementHandler{Seats: seats, Resyncer: resyncer}
}

type entitlementView struct {
	Entitlement      any   `json:"entitlement"`
	AvailableSeats   int   `json:"available_seats"`
	RemainingCredits int64 `json:"remaining_credits"`
}

// Get handles GET /v1/orgs/:org/entitlement. A missing entitlement is
// repaired from the billing provider before 404 is returned.
func (h *EntitlementHandler) Get(c echo.Context) error {
	e, err := h.Seats.Entitlement(c.Request().Context(), c.Param("org"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, entitlementView{
		Entitlement:      e,
		AvailableSeats:   e.AvailableSeats(),
		RemainingCredits: e.RemainingCredits(),
	})
}

// Resync handles POST /v1/orgs/:org/resync. It overwrites subscription
// fields with the provider's state and leaves seats and credits alone.
func (h *EntitlementHandler) Resync(c echo.Context) error {
	e, err := h.Resyncer.Repair(c.Request().Context(), c.Param("org"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, entitlementView{
		Entitlement:      e,
		AvailableSeats:   e.AvailableSeats(),
		RemainingCredits: e.RemainingCredits(),
	})
}
