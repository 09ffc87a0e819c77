package handler

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/mathhhys/blue-byte-booster/internal/billing"
	"github.com/mathhhys/blue-byte-booster/internal/service"
)

// statusFor maps a service outcome to its HTTP status and public message.
func statusFor(err error) (int, string) {
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, service.ErrNoAvailableSeats):
		return http.StatusPaymentRequired, "no available seats"
	case errors.Is(err, service.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, service.ErrAlreadyReserved):
		return http.StatusConflict, "seat already reserved for this email"
	case errors.Is(err, service.ErrEventInFlight):
		return http.StatusConflict, "event already in flight"
	case errors.Is(err, service.ErrEntitlementNotFound):
		return http.StatusNotFound, "entitlement not found"
	case errors.Is(err, service.ErrSeatNotFound):
		return http.StatusNotFound, "seat not found"
	case errors.Is(err, service.ErrPendingSeatNotFound):
		return http.StatusNotFound, "pending seat not found"
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidSubject),
		errors.Is(err, service.ErrInvalidRole),
		errors.Is(err, billing.ErrMalformedEvent):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrProviderCallFailed):
		return http.StatusBadGateway, "upstream provider failed"
	}
	return http.StatusInternalServerError, "internal error"
}

// fail writes the JSON error for err. Unexpected errors are logged; business
// outcomes are not.
func fail(c echo.Context, err error) error {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("method", c.Request().Method).Str("path", c.Path()).Msg("request failed")
	}
	return c.JSON(status, echo.Map{"error": msg})
}

var errInvalidBody = errors.New("invalid body")

// bind decodes and validates the request into dst.
func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return errInvalidBody
	}
	return c.Validate(dst)
}
