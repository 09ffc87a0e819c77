package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mathhhys/blue-byte-booster/internal/service"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrNoAvailableSeats, http.StatusPaymentRequired},
		{fmt.Errorf("deduct: %w", service.ErrInsufficientCredits), http.StatusPaymentRequired},
		{service.ErrAlreadyReserved, http.StatusConflict},
		{service.ErrEntitlementNotFound, http.StatusNotFound},
		{service.ErrSeatNotFound, http.StatusNotFound},
		{service.ErrPendingSeatNotFound, http.StatusNotFound},
		{service.ErrInvalidRole, http.StatusBadRequest},
		{errInvalidBody, http.StatusBadRequest},
		{fmt.Errorf("%w: clerk 503", service.ErrProviderCallFailed), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestValidator(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(&inviteRequest{Email: "a@x.com", Role: "admin"}))
	assert.Error(t, v.Validate(&inviteRequest{Email: "not-an-email"}))
	assert.Error(t, v.Validate(&inviteRequest{Email: "a@x.com", Role: "owner"}))

	err := v.Validate(&deductRequest{Amount: -1})
	got, _ := statusFor(err)
	assert.Equal(t, http.StatusBadRequest, got)
}
