package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathhhys/blue-byte-booster/internal/config"
	"github.com/mathhhys/blue-byte-booster/internal/database/databasetest"
	"github.com/mathhhys/blue-byte-booster/internal/handler"
	"github.com/mathhhys/blue-byte-booster/internal/identity"
	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/repository"
	"github.com/mathhhys/blue-byte-booster/internal/service"
	"github.com/mathhhys/blue-byte-booster/internal/utils"
)

const secret = "router-secret"

type okInviter struct{}

func (okInviter) CreateInvitation(_ context.Context, _, email, _ string) (*identity.Invitation, error) {
	return &identity.Invitation{ID: "inv_" + email, Status: "pending"}, nil
}

type api struct {
	e      *echo.Echo
	ledger *service.Ledger
}

func newAPI(t *testing.T) *api {
	t.Helper()
	db := databasetest.New(t)
	ents := repository.NewEntitlementRepo(db)
	seatRepo := repository.NewSeatRepo(db)
	credits := repository.NewCreditRepo(db)
	customers := repository.NewBillingCustomerRepo(db)

	ledger := service.NewLedger(db, ents, credits, seatRepo)
	resync := service.NewResyncer(db, ents, customers, nil, time.Second)
	seats := service.NewSeatService(db, ents, seatRepo, resync, time.Hour)
	invites := service.NewInvitationService(seats, seatRepo, okInviter{}, time.Second)

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, ents.CreateTx(ctx, tx, &model.Entitlement{
		OrganizationID:   "org_a",
		PlanType:         "teams",
		BillingFrequency: model.Monthly,
		SeatsTotal:       2,
		Status:           model.StatusActive,
	}))
	require.NoError(t, tx.Commit())

	e := NewEcho()
	RegisterRoutes(e, db, nil)
	RegisterAPI(e, Handlers{
		Seats:       handler.NewSeatHandler(seats, invites),
		Entitlement: handler.NewEntitlementHandler(seats, resync),
		Credits:     handler.NewCreditHandler(ledger),
	}, Options{JWTSecret: secret, RateLimit: config.RateLimitConfig{Enabled: false}})
	return &api{e: e, ledger: ledger}
}

func (a *api) call(t *testing.T, method, path, actor, org, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if actor != "" {
		tok, err := utils.NewAccessToken(secret, actor, org, role, time.Minute)
		require.NoError(t, err)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok.Token)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func TestProbes(t *testing.T) {
	a := newAPI(t)
	assert.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/healthz", "", "", "", nil).Code)
	assert.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/readyz", "", "", "", nil).Code)
	assert.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/metrics", "", "", "", nil).Code)
}

func TestSeatLifecycleOverHTTP(t *testing.T) {
	a := newAPI(t)

	rec := a.call(t, http.MethodPost, "/v1/orgs/org_a/invitations", "admin_1", "org_a", "admin",
		map[string]string{"email": "a@x.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.call(t, http.MethodPost, "/v1/orgs/org_a/invitations", "member_1", "org_a", "member",
		map[string]string{"email": "b@x.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.call(t, http.MethodPost, "/v1/orgs/org_a/invitations", "admin_1", "org_a", "admin",
		map[string]string{"email": "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.call(t, http.MethodPost, "/v1/orgs/org_a/seats/claim", "user_a", "org_a", "member",
		map[string]string{"email": "a@x.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var seat model.Seat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &seat))
	assert.Equal(t, model.SeatActive, seat.Status)
	assert.Equal(t, "user_a", seat.MemberIdentity)

	rec = a.call(t, http.MethodPost, "/v1/orgs/org_a/invitations", "admin_1", "org_a", "admin",
		map[string]string{"email": "c@x.com"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = a.call(t, http.MethodPost, "/v1/orgs/org_a/invitations", "admin_1", "org_a", "admin",
		map[string]string{"email": "d@x.com"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = a.call(t, http.MethodDelete, "/v1/orgs/org_a/seats/pending?email=c@x.com", "admin_1", "org_a", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = a.call(t, http.MethodDelete, "/v1/orgs/org_a/seats/pending?email=c@x.com", "admin_1", "org_a", "admin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.call(t, http.MethodDelete, "/v1/orgs/org_a/members/user_a", "admin_1", "org_a", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.call(t, http.MethodDelete, "/v1/orgs/org_a/members/user_a", "admin_1", "org_a", "admin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.call(t, http.MethodGet, "/v1/orgs/org_a/entitlement", "user_b", "org_a", "member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Entitlement    model.Entitlement `json:"entitlement"`
		AvailableSeats int               `json:"available_seats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 0, view.Entitlement.SeatsUsed)
	assert.Equal(t, 2, view.AvailableSeats)

	rec = a.call(t, http.MethodGet, "/v1/orgs/org_a/seats", "admin_1", "org_a", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Seats []model.Seat `json:"seats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Seats, 2)
}

func TestCrossOrganizationAccessIsForbidden(t *testing.T) {
	a := newAPI(t)
	rec := a.call(t, http.MethodGet, "/v1/orgs/org_a/entitlement", "user_b", "org_b", "admin", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.call(t, http.MethodGet, "/v1/orgs/org_a/entitlement", "", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMissingEntitlementIsNotFound(t *testing.T) {
	a := newAPI(t)
	rec := a.call(t, http.MethodGet, "/v1/orgs/org_z/entitlement", "user_z", "org_z", "admin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = a.call(t, http.MethodPost, "/v1/orgs/org_z/resync", "user_z", "org_z", "admin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreditsOverHTTP(t *testing.T) {
	a := newAPI(t)

	rec := a.call(t, http.MethodPost, "/v1/orgs/org_a/credits/grant", "admin_1", "org_a", "admin",
		map[string]any{"amount": 500, "reference_id": "promo_1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = a.call(t, http.MethodPost, "/v1/orgs/org_a/credits/grant", "admin_1", "org_a", "admin",
		map[string]any{"amount": 500, "reference_id": "promo_1"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Without a seat the caller spends their own, empty balance.
	rec = a.call(t, http.MethodPost, "/v1/credits/deduct", "user_a", "org_a", "member",
		map[string]any{"amount": 10})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = a.call(t, http.MethodPost, "/v1/orgs/org_a/seats/claim", "user_a", "org_a", "member",
		map[string]string{"email": "a@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.call(t, http.MethodPost, "/v1/credits/deduct", "user_a", "org_a", "member",
		map[string]any{"amount": 120, "reference_id": "req_1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.call(t, http.MethodPost, "/v1/credits/deduct", "user_a", "org_a", "member",
		map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.call(t, http.MethodGet, "/v1/credits/balance", "user_a", "org_a", "member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal struct {
		Subject   model.Subject `json:"subject"`
		Total     int64         `json:"total_credits"`
		Used      int64         `json:"used_credits"`
		Remaining int64         `json:"remaining_credits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, model.OrgSubject("org_a"), bal.Subject)
	assert.Equal(t, int64(500), bal.Total)
	assert.Equal(t, int64(380), bal.Remaining)

	rec = a.call(t, http.MethodGet, "/v1/credits/history?limit=10", "user_a", "org_a", "member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Transactions []model.CreditTransaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Len(t, hist.Transactions, 2)

	rec = a.call(t, http.MethodGet, "/v1/orgs/org_a/credits/verify", "admin_1", "org_a", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"consistent":true`)
}
