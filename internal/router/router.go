// Package router registers the HTTP routes of the service.
package router

import (
	"database/sql"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mathhhys/blue-byte-booster/internal/config"
	"github.com/mathhhys/blue-byte-booster/internal/handler"
	"github.com/mathhhys/blue-byte-booster/internal/middleware"
)

// Handlers bundles everything the routes dispatch to.
type Handlers struct {
	Seats       *handler.SeatHandler
	Entitlement *handler.EntitlementHandler
	Credits     *handler.CreditHandler
	Webhook     *handler.WebhookHandler
}

// Options configures authentication and rate limiting of the /v1 API.
type Options struct {
	JWTSecret string
	RateLimit config.RateLimitConfig
	Redis     *redis.Client
}

// RegisterRoutes registers the unauthenticated endpoints: probes, metrics
// and the billing provider webhook.
func RegisterRoutes(e *echo.Echo, db *sql.DB, webhook *handler.WebhookHandler) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(db))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if webhook != nil {
		e.POST("/webhooks/stripe", webhook.Stripe)
	}
}

// RegisterAPI registers the authenticated /v1 API. Organization routes
// require the token's org_id to match :org; mutations of other members'
// seats and manual grants also require the admin role.
func RegisterAPI(e *echo.Echo, h Handlers, opts Options) {
	v1 := e.Group("/v1")
	v1.Use(middleware.JWTAuth(opts.JWTSecret))
	v1.Use(middleware.NewTokenBucket(opts.RateLimit, opts.Redis))

	credits := v1.Group("/credits")
	credits.GET("/balance", h.Credits.Balance)
	credits.GET("/history", h.Credits.History)
	credits.POST("/deduct", h.Credits.Deduct)

	org := v1.Group("/orgs/:org", middleware.RequireOrgMatch("org"))
	org.GET("/entitlement", h.Entitlement.Get)
	org.POST("/seats/claim", h.Seats.Claim)

	admin := org.Group("", middleware.RequireRole("admin"))
	admin.GET("/seats", h.Seats.List)
	admin.POST("/invitations", h.Seats.Invite)
	admin.DELETE("/seats/pending", h.Seats.Release)
	admin.DELETE("/members/:member", h.Seats.Revoke)
	admin.POST("/resync", h.Entitlement.Resync)
	admin.POST("/credits/grant", h.Credits.Grant)
	admin.GET("/credits/verify", h.Credits.Verify)
}

// NewEcho returns an Echo instance with the request validator, recovery and
// request logging installed.
func NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = jsonErrorHandler
	return e
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if s, ok := he.Message.(string); ok {
			msg = s
		} else {
			msg = http.StatusText(code)
		}
	}
	_ = c.JSON(code, echo.Map{"error": msg})
}
