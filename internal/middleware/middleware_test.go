package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathhhys/blue-byte-booster/internal/config"
	"github.com/mathhhys/blue-byte-booster/internal/utils"
)

const secret = "test-secret"

func newServer() *echo.Echo {
	e := echo.New()
	g := e.Group("/v1", JWTAuth(secret))
	g.GET("/whoami", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"actor": ActorID(c),
			"org":   OrgID(c),
			"role":  Role(c),
		})
	})
	g.GET("/orgs/:org/admin", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	}, RequireOrgMatch("org"), RequireRole("admin"))
	return e
}

func do(t *testing.T, e *echo.Echo, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T, key, actor, org, role string, ttl time.Duration) string {
	t.Helper()
	tok, err := utils.NewAccessToken(key, actor, org, role, ttl)
	require.NoError(t, err)
	return tok.Token
}

func TestJWTAuth(t *testing.T) {
	e := newServer()

	rec := do(t, e, "/v1/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, e, "/v1/whoami", token(t, "other", "user_1", "org_a", "admin", time.Minute))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, e, "/v1/whoami", token(t, secret, "user_1", "org_a", "admin", -time.Minute))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, e, "/v1/whoami", token(t, secret, "user_1", "org_a", "org:Admin", time.Minute))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"actor":"user_1","org":"org_a","role":"admin"}`, rec.Body.String())
}

func TestRequireOrgMatchAndRole(t *testing.T) {
	e := newServer()
	tests := []struct {
		name string
		org  string
		role string
		path string
		want int
	}{
		{"admin of org", "org_a", "admin", "/v1/orgs/org_a/admin", http.StatusNoContent},
		{"member of org", "org_a", "member", "/v1/orgs/org_a/admin", http.StatusForbidden},
		{"admin of other org", "org_b", "admin", "/v1/orgs/org_a/admin", http.StatusForbidden},
		{"personal token", "", "admin", "/v1/orgs/org_a/admin", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, e, tt.path, token(t, secret, "user_1", tt.org, tt.role, time.Minute))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestTokenBucketDisabledPassesThrough(t *testing.T) {
	e := echo.New()
	e.Use(NewTokenBucket(config.RateLimitConfig{Enabled: true}, nil))
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for i := 0; i < 3; i++ {
		rec := do(t, e, "/x", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/credits/deduct", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/credits/deduct")

	cfg := config.RateLimitConfig{Prefix: "rl"}
	assert.Equal(t, "rl:org:anon:route:POST /v1/credits/deduct", buildRateKey(cfg, c))

	c.Set(ActorKey, "user_1")
	c.Set(OrgKey, "org_a")
	assert.Equal(t, "rl:org:org_a:route:POST /v1/credits/deduct", buildRateKey(cfg, c))

	cfg.KeyStrategy = "actor"
	assert.Equal(t, "rl:actor:user_1", buildRateKey(cfg, c))
	cfg.KeyStrategy = "ip"
	assert.Equal(t, "rl:ip:10.0.0.1", buildRateKey(cfg, c))
}

func TestAsInt64(t *testing.T) {
	assert.Equal(t, int64(3), asInt64(int64(3)))
	assert.Equal(t, int64(7), asInt64("7"))
	assert.Equal(t, int64(0), asInt64(nil))
}
