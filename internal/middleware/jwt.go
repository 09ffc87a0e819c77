// Package middleware holds the Echo middleware shared by the /v1 API:
// bearer authentication, role and organization checks, and rate limiting.
package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.
const (
	ActorKey = "actor_id"
	OrgKey   = "org_id"
	RoleKey  = "role"
)

// Claims is the token shape issued by the identity provider. Subject is the
// member identity; OrgID is the active organization, empty for personal use.
type Claims struct {
	OrgID string `json:"org_id,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth validates an HS256 Bearer token and stores the actor, organization
// and role claims in the request context.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			var claims Claims
			tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			if claims.Subject == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}

			c.Set(ActorKey, claims.Subject)
			c.Set(OrgKey, claims.OrgID)
			c.Set(RoleKey, normalizeRole(claims.Role))
			return next(c)
		}
	}
}

// normalizeRole strips the identity provider's "org:" prefix.
func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(role), "org:"))
}
