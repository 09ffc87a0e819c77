package middleware

// Accessors for the identity JWTAuth stores in the context. Each returns an
// empty string when the request is unauthenticated.

import "github.com/labstack/echo/v4"

// ActorID is the authenticated member identity.
func ActorID(c echo.Context) string { return str(c, ActorKey) }

// OrgID is the organization the token was issued for.
func OrgID(c echo.Context) string { return str(c, OrgKey) }

// Role is the normalized role claim.
func Role(c echo.Context) string { return str(c, RoleKey) }

func str(c echo.Context, key string) string {
	if s, ok := c.Get(key).(string); ok {
		return s
	}
	return ""
}
