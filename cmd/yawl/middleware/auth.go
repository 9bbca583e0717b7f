// Package middleware carries the echo middleware in front of the
// engine's interfaces: session resolution, scope checks, and the
// connect rate limit.
package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/cmd/yawl/session"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// SessionKey is the context key holding the resolved session.
	SessionKey ContextKey = "yawl_session"
)

// handleFrom digs the session handle out of a request. Bearer tokens
// come first; the header and query fallbacks exist for EventSource and
// websocket clients that cannot set an Authorization header.
func handleFrom(c echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if h := c.Request().Header.Get("X-Session-Handle"); h != "" {
		return h
	}
	return c.QueryParam("session")
}

// ResolveSession authenticates every request on the group: the handle is
// resolved through the session manager (sliding its TTL forward) and the
// session is stored in the request context for handlers and scope checks.
func ResolveSession(mgr *session.Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess, err := mgr.Resolve(c.Request().Context(), handleFrom(c))
			if err != nil {
				return c.JSON(faults.HTTPStatus(err), map[string]any{
					"error": err.Error(),
					"kind":  faults.KindOf(err).String(),
				})
			}
			c.Set(string(SessionKey), sess)
			return next(c)
		}
	}
}

// RequireScopes rejects sessions that hold none of the listed scopes.
// Admin passes everywhere; monitor-level requirements admit every
// authenticated session per the scope lattice.
func RequireScopes(scopes ...session.Scope) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess := GetSession(c)
			if sess == nil {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": "authentication required",
					"kind":  faults.KindAuth.String(),
				})
			}
			if !sess.Allows(scopes...) {
				return c.JSON(http.StatusForbidden, map[string]any{
					"error": "insufficient scope",
					"kind":  faults.KindForbidden.String(),
				})
			}
			return next(c)
		}
	}
}

// GetSession retrieves the resolved session from the request context.
// Returns nil outside ResolveSession-wrapped routes.
func GetSession(c echo.Context) *session.Session {
	sess := c.Get(string(SessionKey))
	if sess == nil {
		return nil
	}
	return sess.(*session.Session)
}
