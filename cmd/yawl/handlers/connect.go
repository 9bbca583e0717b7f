package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/yawlengine/yawl/cmd/yawl/session"
)

// ConnectHandler fronts the session manager for Interface B.
type ConnectHandler struct {
	sessions *session.Manager
}

// NewConnectHandler creates a connect handler.
func NewConnectHandler(sessions *session.Manager) *ConnectHandler {
	return &ConnectHandler{sessions: sessions}
}

type connectRequest struct {
	Principal string `json:"principal"`
	Password  string `json:"password"`
}

// Connect authenticates a principal and mints a session handle.
// POST /b/connect
func (h *ConnectHandler) Connect(c echo.Context) error {
	var req connectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body must be JSON with principal and password")
	}
	if req.Principal == "" || req.Password == "" {
		return badRequest(c, "principal and password are required")
	}

	sess, err := h.sessions.Connect(c.Request().Context(), req.Principal, req.Password)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// Disconnect invalidates the caller's session handle.
// DELETE /b/connect
func (h *ConnectHandler) Disconnect(c echo.Context) error {
	handle := c.QueryParam("session")
	if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		handle = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if handle == "" {
		return badRequest(c, "session handle is required")
	}
	if err := h.sessions.Disconnect(c.Request().Context(), handle); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
