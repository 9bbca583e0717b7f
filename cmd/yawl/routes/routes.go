// Package routes binds the engine's interfaces to URL space: /a for
// design time, /b for runtime clients, /e for the event stream. Scope
// requirements follow the lattice admin ⊇ designer|operator ⊇ monitor,
// with agent as a task-scoped operator tier.
package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/yawlengine/yawl/cmd/yawl/container"
	"github.com/yawlengine/yawl/cmd/yawl/handlers"
	"github.com/yawlengine/yawl/cmd/yawl/middleware"
	"github.com/yawlengine/yawl/cmd/yawl/session"
)

// Register wires every interface onto the echo instance.
func Register(e *echo.Echo, ct *container.Container) {
	registerHealth(e, ct)
	registerInterfaceA(e, ct)
	registerInterfaceB(e, ct)
	registerInterfaceE(e, ct)
}

func registerHealth(e *echo.Echo, ct *container.Container) {
	e.GET("/health", func(c echo.Context) error {
		stats := ct.Registry.Census()
		status := http.StatusOK
		if stats.Degraded {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, map[string]any{
			"service": ct.Cfg.Service.Name,
			"stats":   stats,
		})
	})
}

// registerInterfaceA mounts the design-time surface.
func registerInterfaceA(e *echo.Echo, ct *container.Container) {
	h := handlers.NewSpecHandler(ct.Registry)

	a := e.Group("/a", middleware.ResolveSession(ct.Sessions))
	a.POST("/specifications", h.Load, middleware.RequireScopes(session.ScopeDesigner))
	a.DELETE("/specifications/:id", h.Unload, middleware.RequireScopes(session.ScopeDesigner))
	a.GET("/specifications", h.List, middleware.RequireScopes(session.ScopeMonitor))
}

// registerInterfaceB mounts the runtime client surface.
func registerInterfaceB(e *echo.Echo, ct *container.Container) {
	connect := handlers.NewConnectHandler(ct.Sessions)
	cases := handlers.NewCaseHandler(ct.Registry)
	items := handlers.NewItemHandler(ct.Registry)

	// Connect sits outside the session middleware: it is how a session
	// is obtained in the first place.
	e.POST("/b/connect", connect.Connect,
		middleware.ConnectRateLimit(ct.Counter, ct.Cfg.Session.ConnectBurst))
	e.DELETE("/b/connect", connect.Disconnect)

	b := e.Group("/b", middleware.ResolveSession(ct.Sessions))

	b.POST("/cases", cases.Launch, middleware.RequireScopes(session.ScopeOperator, session.ScopeAgent))
	b.GET("/cases", cases.List, middleware.RequireScopes(session.ScopeMonitor))
	b.GET("/cases/:id", cases.Get, middleware.RequireScopes(session.ScopeMonitor))
	b.DELETE("/cases/:id", cases.Cancel, middleware.RequireScopes(session.ScopeOperator))
	b.POST("/cases/:id/suspend", cases.Suspend, middleware.RequireScopes(session.ScopeOperator))
	b.POST("/cases/:id/resume", cases.Resume, middleware.RequireScopes(session.ScopeOperator))
	b.GET("/cases/:id/data", cases.Data, middleware.RequireScopes(session.ScopeMonitor))
	b.PATCH("/cases/:id/data", cases.PatchData, middleware.RequireScopes(session.ScopeOperator))

	b.GET("/workitems", items.List, middleware.RequireScopes(session.ScopeMonitor))
	b.GET("/workitems/:id", items.Get, middleware.RequireScopes(session.ScopeMonitor))
	b.POST("/workitems/:id/checkout", items.Checkout, middleware.RequireScopes(session.ScopeOperator, session.ScopeAgent))
	b.POST("/workitems/:id/checkin", items.Checkin, middleware.RequireScopes(session.ScopeOperator, session.ScopeAgent))
	b.POST("/workitems/:id/skip", items.Skip, middleware.RequireScopes(session.ScopeOperator, session.ScopeAgent))
	b.POST("/workitems/:id/fail", items.Fail, middleware.RequireScopes(session.ScopeOperator, session.ScopeAgent))
	b.POST("/workitems/:id/suspend", items.Suspend, middleware.RequireScopes(session.ScopeOperator, session.ScopeAgent))
	b.POST("/workitems/:id/resume", items.Resume, middleware.RequireScopes(session.ScopeOperator, session.ScopeAgent))
	b.POST("/workitems/:id/instances", items.AddInstance, middleware.RequireScopes(session.ScopeOperator, session.ScopeAgent))
}

// registerInterfaceE mounts the event stream.
func registerInterfaceE(e *echo.Echo, ct *container.Container) {
	h := handlers.NewEventHandler(ct.EventLog, ct.Hub, ct.Log)

	group := e.Group("/e", middleware.ResolveSession(ct.Sessions), middleware.RequireScopes(session.ScopeMonitor))
	group.GET("/events", h.Stream)
	group.GET("/ws", h.StreamWS)
}
