package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/cmd/yawl/middleware"
	"github.com/yawlengine/yawl/cmd/yawl/registry"
	"github.com/yawlengine/yawl/cmd/yawl/session"
	"github.com/yawlengine/yawl/cmd/yawl/workitem"
)

// ItemHandler serves the work-item operations of Interface B.
type ItemHandler struct {
	engine *registry.Registry
}

// NewItemHandler creates a work-item handler over the engine.
func NewItemHandler(engine *registry.Registry) *ItemHandler {
	return &ItemHandler{engine: engine}
}

// itemOp is one engine work-item operation keyed by item and principal.
type itemOp func(ctx context.Context, itemID, principal string) (workitem.Summary, error)

// agentOnly reports whether the session acts under the agent scope
// without the broader operator tier.
func (h *ItemHandler) agentOnly(sess *session.Session) bool {
	return sess.Allows(session.ScopeAgent) && !sess.Allows(session.ScopeOperator)
}

// checkTaskScope rejects agent sessions acting on tasks outside their
// assignment. Operator and admin sessions pass.
func (h *ItemHandler) checkTaskScope(c echo.Context, item workitem.Summary) error {
	sess := middleware.GetSession(c)
	if sess == nil {
		return faults.New(faults.KindAuth, "authentication required")
	}
	if !sess.CanWorkOn(item.TaskName) {
		return faults.Errorf(faults.KindForbidden, "agent %s is not assigned to task %s", sess.Principal, item.TaskName)
	}
	return nil
}

// act resolves the item, enforces agent task scoping, and applies the
// operation under the caller's principal.
func (h *ItemHandler) act(c echo.Context, op itemOp) error {
	sess := middleware.GetSession(c)
	if sess == nil {
		return fail(c, faults.New(faults.KindAuth, "authentication required"))
	}

	itemID := c.Param("id")
	item, err := h.engine.WorkItem(itemID)
	if err != nil {
		return fail(c, err)
	}
	if !sess.CanWorkOn(item.TaskName) {
		return fail(c, faults.Errorf(faults.KindForbidden, "agent %s is not assigned to task %s", sess.Principal, item.TaskName))
	}

	item, err = op(c.Request().Context(), itemID, sess.Principal)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

// List returns active work items, filterable by case-id, task-id,
// status, and owner. Agent sessions see only their assigned task names.
// GET /b/workitems
func (h *ItemHandler) List(c echo.Context) error {
	f := workitem.Filter{
		CaseID: c.QueryParam("case-id"),
		TaskID: c.QueryParam("task-id"),
		Status: workitem.Status(c.QueryParam("status")),
		Owner:  c.QueryParam("owner"),
	}
	if sess := middleware.GetSession(c); sess != nil && h.agentOnly(sess) {
		f.TaskNames = sess.TaskNames
	}
	return c.JSON(http.StatusOK, map[string]any{"workitems": h.engine.WorkItems(f)})
}

// Get returns one work item.
// GET /b/workitems/:id
func (h *ItemHandler) Get(c echo.Context) error {
	item, err := h.engine.WorkItem(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	if err := h.checkTaskScope(c, item); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

// Checkout claims an enabled work item for the caller's principal and
// starts it. A conflict is returned if another owner holds it.
// POST /b/workitems/:id/checkout
func (h *ItemHandler) Checkout(c echo.Context) error {
	return h.act(c, h.engine.Checkout)
}

type checkinRequest struct {
	OutputData string `json:"output_data,omitempty"`
}

// Checkin completes a started work item with its output document and
// runs the case onward.
// POST /b/workitems/:id/checkin
func (h *ItemHandler) Checkin(c echo.Context) error {
	var req checkinRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body must be JSON with optional output_data")
	}
	return h.act(c, func(ctx context.Context, itemID, principal string) (workitem.Summary, error) {
		return h.engine.Checkin(ctx, itemID, principal, []byte(req.OutputData))
	})
}

// Skip bypasses a work item. Rejected unless the task is skippable.
// POST /b/workitems/:id/skip
func (h *ItemHandler) Skip(c echo.Context) error {
	return h.act(c, h.engine.SkipItem)
}

type failRequest struct {
	Reason string `json:"reason"`
}

// Fail reports a work item as failed and consults the exception
// handler for the verdict.
// POST /b/workitems/:id/fail
func (h *ItemHandler) Fail(c echo.Context) error {
	var req failRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body must be JSON with a reason")
	}
	if req.Reason == "" {
		return badRequest(c, "reason is required")
	}
	return h.act(c, func(ctx context.Context, itemID, principal string) (workitem.Summary, error) {
		return h.engine.FailItem(ctx, itemID, principal, req.Reason)
	})
}

// Suspend pauses a started work item.
// POST /b/workitems/:id/suspend
func (h *ItemHandler) Suspend(c echo.Context) error {
	return h.act(c, h.engine.SuspendWorkItem)
}

// Resume restarts a suspended work item.
// POST /b/workitems/:id/resume
func (h *ItemHandler) Resume(c echo.Context) error {
	return h.act(c, h.engine.ResumeWorkItem)
}

type addInstanceRequest struct {
	ItemData string `json:"item_data,omitempty"`
}

// AddInstance mints another instance of a dynamic multi-instance task,
// bounded by the task's maximum.
// POST /b/workitems/:id/instances
func (h *ItemHandler) AddInstance(c echo.Context) error {
	var req addInstanceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body must be JSON with optional item_data")
	}
	return h.act(c, func(ctx context.Context, itemID, principal string) (workitem.Summary, error) {
		return h.engine.AddInstance(ctx, itemID, principal, req.ItemData)
	})
}
