package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/yawlengine/yawl/cmd/yawl/registry"
)

// maxPatchBytes bounds a case-data merge patch document.
const maxPatchBytes = 1 << 20

// CaseHandler serves the case operations of Interface B.
type CaseHandler struct {
	engine *registry.Registry
}

// NewCaseHandler creates a case handler over the engine.
func NewCaseHandler(engine *registry.Registry) *CaseHandler {
	return &CaseHandler{engine: engine}
}

type launchRequest struct {
	SpecID      string            `json:"spec_id"`
	InitialData map[string]string `json:"initial_data,omitempty"`
}

// Launch starts a new case of a loaded specification.
// POST /b/cases
func (h *CaseHandler) Launch(c echo.Context) error {
	var req launchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body must be JSON with spec_id and optional initial_data")
	}
	if req.SpecID == "" {
		return badRequest(c, "spec_id is required")
	}

	caseID, err := h.engine.LaunchCase(c.Request().Context(), req.SpecID, req.InitialData)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"case_id": caseID})
}

// List snapshots every case the engine holds.
// GET /b/cases
func (h *CaseHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"cases": h.engine.Cases()})
}

// Get returns one case's status and marking summary.
// GET /b/cases/:id
func (h *CaseHandler) Get(c echo.Context) error {
	view, err := h.engine.GetCase(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// Cancel withdraws every live work item, clears the marking, and ends
// the case.
// DELETE /b/cases/:id
func (h *CaseHandler) Cancel(c echo.Context) error {
	if err := h.engine.CancelCase(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Suspend pauses a case: no firings until resume.
// POST /b/cases/:id/suspend
func (h *CaseHandler) Suspend(c echo.Context) error {
	if err := h.engine.SuspendCase(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Resume reactivates a suspended case and runs it to quiescence.
// POST /b/cases/:id/resume
func (h *CaseHandler) Resume(c echo.Context) error {
	if err := h.engine.ResumeCase(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Data returns the case's net variables.
// GET /b/cases/:id/data
func (h *CaseHandler) Data(c echo.Context) error {
	vars, err := h.engine.CaseData(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"variables": vars})
}

// PatchData applies an RFC 7386 merge patch to the case's net
// variables and re-runs the case to quiescence.
// PATCH /b/cases/:id/data
func (h *CaseHandler) PatchData(c echo.Context) error {
	patch, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPatchBytes))
	if err != nil {
		return badRequest(c, "failed to read patch body")
	}
	if len(patch) == 0 {
		return badRequest(c, "patch body is empty")
	}

	vars, err := h.engine.PatchCaseData(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"variables": vars})
}
