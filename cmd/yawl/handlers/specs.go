package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/yawlengine/yawl/cmd/yawl/registry"
)

// maxSpecBytes bounds an uploaded specification document.
const maxSpecBytes = 4 << 20

// SpecHandler serves Interface A, the design-time surface.
type SpecHandler struct {
	engine *registry.Registry
}

// NewSpecHandler creates a spec handler over the engine.
func NewSpecHandler(engine *registry.Registry) *SpecHandler {
	return &SpecHandler{engine: engine}
}

// Load parses, validates, and admits a YAWL XML specification.
// POST /a/specifications
func (h *SpecHandler) Load(c echo.Context) error {
	source, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSpecBytes+1))
	if err != nil {
		return badRequest(c, "failed to read specification body")
	}
	if len(source) == 0 {
		return badRequest(c, "specification body is empty")
	}
	if len(source) > maxSpecBytes {
		return badRequest(c, "specification exceeds the size limit")
	}

	id, err := h.engine.LoadSpecification(c.Request().Context(), source)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"identifier": id.Identifier,
		"version":    id.Version,
		"uri":        id.URI,
		"key":        id.Key(),
	})
}

// Unload removes a loaded specification. Rejected while cases are live.
// DELETE /a/specifications/:id
func (h *SpecHandler) Unload(c echo.Context) error {
	if err := h.engine.UnloadSpecification(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// List returns every loaded specification.
// GET /a/specifications
func (h *SpecHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"specifications": h.engine.Specifications(),
	})
}
