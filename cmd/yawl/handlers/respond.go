// Package handlers carries the echo handlers for interfaces A, B, and
// E. Handlers are thin adapters: they parse the request, call into the
// registry or session manager, and serialise the answer. No business
// logic lives here.
package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/yawlengine/yawl/cmd/yawl/faults"
)

// fail writes an engine error as a JSON response using the fault's HTTP
// mapping. Validation faults carry their diagnostics list.
func fail(c echo.Context, err error) error {
	body := map[string]any{
		"error": err.Error(),
		"kind":  faults.KindOf(err).String(),
	}
	if diags := faults.DiagnosticsOf(err); len(diags) > 0 {
		body["diagnostics"] = diags
	}
	return c.JSON(faults.HTTPStatus(err), body)
}

// badRequest reports a malformed payload without touching engine state.
func badRequest(c echo.Context, msg string) error {
	return fail(c, faults.New(faults.KindValidation, msg))
}
