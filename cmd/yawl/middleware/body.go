package middleware

import (
	"bytes"
	"io"

	"github.com/labstack/echo/v4"
)

// maxPeekBytes bounds how much of a request body the rate limiter will
// buffer to peek at the principal.
const maxPeekBytes = 64 << 10

// readAndRestore reads the request body and puts an identical reader
// back so the handler's Bind still sees it.
func readAndRestore(c echo.Context) ([]byte, error) {
	req := c.Request()
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxPeekBytes))
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return raw, nil
}
