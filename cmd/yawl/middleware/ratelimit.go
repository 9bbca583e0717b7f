package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/yawlengine/yawl/cmd/yawl/faults"
)

// connectWindow is the fixed window for connect-attempt counting.
const connectWindow = time.Minute

// Counter is a fixed-window counter. The Redis client satisfies it;
// NewMemoryCounter covers single-node deployments.
type Counter interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// MemoryCounter is an in-process fixed-window counter.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int64
	resetAt time.Time
}

// NewMemoryCounter creates an in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*window)}
}

// IncrementWindow bumps the key's counter, starting a fresh window when
// the previous one has lapsed.
func (m *MemoryCounter) IncrementWindow(_ context.Context, key string, span time.Duration) (int64, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(span)}
		m.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// ConnectRateLimit bounds connect attempts per principal per minute, so
// a misbehaving client cannot brute-force the account table. Counter
// errors fail open: availability over strictness for an auth endpoint
// that still checks credentials.
func ConnectRateLimit(counter Counter, limit int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limit <= 0 {
				return next(c)
			}

			principal := principalFrom(c)
			if principal == "" {
				return next(c)
			}

			n, err := counter.IncrementWindow(c.Request().Context(), "connect:"+principal, connectWindow)
			if err != nil {
				return next(c)
			}
			if n > int64(limit) {
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error":               "too many connect attempts",
					"kind":                faults.KindBusy.String(),
					"retry_after_seconds": int(connectWindow.Seconds()),
				})
			}
			return next(c)
		}
	}
}

// principalFrom peeks the principal out of the connect body without
// consuming it for the handler.
func principalFrom(c echo.Context) string {
	var body struct {
		Principal string `json:"principal"`
	}
	req := c.Request()
	if req.Body == nil {
		return ""
	}
	raw, err := readAndRestore(c)
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Principal
}
