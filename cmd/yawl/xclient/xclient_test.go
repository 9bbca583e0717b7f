package xclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yawlengine/yawl/cmd/yawl/runner"
	"github.com/yawlengine/yawl/common/logger"
)

func quiet() *logger.Logger {
	return &logger.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func notice() runner.ExceptionNotice {
	return runner.ExceptionNotice{
		CaseID: "7",
		ItemID: "7:Bill:1",
		TaskID: "Bill",
		Reason: "downstream 503",
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	type seen struct {
		method, path, contentType string
		notice                    runner.ExceptionNotice
	}
	var got seen

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = seen{method: r.Method, path: r.URL.Path, contentType: r.Header.Get("Content-Type")}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got.notice))

		switch r.URL.Path {
		case "/x/failure":
			json.NewEncoder(w).Encode(map[string]string{"decision": "retry"})
		case "/x/timeout":
			json.NewEncoder(w).Encode(map[string]string{"decision": "continue"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	// Trailing slash in config must not double up in the URL.
	c := New(ts.URL+"/", time.Second, quiet())

	d := c.NotifyFailure(context.Background(), notice())
	require.Equal(t, runner.DecisionRetry, d)
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/x/failure", got.path)
	require.Equal(t, "application/json", got.contentType)
	require.Equal(t, notice(), got.notice)

	d = c.NotifyTimeout(context.Background(), notice())
	require.Equal(t, runner.DecisionContinue, d)
	require.Equal(t, "/x/timeout", got.path)
}

func TestEscalatesWithoutHandler(t *testing.T) {
	c := New("", 0, quiet())

	require.Equal(t, runner.DecisionEscalate, c.NotifyFailure(context.Background(), notice()))
	require.Equal(t, runner.DecisionEscalate, c.NotifyTimeout(context.Background(), notice()))
}

func TestEscalatesOnBadAnswers(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"handler error status", http.StatusInternalServerError, `{"decision":"retry"}`},
		{"not json", http.StatusOK, "oops"},
		{"empty body", http.StatusOK, ""},
		{"unknown verdict", http.StatusOK, `{"decision":"ignore"}`},
		{"missing field", http.StatusOK, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer ts.Close()

			c := New(ts.URL, time.Second, quiet())
			require.Equal(t, runner.DecisionEscalate, c.NotifyFailure(context.Background(), notice()))
		})
	}
}

func TestEscalatesWhenUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	c := New(url, 200*time.Millisecond, quiet())
	require.Equal(t, runner.DecisionEscalate, c.NotifyFailure(context.Background(), notice()))
}

func TestEscalatesWhenHandlerStalls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer ts.Close()

	c := New(ts.URL, 30*time.Millisecond, quiet())
	require.Equal(t, runner.DecisionEscalate, c.NotifyTimeout(context.Background(), notice()))
}

func TestForgivesVerdictCasing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"decision":" Skip "}`)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second, quiet())
	require.Equal(t, runner.DecisionSkip, c.NotifyFailure(context.Background(), notice()))
}
