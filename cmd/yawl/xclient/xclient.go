// Package xclient delivers exception notices to the configured Interface
// X handler and interprets its verdicts. Anything that prevents a usable
// verdict, an unset handler, a dead endpoint, a malformed response,
// resolves to escalation so the engine's own exception policy takes over
// instead of a case hanging on an answer that will never come.
package xclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yawlengine/yawl/cmd/yawl/runner"
	"github.com/yawlengine/yawl/common/logger"
)

// DefaultTimeout bounds one handler round trip when no timeout is
// configured.
const DefaultTimeout = 5 * time.Second

var _ runner.ExceptionClient = (*Client)(nil)

// Client posts exception notices to an external handler over HTTP.
type Client struct {
	handlerURL string
	http       *http.Client
	logg       *logger.Logger
}

// New creates an exception client for the given handler base URL. An
// empty URL disables callbacks entirely; every notice then escalates.
func New(handlerURL string, timeout time.Duration, logg *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		handlerURL: strings.TrimSuffix(handlerURL, "/"),
		http:       &http.Client{Timeout: timeout},
		logg:       logg,
	}
}

// NotifyFailure reports a failed item and returns the handler's verdict.
func (c *Client) NotifyFailure(ctx context.Context, n runner.ExceptionNotice) runner.Decision {
	return c.post(ctx, "/x/failure", n)
}

// NotifyTimeout reports an overdue item and returns the handler's
// verdict.
func (c *Client) NotifyTimeout(ctx context.Context, n runner.ExceptionNotice) runner.Decision {
	return c.post(ctx, "/x/timeout", n)
}

func (c *Client) post(ctx context.Context, path string, n runner.ExceptionNotice) runner.Decision {
	if c.handlerURL == "" {
		return runner.DecisionEscalate
	}
	url := c.handlerURL + path

	body, err := json.Marshal(n)
	if err != nil {
		c.logg.Warn("failed to encode exception notice, escalating", "workitem_id", n.ItemID, "error", err)
		return runner.DecisionEscalate
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.logg.Warn("failed to build exception request, escalating", "url", url, "error", err)
		return runner.DecisionEscalate
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logg.Warn("exception handler unreachable, escalating",
			"url", url, "workitem_id", n.ItemID, "error", err)
		return runner.DecisionEscalate
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logg.Warn("exception handler refused notice, escalating",
			"url", url, "workitem_id", n.ItemID, "status", resp.StatusCode, "body", string(snippet))
		return runner.DecisionEscalate
	}

	var verdict struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		c.logg.Warn("undecodable exception decision, escalating",
			"url", url, "workitem_id", n.ItemID, "error", err)
		return runner.DecisionEscalate
	}

	d, ok := parseDecision(verdict.Decision)
	if !ok {
		c.logg.Warn("unknown exception decision, escalating",
			"url", url, "workitem_id", n.ItemID, "decision", verdict.Decision)
		return runner.DecisionEscalate
	}
	c.logg.Debug("exception decision received", "workitem_id", n.ItemID, "decision", string(d))
	return d
}

// parseDecision maps a handler's answer onto a known verdict. Case and
// surrounding space are forgiven; anything else is not a decision.
func parseDecision(s string) (runner.Decision, bool) {
	switch d := runner.Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case runner.DecisionRetry, runner.DecisionReroute, runner.DecisionEscalate,
		runner.DecisionContinue, runner.DecisionSkip, runner.DecisionFail:
		return d, true
	}
	return "", false
}
