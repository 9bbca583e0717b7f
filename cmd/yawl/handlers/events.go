package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/yawlengine/yawl/cmd/yawl/announce"
	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/common/logger"
)

const (
	// heartbeatPeriod keeps idle SSE connections alive through proxies.
	heartbeatPeriod = 15 * time.Second

	// Websocket keepalive. Pings must outpace the pong deadline.
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventHandler serves Interface E: the event stream over SSE and
// websocket. Both transports share the same contract: backfill from the
// log starting at from-sequence, then live delivery from the hub,
// deduplicated by sequence number.
type EventHandler struct {
	log  eventlog.Log
	hub  *announce.Hub
	logg *logger.Logger
}

// NewEventHandler creates an event handler over the log and hub.
func NewEventHandler(log eventlog.Log, hub *announce.Hub, logg *logger.Logger) *EventHandler {
	return &EventHandler{log: log, hub: hub, logg: logg}
}

// filterFrom builds a subscription filter from query parameters.
func filterFrom(c echo.Context) announce.Filter {
	f := announce.Filter{
		CaseID: c.QueryParam("case-id"),
		SpecID: c.QueryParam("spec-id"),
	}
	if raw := c.QueryParam("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, eventlog.Type(t))
			}
		}
	}
	return f
}

// fromSequence parses the resume point; zero means from the beginning.
func fromSequence(c echo.Context) (int64, error) {
	raw := c.QueryParam("from-sequence")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("from-sequence must be a non-negative integer")
	}
	return n, nil
}

// matchesFilter re-applies the subscription filter to backfilled events,
// which bypass the hub.
func matchesFilter(f announce.Filter, e eventlog.Event) bool {
	if f.CaseID != "" && e.CaseID != f.CaseID && !strings.HasPrefix(e.CaseID, f.CaseID+".") {
		return false
	}
	if f.SpecID != "" && e.SpecID != f.SpecID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Stream serves the event stream as server-sent events.
// GET /e/events?case-id=&spec-id=&types=&from-sequence=N
func (h *EventHandler) Stream(c echo.Context) error {
	fromSeq, err := fromSequence(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	filter := filterFrom(c)

	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	// Subscribe before backfilling so no event falls between the log
	// read and live delivery. Overlap is deduplicated by sequence.
	sub := h.hub.Subscribe(filter)
	defer h.hub.Unsubscribe(sub.ID)

	lastSeq := fromSeq - 1
	ctx := c.Request().Context()
	err = h.log.Replay(ctx, fromSeq, func(e eventlog.Event) error {
		if !matchesFilter(filter, e) {
			return nil
		}
		if err := writeSSE(res, e); err != nil {
			return err
		}
		lastSeq = e.Sequence
		return nil
	})
	if err != nil {
		return nil
	}
	res.Flush()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case e := <-sub.Events():
			if e.Sequence <= lastSeq {
				continue
			}
			if err := writeSSE(res, e); err != nil {
				return nil
			}
			lastSeq = e.Sequence
			res.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case <-sub.Done():
			// Dropped for falling behind; the client reconnects and
			// resumes from its last sequence.
			fmt.Fprint(res, "event: dropped\ndata: {\"reason\":\"subscriber backlog exceeded\"}\n\n")
			res.Flush()
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func writeSSE(res *echo.Response, e eventlog.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(res, "id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Type, data)
	return err
}

// StreamWS serves the same event contract over a websocket. Each event
// is one text frame of JSON; the client sends nothing but pongs.
// GET /e/ws?case-id=&spec-id=&types=&from-sequence=N
func (h *EventHandler) StreamWS(c echo.Context) error {
	fromSeq, err := fromSequence(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	filter := filterFrom(c)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logg.Warn("websocket upgrade failed", "error", err)
		return nil
	}

	sub := h.hub.Subscribe(filter)
	closed := make(chan struct{})

	// Read pump: the peer only pongs, but reading is what detects a
	// gone client.
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.hub.Unsubscribe(sub.ID)
		conn.Close()
	}()

	writeEvent := func(e eventlog.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	lastSeq := fromSeq - 1
	ctx := c.Request().Context()
	err = h.log.Replay(ctx, fromSeq, func(e eventlog.Event) error {
		if !matchesFilter(filter, e) {
			return nil
		}
		if err := writeEvent(e); err != nil {
			return err
		}
		lastSeq = e.Sequence
		return nil
	})
	if err != nil {
		return nil
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case e := <-sub.Events():
			if e.Sequence <= lastSeq {
				continue
			}
			if err := writeEvent(e); err != nil {
				return nil
			}
			lastSeq = e.Sequence
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-sub.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber backlog exceeded"))
			return nil
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
