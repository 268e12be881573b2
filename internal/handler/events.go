package handler

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"aperture-proxy/internal/events"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 512
)

// EventsHandler streams proxy events to websocket observers.
type EventsHandler struct {
	hub      *events.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventsHandler creates an EventsHandler publishing from hub.
func NewEventsHandler(hub *events.Hub, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     loopbackOrigin,
		},
		logger: logger.With("component", "events_handler"),
	}
}

// Stream upgrades the request to a websocket and pushes every event as a
// JSON text message until either side goes away. Streaming progress events
// are skipped when the query has progress=false.
func (h *EventsHandler) Stream(c echo.Context) error {
	progress := c.QueryParam("progress") != "false"

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Debug("websocket upgrade failed", "err", err, "remote_ip", c.RealIP())
		return nil
	}
	defer func() { _ = conn.Close() }()

	sub := h.hub.Subscribe(events.DefaultBuffer, progress)
	defer h.hub.Unsubscribe(sub)

	h.logger.Info("observer connected",
		"remote_ip", c.RealIP(),
		"progress", progress,
		"observers", h.hub.Len(),
	)

	gone := make(chan struct{})
	go h.readLoop(conn, gone)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				h.disconnected(sub, err)
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				h.disconnected(sub, err)
				return nil
			}
		case <-gone:
			h.disconnected(sub, nil)
			return nil
		case <-sub.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			h.disconnected(sub, nil)
			return nil
		}
	}
}

// readLoop discards client messages and keeps the read deadline alive on
// pongs. It closes gone when the peer disconnects or stops answering pings.
func (h *EventsHandler) readLoop(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventsHandler) disconnected(sub *events.Subscription, err error) {
	attrs := []any{"dropped", sub.Dropped()}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	h.logger.Info("observer disconnected", attrs...)
}

// loopbackOrigin accepts requests without an Origin header and requests from
// pages served on a loopback host.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
