// Package ws streams execution events to presentation clients over
// WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/stream"
	"github.com/xiaot623/gogo/internal/transport/http/httperr"
)

const backfillLimit = 500

// EventSource reads the durable event log.
type EventSource interface {
	GetEvents(ctx context.Context, executionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error)
}

// Config holds connection timing.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PollInterval bounds how late an event published by another instance,
	// or dropped from the live stream, is delivered.
	PollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Handler serves GET /v1/executions/:execution_id/stream.
type Handler struct {
	events   EventSource
	hub      *stream.Hub
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a stream handler. The hub must be running.
func NewHandler(events EventSource, hub *stream.Hub, cfg Config, logger *slog.Logger) *Handler {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		events: events,
		hub:    hub,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With("component", "ws_stream"),
	}
}

// RegisterRoutes registers the stream route.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/executions/:execution_id/stream", h.Stream)
}

// Stream replays events after ?after_seq and then follows the execution
// live until a terminal lifecycle event is sent or the client goes away.
// Every event is delivered once, in seq order.
func (h *Handler) Stream(c echo.Context) error {
	executionID := c.Param("execution_id")
	var afterSeq int64
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return httperr.BadRequest(c, "after_seq must be a non-negative integer")
		}
		afterSeq = n
	}

	// Fail before upgrading when the execution does not exist.
	if _, err := h.events.GetEvents(c.Request().Context(), executionID, afterSeq, nil, 1); err != nil {
		return httperr.JSON(c, err)
	}

	sub := h.hub.NewSubscriber(executionID)
	h.hub.Register(sub)
	defer h.hub.Unregister(sub)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "execution_id", executionID, "error", err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.readPump(conn, cancel)

	s := &session{h: h, conn: conn, executionID: executionID, lastSeq: afterSeq}
	if done := s.catchUp(ctx); done {
		s.close(websocket.CloseNormalClosure, "execution finished")
		return nil
	}

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	poll := time.NewTicker(h.cfg.PollInterval)
	defer poll.Stop()
	live := sub.Send

	for {
		select {
		case <-ctx.Done():
			return nil

		case data, ok := <-live:
			if !ok {
				// Dropped by the hub for falling behind; polling continues.
				live = nil
				continue
			}
			var evt domain.Event
			if err := json.Unmarshal(data, &evt); err != nil {
				continue
			}
			if evt.Seq <= s.lastSeq {
				continue
			}
			if evt.Seq != s.lastSeq+1 {
				// A gap means events reached the log without reaching us.
				if done := s.catchUp(ctx); done {
					s.close(websocket.CloseNormalClosure, "execution finished")
					return nil
				}
				continue
			}
			if done, err := s.send(&evt); err != nil || done {
				if done {
					s.close(websocket.CloseNormalClosure, "execution finished")
				}
				return nil
			}

		case <-poll.C:
			if done := s.catchUp(ctx); done {
				s.close(websocket.CloseNormalClosure, "execution finished")
				return nil
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// readPump drains control frames and cancels the session when the client
// disconnects.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

type session struct {
	h           *Handler
	conn        *websocket.Conn
	executionID string
	lastSeq     int64
}

// catchUp sends everything in the log after lastSeq. It reports whether the
// session should end: a terminal event went out or the write failed.
func (s *session) catchUp(ctx context.Context) bool {
	for {
		events, err := s.h.events.GetEvents(ctx, s.executionID, s.lastSeq, nil, backfillLimit)
		if err != nil {
			s.h.logger.Warn("failed to read events", "execution_id", s.executionID, "error", err)
			return false
		}
		for i := range events {
			if done, err := s.send(&events[i]); err != nil || done {
				return true
			}
		}
		if len(events) < backfillLimit {
			return false
		}
	}
}

func (s *session) send(evt *domain.Event) (bool, error) {
	if evt.Seq <= s.lastSeq {
		return false, nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteTimeout))
	if err := s.conn.WriteJSON(evt); err != nil {
		return false, err
	}
	s.lastSeq = evt.Seq
	return terminal(evt.Type), nil
}

func (s *session) close(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.h.cfg.WriteTimeout))
}

func terminal(t domain.EventType) bool {
	switch t {
	case domain.EventTypeExecutionCompleted,
		domain.EventTypeExecutionFailed,
		domain.EventTypeExecutionTimedOut,
		domain.EventTypeExecutionCancelled:
		return true
	}
	return false
}
