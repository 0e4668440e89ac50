package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// Keep-alive timings of the shell event stream.
const (
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams engine events to the exam shell.
type WSHandler struct {
	hub      *ws.Hub
	sessions *service.ExamSessionService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *ws.Hub, sessions *service.ExamSessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub:      hub,
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// streamConn serialises writes; gorilla connections allow one writer.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *streamConn) write(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ws.WriteTyped(s.conn, v)
}

func (s *streamConn) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.WriteTimeout))
}

// SessionEvents godoc
// WS /ws/v1/session/events
// Sends the current snapshot, then every engine event as it happens. The
// shell may report visibility changes and ping over the same connection.
func (h *WSHandler) SessionEvents(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sc := &streamConn{conn: conn}
	sub := h.hub.Subscribe()
	defer sub.Cancel()

	wsLog := h.log.With().Str("remote", c.ClientIP()).Logger()
	wsLog.Info().Msg("Shell connected")

	if err := sc.write(h.snapshotEvent()); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go h.pump(sc, sub, done, wsLog)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		data, err := ws.ReadMessage(conn, streamPongWait)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.handleAction(sc, data, wsLog)
	}
}

// pump forwards hub events and keeps the connection alive until done is
// closed or the hub shuts down.
func (h *WSHandler) pump(sc *streamConn, sub *ws.Subscription, done <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				_ = ws.CloseGracefully(sc.conn)
				return
			}
			if err := sc.write(ev); err != nil {
				log.Debug().Err(err).Msg("Event write failed")
				_ = sc.conn.Close()
				return
			}
		case <-ticker.C:
			if err := sc.ping(); err != nil {
				_ = sc.conn.Close()
				return
			}
		}
	}
}

func (h *WSHandler) handleAction(sc *streamConn, data []byte, log zerolog.Logger) {
	var env ws.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = sc.write(ws.ErrorResponse{Event: ws.EventError, Error: "invalid message"})
		return
	}

	switch env.Action {
	case ws.ActionPing:
		_ = sc.write(ws.PongResponse{Event: ws.EventPong})
	case ws.ActionVisibility:
		var req ws.VisibilityRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = sc.write(ws.ErrorResponse{Event: ws.EventError, Error: "invalid visibility payload"})
			return
		}
		ctrl, err := h.sessions.Current()
		if err == nil {
			err = ctrl.ObserveVisibility(req.Hidden)
		}
		if err != nil {
			_ = sc.write(ws.ErrorResponse{Event: ws.EventError, Error: err.Error()})
		}
	default:
		log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		_ = sc.write(ws.ErrorResponse{Event: ws.EventError, Error: "unknown action: " + string(env.Action)})
	}
}

// snapshotEvent describes the current session, or carries no data when none
// is running.
func (h *WSHandler) snapshotEvent() ws.EventEnvelope {
	ev := ws.EventEnvelope{Event: ws.EventSnapshot, Timestamp: time.Now().UTC()}
	if ctrl, err := h.sessions.Current(); err == nil {
		snap := ctrl.Snapshot()
		ev.AttemptID = snap.AttemptID
		ev.Data = snap
	}
	return ev
}
