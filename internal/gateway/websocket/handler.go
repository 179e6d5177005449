package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/session"
)

// command is one inbound client frame.
type command struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Config    *session.Config `json:"config,omitempty"`
}

// Handler serves the /agent/ws streaming endpoint.
type Handler struct {
	service  *session.Service
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket gateway handler.
func NewHandler(service *session.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "ws-gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the WebSocket route.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/agent/ws", h.serve)
}

func (h *Handler) serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: h.logger,
	}
	go cl.writePump()
	h.readPump(cl)
}

func (h *Handler) readPump(cl *client) {
	defer func() {
		cl.teardown()
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.Background()
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws read error", zap.Error(err))
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			cl.enqueue(gin.H{"type": "error", "detail": "invalid frame: " + err.Error()})
			continue
		}

		switch cmd.Type {
		case "new_session":
			h.newSession(ctx, cl, cmd)
		case "resume_session":
			h.resumeSession(ctx, cl, cmd)
		case "update_config":
			h.updateConfig(cl, cmd)
		case "query":
			h.query(ctx, cl, cmd)
		case "ping":
			cl.enqueue(gin.H{"type": "pong"})
		case "close":
			h.closeSession(ctx, cl)
			return
		default:
			cl.enqueue(gin.H{"type": "error", "detail": "unknown frame type: " + cmd.Type})
		}
	}
}

func (h *Handler) newSession(ctx context.Context, cl *client, cmd command) {
	var cfg session.Config
	if cmd.Config != nil {
		cfg = *cmd.Config
	}
	sess, err := h.service.CreateSession(ctx, cfg)
	if err != nil {
		cl.enqueue(gin.H{"type": "error", "detail": err.Error()})
		return
	}
	if !h.attach(cl, sess.ID) {
		return
	}
	cl.enqueue(gin.H{"type": "session_ready", "session_id": sess.ID})
}

func (h *Handler) resumeSession(ctx context.Context, cl *client, cmd command) {
	if cmd.SessionID == "" {
		cl.enqueue(gin.H{"type": "error", "detail": "session_id is required"})
		return
	}
	ok, err := h.service.ResumeSession(ctx, cmd.SessionID)
	if err != nil {
		cl.enqueue(gin.H{"type": "error", "detail": err.Error()})
		return
	}
	if !ok {
		cl.enqueue(gin.H{"type": "error", "detail": "session cannot be resumed"})
		return
	}
	if !h.attach(cl, cmd.SessionID) {
		return
	}
	cl.enqueue(gin.H{"type": "session_ready", "session_id": cmd.SessionID})
}

// attach subscribes the client to a session's event stream: the replay
// prefix first, then live events with their original sequence numbers.
func (h *Handler) attach(cl *client, sessionID string) bool {
	replay, live, cancel, err := h.service.Subscribe(sessionID)
	if err != nil {
		cl.enqueue(gin.H{"type": "error", "detail": err.Error()})
		return false
	}
	cl.bindSession(sessionID, cancel)

	go func() {
		for i := range replay {
			cl.enqueue(&replay[i])
		}
		for ev := range live {
			cl.enqueue(&ev)
		}
	}()
	return true
}

func (h *Handler) updateConfig(cl *client, cmd command) {
	sessionID := cl.boundSession()
	if sessionID == "" {
		cl.enqueue(gin.H{"type": "error", "detail": "no session bound"})
		return
	}
	var cfg session.Config
	if cmd.Config != nil {
		cfg = *cmd.Config
	}
	if err := h.service.UpdateConfig(sessionID, cfg); err != nil {
		cl.enqueue(gin.H{"type": "error", "detail": err.Error()})
		return
	}
	cl.enqueue(gin.H{"type": "config_updated", "session_id": sessionID})
}

func (h *Handler) query(ctx context.Context, cl *client, cmd command) {
	sessionID := cl.boundSession()
	if sessionID == "" {
		cl.enqueue(gin.H{"type": "error", "detail": "no session bound"})
		return
	}
	if cmd.Prompt == "" {
		cl.enqueue(gin.H{"type": "error", "detail": "prompt is required"})
		return
	}

	events, err := h.service.Query(ctx, sessionID, cmd.Prompt)
	if err != nil {
		cl.enqueue(gin.H{"type": "error", "detail": err.Error()})
		return
	}
	// The subscription delivers these events to the client; this
	// channel only has to be drained.
	go func() {
		for range events {
		}
	}()
}

func (h *Handler) closeSession(ctx context.Context, cl *client) {
	sessionID := cl.boundSession()
	if sessionID == "" {
		return
	}
	if err := h.service.CloseSession(ctx, sessionID); err != nil {
		h.logger.Warn("ws close session failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
