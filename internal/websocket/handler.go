package websocket

import (
	"context"
	"net/http"

	"podster/internal/middleware"
	"podster/internal/services"
	"podster/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// JoinAuthorizer decides whether a principal may join a session room.
type JoinAuthorizer interface {
	AuthorizeJoin(ctx context.Context, p services.Principal, sessionID uuid.UUID) error
}

type HandlerConfig struct {
	CookieName           string
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

type Handler struct {
	auth     *services.AuthService
	joiner   JoinAuthorizer
	hub      *Hub
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

func NewHandler(auth *services.AuthService, joiner JoinAuthorizer, hub *Hub, cfg HandlerConfig) *Handler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	return &Handler{
		auth:   auth,
		joiner: joiner,
		hub:    hub,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Connect authenticates the caller, upgrades the connection and serves it
// until it closes. Browsers cannot set headers on upgrades, so the token may
// also arrive as the token query parameter.
func (h *Handler) Connect(c *gin.Context) {
	p, err := h.authenticate(c)
	if err != nil {
		status, body := httpdto.ErrorBody(err)
		c.JSON(status, body)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.WithContext(c.Request.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	var limiter *rate.Limiter
	if h.cfg.MaxMessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.MaxMessagesPerSecond), h.cfg.MaxMessagesPerSecond*2)
	}
	client := NewClient(h.hub, conn, p, limiter)
	ctx := services.WithPrincipal(c.Request.Context(), p)

	h.hub.Register(client)
	go client.writePump()
	client.readPump(ctx, h.joiner, h.cfg.MaxMessageBytes)

	h.hub.Unregister(client)
	client.waitFlushed()
	client.closeConn()
}

// authenticate verifies the token before the upgrade. When the caller names
// the session up front, guest scoping is applied immediately; otherwise it is
// enforced at join-room.
func (h *Handler) authenticate(c *gin.Context) (services.Principal, error) {
	token := middleware.ExtractToken(c, h.cfg.CookieName)
	if token == "" {
		token = c.Query("token")
	}
	if raw := c.Query("sessionId"); raw != "" {
		sessionID, err := uuid.Parse(raw)
		if err == nil {
			return h.auth.AuthenticateAny(token, sessionID)
		}
	}
	return h.auth.Decode(token)
}
