package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"podster/internal/services"
	"podster/internal/transport/httpdto"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one relay connection.
type Client struct {
	ID        string
	Principal services.Principal

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// room is guarded by hub.mu
	room string

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, p services.Principal, limiter *rate.Limiter) *Client {
	return &Client{
		ID:        uuid.New().String(),
		Principal: p,
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 64),
		limiter:   limiter,
		done:      make(chan struct{}),
	}
}

// readPump processes inbound frames until the connection fails or a join is
// rejected.
func (c *Client) readPump(ctx context.Context, joiner JoinAuthorizer, maxMessageBytes int64) {
	log := c.hub.logger.WithContext(ctx).With(zap.String("socket_id", c.ID))

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket closed", zap.Error(err))
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.metrics.IncRelayDropped("rate_limited")
			log.Warn("relay rate limit exceeded")
			continue
		}

		msg, err := parseInbound(data)
		if err != nil {
			c.hub.Reply(c, errorFrame(err))
			continue
		}

		switch msg.Type {
		case messageTypeJoinRoom:
			if err := c.join(ctx, joiner, msg.SessionID); err != nil {
				log.Info("join rejected", zap.String("session_id", msg.SessionID), zap.Error(err))
				c.hub.Reply(c, errorFrame(err))
				return
			}
			log.Info("joined room", zap.String("session_id", msg.SessionID))
		case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
			if err := validateSignal(msg); err != nil {
				c.hub.metrics.IncRelayDropped("invalid")
				c.hub.Reply(c, errorFrame(err))
				continue
			}
			if err := c.hub.Forward(c, msg); err != nil {
				c.hub.Reply(c, errorFrame(err))
			}
		case messageTypePing:
			c.hub.Reply(c, outboundMessage{Type: messageTypePong})
		default:
			c.hub.Reply(c, errorFrame(errors.New("unsupported message type")))
		}
	}
}

func (c *Client) join(ctx context.Context, joiner JoinAuthorizer, rawID string) error {
	sessionID, err := uuid.Parse(rawID)
	if err != nil {
		return errors.New("invalid session id")
	}
	if err := joiner.AuthorizeJoin(ctx, c.Principal, sessionID); err != nil {
		return errors.New(httpdto.MessageFor(err, httpdto.StatusFor(err)))
	}
	_, err = c.hub.Join(c, sessionID.String())
	return err
}

// writePump drains send to the connection and keeps it alive with pings. It
// exits once send is closed and flushed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// waitFlushed waits for writePump to finish, bounded by writeWait.
func (c *Client) waitFlushed() {
	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
