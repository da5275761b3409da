package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"podster/internal/metrics"
	"podster/pkg/logger"

	"go.uber.org/zap"
)

var errRoomFull = errors.New("room is full")

// Hub tracks connected clients and the session room each has joined. All
// sends happen under mu so a client's send channel is never written after
// Unregister closes it.
type Hub struct {
	mu sync.RWMutex

	// clients maps socket id to client
	clients map[string]*Client

	// rooms maps session id to the clients joined to it
	rooms map[string]map[string]*Client

	maxPerRoom int
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

func NewHub(maxPerRoom int, m *metrics.Metrics, l *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		maxPerRoom: maxPerRoom,
		metrics:    m,
		logger:     l.Named("websocket"),
	}
}

// Run blocks until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeConn()
	}
	h.logger.Info("relay stopped", zap.Int("closed", len(clients)))
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.metrics.RelayConnected()
}

// Unregister removes c from its room and closes its send channel. Remaining
// room members are not notified.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	if c.room != "" {
		if members, ok := h.rooms[c.room]; ok {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.rooms, c.room)
			}
		}
	}
	delete(h.clients, c.ID)
	close(c.send)
	h.metrics.RelayDisconnected()
}

// Join places c in room and announces it to the existing members. It returns
// the socket ids already present.
func (h *Hub) Join(c *Client, room string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.room != "" {
		return nil, errAlreadyJoined
	}
	members := h.rooms[room]
	if h.maxPerRoom > 0 && len(members) >= h.maxPerRoom {
		return nil, errRoomFull
	}
	if members == nil {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}

	peers := make([]string, 0, len(members))
	announce := mustMarshal(outboundMessage{Type: messageTypeUserJoined, SocketID: c.ID})
	for id, member := range members {
		peers = append(peers, id)
		h.enqueue(member, announce)
	}
	members[c.ID] = c
	c.room = room
	h.enqueue(c, mustMarshal(outboundMessage{
		Type:      messageTypeJoined,
		SocketID:  c.ID,
		SessionID: room,
		Peers:     peers,
	}))
	return peers, nil
}

// Forward delivers msg from sender to exactly the target named in msg.To,
// provided both are in the same room.
func (h *Hub) Forward(sender *Client, msg inboundMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if sender.room == "" {
		return errNotJoined
	}
	target, ok := h.rooms[sender.room][msg.To]
	if !ok || target == sender {
		h.metrics.IncRelayDropped("unknown_target")
		return errUnknownTarget
	}
	frame, err := forwardFrame(sender.ID, msg)
	if err != nil {
		return err
	}
	if h.enqueue(target, frame) {
		h.metrics.IncRelayForwarded()
	}
	return nil
}

// Reply sends a relay generated frame to c.
func (h *Hub) Reply(c *Client, msg outboundMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.ID]; ok {
		h.enqueue(c, mustMarshal(msg))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// enqueue must be called with mu held. Full buffers drop the frame.
func (h *Hub) enqueue(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		h.metrics.IncRelayDropped("buffer_full")
		h.logger.Warn("client send buffer full", zap.String("socket_id", c.ID))
		return false
	}
}

func mustMarshal(msg outboundMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// outboundMessage holds only strings and pion types that always marshal.
		panic(err)
	}
	return data
}
