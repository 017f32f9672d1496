package hub

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harrylevesque/fleetsync/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	sendQueueSize = 64
)

// Role fixes what a connection may do and which frames it receives.
type Role string

const (
	RoleDevice Role = "device"
	RoleAdmin  Role = "admin"
)

// Client is one websocket connection.
type Client struct {
	conn *websocket.Conn
	role Role
	send chan []byte
	hub  *Hub

	closeOnce sync.Once
	closed    atomic.Bool
}

// SafeSend queues data without blocking. It returns false if the client
// is closed or its queue is full.
func (c *Client) SafeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close closes the send queue exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// Hub tracks connections and their room membership. A room is named by
// a device identifier.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	rooms   map[string]map[*Client]bool
	joined  map[*Client]map[string]bool
	admins  map[*Client]bool
	clients map[*Client]bool
}

// New creates a Hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		log: log.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms:   make(map[string]map[*Client]bool),
		joined:  make(map[*Client]map[string]bool),
		admins:  make(map[*Client]bool),
		clients: make(map[*Client]bool),
	}
}

// Handler upgrades requests to websocket connections with the given role.
// Authentication happens before this handler.
func (h *Hub) Handler(role Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		c := &Client{conn: conn, role: role, send: make(chan []byte, sendQueueSize), hub: h}
		h.register(c)
		go c.writePump()
		go c.readPump()
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	h.joined[c] = make(map[string]bool)
	if c.role == RoleAdmin {
		h.admins[c] = true
	}
	h.log.Debug().Str("role", string(c.role)).Int("clients", len(h.clients)).Msg("client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	for room := range h.joined[c] {
		h.removeFromRoom(c, room)
	}
	delete(h.joined, c)
	delete(h.admins, c)
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

// removeFromRoom must be called with mu held.
func (h *Hub) removeFromRoom(c *Client, room string) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	delete(h.joined[c], room)
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.joined[c]
	if !ok || rooms[room] {
		return
	}
	// a device connection belongs to exactly one room
	if c.role == RoleDevice && len(rooms) > 0 {
		h.log.Warn().Str("room", room).Msg("device connection tried to join a second room")
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	rooms[room] = true
}

func (h *Hub) leave(c *Client, room string) {
	if c.role != RoleAdmin {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.joined[c][room] {
		h.removeFromRoom(c, room)
	}
}

// SendToRoom delivers data to members of room with the given role and
// returns how many connections accepted it.
func (h *Hub) SendToRoom(room string, role Role, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.rooms[room] {
		if c.role != role {
			continue
		}
		if c.SafeSend(data) {
			n++
		} else {
			h.log.Warn().Str("room", room).Msg("dropping frame for slow client")
		}
	}
	return n
}

// BroadcastAdmins delivers data to every admin connection.
func (h *Hub) BroadcastAdmins(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.admins {
		c.SafeSend(data)
	}
}

// CloseRoom drops every membership of room. Connections stay open.
func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[room] {
		h.removeFromRoom(c, room)
	}
}

// RoomSize counts members of room with the given role.
func (h *Hub) RoomSize(room string, role Role) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.rooms[room] {
		if c.role == role {
			n++
		}
	}
	return n
}

// readPump reads control frames from the connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := protocol.DecodeFrame(data)
		if err != nil || f.DeviceID == "" {
			c.hub.log.Warn().Err(err).Msg("ignoring malformed control frame")
			continue
		}
		switch f.Type {
		case protocol.TypeJoinDevice:
			c.hub.join(c, f.DeviceID)
		case protocol.TypeLeaveDevice:
			c.hub.leave(c, f.DeviceID)
		default:
			c.hub.log.Debug().Str("type", f.Type).Msg("ignoring non-control frame")
		}
	}
}

// writePump pumps queued frames to the connection in order.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
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
