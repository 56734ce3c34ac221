// Package realtime is the websocket side of the lobby: a hub that fans
// events out to connections and room groups, and a gateway that translates
// socket events into coordinator calls.
package realtime

import (
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Envelope
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// writePump is the single writer for the connection; websocket conns do
// not allow concurrent writes.
func (c *client) writePump() {
	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.Close()
}

// Hub tracks connected clients and their room groups and implements
// presence.Broadcaster on top of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[uint]map[string]struct{}
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		rooms:   make(map[uint]map[string]struct{}),
		log:     log,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	go c.writePump()
}

func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
		for roomID, members := range h.rooms {
			delete(members, connID)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *Hub) JoinGroup(connID string, roomID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[connID]; !ok {
		return
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[roomID] = members
	}
	members[connID] = struct{}{}
}

func (h *Hub) LeaveGroup(connID string, roomID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) ToConn(connID string, event string, payload interface{}) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		h.deliver(c, Envelope{Event: event, Data: payload})
	}
}

func (h *Hub) ToRoom(roomID uint, event string, payload interface{}) {
	env := Envelope{Event: event, Data: payload}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[roomID]))
	for connID := range h.rooms[roomID] {
		if c, ok := h.clients[connID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.deliver(c, env)
	}
}

func (h *Hub) ToAll(event string, payload interface{}) {
	env := Envelope{Event: event, Data: payload}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.deliver(c, env)
	}
}

// deliver drops the frame when the client's buffer is full; a client that
// cannot keep up must not stall broadcasts for the rest of the room.
func (h *Hub) deliver(c *client, env Envelope) {
	select {
	case c.send <- env:
	default:
		h.log.Warn("send buffer full, dropping frame",
			zap.String("conn_id", c.id), zap.String("event", env.Event))
	}
}
