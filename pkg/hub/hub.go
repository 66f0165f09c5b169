// Package hub broadcasts per-conversation progress events to WebSocket
// subscribers. It is a single-process hub: each chat_id is a room, and
// connections within a room receive every event published for that room.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Event is the typed envelope broadcast to subscribers of a conversation.
// Fields are flattened into the top level of the JSON object alongside
// type and chat_id, so a progress event serializes as
// {"type":"progress","chat_id":"…","step_id":"…","progress":42,…}.
type Event struct {
	Type   string
	ChatID string
	Fields map[string]any
}

// MarshalJSON flattens Fields into the envelope's top level. type always
// wins over a colliding field key; a timestamp is stamped if absent.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["type"] = e.Type
	if e.ChatID != "" {
		m["chat_id"] = e.ChatID
	}
	if _, ok := m["timestamp"]; !ok {
		m["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(m)
}

// clientFrame is what subscribers may send: ping for keepalive, subscribe
// to move to a different conversation's room.
type clientFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// ErrHubFull is returned by HandleConnection when the hub is already at its
// configured connection limit.
var ErrHubFull = &hubFullError{}

type hubFullError struct{}

func (*hubFullError) Error() string { return "websocket hub: connection limit reached" }

// connection is a single subscriber, registered in exactly one room.
type connection struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	chatID string
}

func (c *connection) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// Hub tracks subscriber rooms keyed by chat_id. Room membership is guarded
// by one mutex so registration, room moves, and delivery never race.
type Hub struct {
	maxConnections int
	pingInterval   time.Duration
	pingTimeout    time.Duration

	mu        sync.RWMutex
	rooms     map[string]map[string]*connection
	totalConn int
}

// New builds a Hub enforcing maxConnections total concurrent subscribers
// (across all rooms) and a ping/pong keepalive cadence.
func New(maxConnections int, pingInterval, pingTimeout time.Duration) *Hub {
	return &Hub{
		maxConnections: maxConnections,
		pingInterval:   pingInterval,
		pingTimeout:    pingTimeout,
		rooms:          make(map[string]map[string]*connection),
	}
}

// ActiveConnections returns the current total subscriber count.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalConn
}

// HandleConnection registers conn in chatID's room, acknowledges with a
// connected event, and blocks servicing the connection until it closes or
// ctx is cancelled. Client frames are answered in place: ping gets a pong,
// subscribe moves the connection to another room, and anything else gets
// an error frame with the connection left open. The caller is responsible
// for having already upgraded the HTTP connection.
func (h *Hub) HandleConnection(ctx context.Context, chatID string, conn *websocket.Conn) error {
	h.mu.Lock()
	if h.totalConn >= h.maxConnections {
		h.mu.Unlock()
		h.send(ctx, &connection{conn: conn}, Event{
			Type:   "error",
			Fields: map[string]any{"message": "connection limit reached"},
		})
		_ = conn.Close(websocket.StatusPolicyViolation, "connection limit reached")
		return ErrHubFull
	}
	c := &connection{id: uuid.NewString(), chatID: chatID, conn: conn}
	if h.rooms[chatID] == nil {
		h.rooms[chatID] = make(map[string]*connection)
	}
	h.rooms[chatID][c.id] = c
	h.totalConn++
	h.mu.Unlock()

	defer h.unregister(c)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.send(connCtx, c, Event{Type: "connected", ChatID: chatID})

	go h.pingLoop(connCtx, c)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return nil
		}
		h.handleFrame(connCtx, c, data)
	}
}

// handleFrame services one client frame. Malformed frames are answered
// with an error event but never close the connection.
func (h *Hub) handleFrame(ctx context.Context, c *connection, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.send(ctx, c, Event{Type: "error", ChatID: c.room(), Fields: map[string]any{"message": "malformed frame: not valid JSON"}})
		return
	}

	switch frame.Type {
	case "ping":
		h.send(ctx, c, Event{Type: "pong", ChatID: c.room()})
	case "subscribe":
		if frame.ChatID == "" {
			h.send(ctx, c, Event{Type: "error", ChatID: c.room(), Fields: map[string]any{"message": "subscribe requires chat_id"}})
			return
		}
		h.moveRoom(c, frame.ChatID)
		h.send(ctx, c, Event{Type: "connected", ChatID: frame.ChatID})
	default:
		h.send(ctx, c, Event{Type: "error", ChatID: c.room(), Fields: map[string]any{"message": "unrecognized frame type"}})
	}
}

// moveRoom migrates c from its current room to newChatID's room.
func (h *Hub) moveRoom(c *connection, newChatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	oldChatID := c.chatID
	c.chatID = newChatID
	c.mu.Unlock()

	if room, ok := h.rooms[oldChatID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, oldChatID)
		}
	}
	if h.rooms[newChatID] == nil {
		h.rooms[newChatID] = make(map[string]*connection)
	}
	h.rooms[newChatID][c.id] = c
}

func (h *Hub) pingLoop(ctx context.Context, c *connection) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.pingTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Warn("websocket ping failed, closing connection", "connection_id", c.id, "chat_id", c.room(), "error", err)
				_ = c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (h *Hub) unregister(c *connection) {
	room := c.room()
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		if _, ok := members[c.id]; ok {
			delete(members, c.id)
			h.totalConn--
		}
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// send delivers one event to one connection with a bounded write deadline.
// Write failures are left for the read loop or ping loop to surface.
func (h *Hub) send(ctx context.Context, c *connection, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal hub event", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, h.pingTimeout)
	defer cancel()
	_ = c.conn.Write(writeCtx, websocket.MessageText, payload)
}

// Broadcast sends event to every connection subscribed to chatID's room.
// Sends run one connection after another, each bounded by pingTimeout, so a
// slow client holds the caller for at most that long; a failed send only
// unregisters that connection.
func (h *Hub) Broadcast(chatID string, event Event) {
	h.mu.RLock()
	room, ok := h.rooms[chatID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	conns := make([]*connection, 0, len(room))
	for _, c := range room {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal hub event", "chat_id", chatID, "error", err)
		return
	}

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(context.Background(), h.pingTimeout)
		err := c.conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			slog.Warn("failed to deliver event, dropping subscriber", "connection_id", c.id, "chat_id", chatID, "error", err)
			h.unregister(c)
		}
	}
}
