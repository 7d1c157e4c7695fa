package ws

import "sync"

// Hub tracks which connections are in which session room, for the ephemeral
// signals (cursor, typing) that bypass the log. Applied-op fan-out does not
// go through here; the session coordinator owns that.
type Hub struct {
	mu sync.RWMutex
	// sessionID -> set of connections. A user can hold several connections
	// (tabs, devices), so rooms store connections, not client ids.
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
}

func (h *Hub) Leave(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

func (h *Hub) BroadcastCursor(sessionID string, from *Conn, msg CursorMessage) {
	for _, c := range h.others(sessionID, from) {
		c.enqueue(msg)
	}
}

func (h *Hub) BroadcastTyping(sessionID string, from *Conn, msg TypingMessage) {
	for _, c := range h.others(sessionID, from) {
		c.enqueue(msg)
	}
}

// BroadcastPresence goes to every connection in the room, sender included.
func (h *Hub) BroadcastPresence(sessionID string, msg PresenceMessage) {
	for _, c := range h.others(sessionID, nil) {
		c.enqueue(msg)
	}
}

func (h *Hub) others(sessionID string, from *Conn) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		if c != from {
			out = append(out, c)
		}
	}
	return out
}
