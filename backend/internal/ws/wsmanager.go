package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/cache"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/sem"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/session"
)

// upgrader allows browser clients from local development origins; anything
// else is expected to sit behind the deployment's own origin policy.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub      *Hub
	registry *session.Registry
	presence cache.PresenceCache
	sem      *sem.Semaphore
}

func NewManager(hub *Hub, registry *session.Registry, presence cache.PresenceCache, s *sem.Semaphore) *Manager {
	return &Manager{hub: hub, registry: registry, presence: presence, sem: s}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.S().Warnw("websocket upgrade failed",
			"origin", c.Request.Header.Get("Origin"), "error", err)
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.registry, m.presence, m.sem)

	// Writer first, so the welcome and everything after it can flow.
	go wsConn.writeLoop()
	wsConn.enqueue(ServerMessage{Type: "welcome", Content: "send join to enter a session"})

	// Blocks until the connection closes.
	wsConn.readLoop(c.Request.Context())
}
