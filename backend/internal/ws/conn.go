package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/cache"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/oplog"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/sem"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/session"
)

const (
	sendQueueSize = 64
	presenceTTL   = 600 * time.Second
	submitTimeout = 5 * time.Second
)

// Conn is one client connection. The readLoop goroutine owns every mutable
// field; the coordinator only ever touches the connection through the
// session.Sink methods, which enqueue without blocking.
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	registry *session.Registry
	presence cache.PresenceCache
	sem      *sem.Semaphore

	sessionID string
	clientID  string
	coord     *session.Coordinator
	joined    bool

	send    chan OutboundMessage
	resync  chan struct{}
	closing chan struct{}
}

func NewConn(wsConn *websocket.Conn, hub *Hub, registry *session.Registry,
	presence cache.PresenceCache, s *sem.Semaphore) *Conn {
	return &Conn{
		ws:       wsConn,
		hub:      hub,
		registry: registry,
		presence: presence,
		sem:      s,
		send:     make(chan OutboundMessage, sendQueueSize),
		resync:   make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
}

// enqueue drops the message when the queue is full; ordered delivery for
// applied ops is the coordinator's job and it reacts to a full queue by
// marking this client for resync.
func (c *Conn) enqueue(msg OutboundMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// session.Sink implementation, called from the coordinator goroutine.

func (c *Conn) ClientID() string { return c.clientID }

func (c *Conn) Push(p session.Push) bool {
	return c.enqueue(PushMessage{Type: "push", Offset: p.Offset, Op: p.Op})
}

func (c *Conn) CatchUp(res session.JoinResult) bool {
	if res.Snapshot != nil {
		return c.enqueue(SnapshotMessage{
			Type:      "snapshot",
			SessionID: c.sessionID,
			DocKind:   res.DocKind,
			Offset:    res.Offset,
			State:     res.Snapshot,
		})
	}
	return c.enqueue(DiffMessage{
		Type:      "diff",
		SessionID: c.sessionID,
		Offset:    res.Offset,
		Ops:       res.Diff,
	})
}

func (c *Conn) Resync() {
	select {
	case c.resync <- struct{}{}:
	default:
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if c.joined {
			c.leaveSession(context.Background())
		}
		close(c.closing)
	}()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			zap.S().Debugw("connection read ended",
				"client", c.clientID, "session", c.sessionID, "error", err)
			return
		}
		switch msg.Type {
		case "join":
			c.handleJoin(ctx, msg)
		case "submit":
			c.handleSubmit(ctx, msg)
		case "leave":
			if c.joined {
				c.leaveSession(ctx)
			}
			c.enqueue(ServerMessage{Type: "left", SessionID: msg.SessionID})
		case "heartbeat":
			c.handleHeartbeat(ctx)
		case "cursor":
			c.handleCursor(ctx, msg)
		case "typing":
			if c.joined {
				c.hub.BroadcastTyping(c.sessionID, c, TypingMessage{
					Type: "typing", SessionID: c.sessionID, ClientID: c.clientID, IsTyping: msg.IsTyping,
				})
			}
		default:
			c.enqueue(ServerMessage{Type: "ignored", Content: "unknown message type"})
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.SessionID == "" {
		c.enqueue(RejectedMessage{Type: "rejected", Reason: "MISSING_SESSION_ID"})
		return
	}
	clientID := c.clientID
	if msg.ClientID != "" {
		clientID = msg.ClientID
	} else if clientID == "" {
		clientID = uuid.NewString()
	}
	if c.joined && (c.sessionID != msg.SessionID || c.clientID != clientID) {
		// Switching rooms or identities: drop the old registration first, or
		// the coordinator would keep pushing to both and the stale entry would
		// pin the session live forever.
		c.leaveSession(ctx)
	}
	c.clientID = clientID

	coord, err := c.registry.Acquire(ctx, msg.SessionID)
	if err != nil {
		c.enqueue(ServerMessage{Type: "error", SessionID: msg.SessionID, Content: errReason(err)})
		return
	}
	c.sessionID = msg.SessionID
	if _, err := coord.Join(ctx, c, msg.LastKnownOffset); err != nil {
		c.enqueue(ServerMessage{Type: "error", SessionID: msg.SessionID, Content: errReason(err)})
		return
	}
	// The snapshot/diff is already in the send queue (delivered via CatchUp
	// before the coordinator registered us for pushes).
	c.coord = coord
	c.joined = true
	c.hub.Join(c.sessionID, c)
	if err := c.presence.Heartbeat(ctx, c.sessionID, c.clientID, presenceTTL); err != nil {
		zap.S().Warnw("presence heartbeat failed", "session", c.sessionID, "error", err)
	}
	c.enqueue(ServerMessage{Type: "joined", SessionID: c.sessionID, ClientID: c.clientID})
	c.sendStoredCursors(ctx)
}

// sendStoredCursors replays the cached cursor of everyone already in the
// session, so a late joiner sees them without waiting for the next move.
func (c *Conn) sendStoredCursors(ctx context.Context) {
	members, err := c.presence.Members(ctx, c.sessionID)
	if err != nil {
		zap.S().Warnw("presence members failed", "session", c.sessionID, "error", err)
		return
	}
	for _, member := range members {
		if member == c.clientID {
			continue
		}
		data, err := c.presence.Cursor(ctx, c.sessionID, member)
		if err != nil || len(data) == 0 {
			continue
		}
		c.enqueue(CursorMessage{Type: "cursor", SessionID: c.sessionID, ClientID: member, Cursor: data})
	}
}

func (c *Conn) handleSubmit(ctx context.Context, msg ClientMessage) {
	if !c.joined {
		c.enqueue(RejectedMessage{Type: "rejected", OpSeq: msg.OpSeq, Reason: "NOT_JOINED"})
		return
	}
	frontier := int64(-1)
	if msg.Context != nil {
		frontier = *msg.Context
	}
	o := op.Operation{
		SessionID: c.sessionID,
		ClientID:  c.clientID,
		OpSeq:     msg.OpSeq,
		Context:   frontier,
		Payload:   msg.Payload,
	}

	sctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	if err := c.sem.Acquire(sctx); err != nil {
		c.enqueue(ServerMessage{Type: "error", Content: "BUSY"})
		return
	}
	ack, err := c.coord.Submit(sctx, o)
	_ = c.sem.Release()

	switch {
	case err == nil:
		c.enqueue(AckMessage{Type: "ack", OpSeq: ack.OpSeq, Offset: ack.Offset})
	case errors.Is(err, oplog.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded):
		c.enqueue(ServerMessage{Type: "error", SessionID: c.sessionID, Content: "UNAVAILABLE"})
	case errors.Is(err, session.ErrUnloaded):
		// Coordinator drained under us; the client re-joins with its last
		// known offset.
		c.joined = false
		c.Resync()
	default:
		c.enqueue(RejectedMessage{Type: "rejected", OpSeq: msg.OpSeq, Reason: err.Error()})
	}
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if !c.joined {
		c.enqueue(ServerMessage{Type: "feedback", Content: "heartbeat received"})
		return
	}
	if err := c.presence.Heartbeat(ctx, c.sessionID, c.clientID, presenceTTL); err != nil {
		zap.S().Warnw("presence heartbeat failed", "session", c.sessionID, "error", err)
	}
	members, err := c.presence.Members(ctx, c.sessionID)
	if err != nil {
		zap.S().Warnw("presence members failed", "session", c.sessionID, "error", err)
	}
	// The whole room sees the refreshed roster, not just the heartbeater.
	c.hub.BroadcastPresence(c.sessionID, PresenceMessage{
		Type: "presence", SessionID: c.sessionID, Members: members,
	})
	c.enqueue(ServerMessage{Type: "feedback", Content: "heartbeat received"})
}

func (c *Conn) handleCursor(ctx context.Context, msg ClientMessage) {
	if !c.joined || len(msg.Cursor) == 0 {
		return
	}
	if err := c.presence.SetCursor(ctx, c.sessionID, c.clientID, msg.Cursor, presenceTTL); err != nil {
		zap.S().Warnw("cursor cache failed", "session", c.sessionID, "error", err)
	}
	c.hub.BroadcastCursor(c.sessionID, c, CursorMessage{
		Type: "cursor", SessionID: c.sessionID, ClientID: c.clientID, Cursor: msg.Cursor,
	})
}

func (c *Conn) leaveSession(ctx context.Context) {
	if c.coord != nil {
		c.coord.Leave(c.clientID)
	}
	c.hub.Leave(c.sessionID, c)
	if err := c.presence.Remove(ctx, c.sessionID, c.clientID); err != nil {
		zap.S().Warnw("presence remove failed", "session", c.sessionID, "error", err)
	}
	c.coord = nil
	c.joined = false
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closing:
			return
		case <-c.resync:
			_ = c.ws.WriteJSON(ResyncMessage{Type: "resync"})
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func errReason(err error) string {
	switch {
	case errors.Is(err, oplog.ErrSessionUnknown):
		return "SESSION_UNKNOWN"
	case errors.Is(err, oplog.ErrUnavailable):
		return "UNAVAILABLE"
	default:
		return err.Error()
	}
}
