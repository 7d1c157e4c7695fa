package ws

import (
	"encoding/json"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/session"
)

// ClientMessage is every inbound frame; Type selects which fields matter.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	// Join only: offset of the last push the client saw before it
	// disconnected; absent on a first join.
	LastKnownOffset *int64 `json:"lastKnownOffset,omitempty"`
	// Submit only. Context defaults to -1 (nothing observed) when absent.
	OpSeq   uint64     `json:"opSeq,omitempty"`
	Context *int64     `json:"context,omitempty"`
	Payload op.Payload `json:"payload,omitempty"`

	Cursor   json.RawMessage `json:"cursor,omitempty"`
	IsTyping bool            `json:"isTyping,omitempty"`
}

type OutboundMessage interface {
	MessageType() string
}

type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Content   string `json:"content,omitempty"`
}

type SnapshotMessage struct {
	Type      string          `json:"type"` // "snapshot"
	SessionID string          `json:"sessionId"`
	DocKind   string          `json:"docKind"`
	Offset    int64           `json:"offset"`
	State     json.RawMessage `json:"state"`
}

type DiffMessage struct {
	Type      string         `json:"type"` // "diff"
	SessionID string         `json:"sessionId"`
	Offset    int64          `json:"offset"`
	Ops       []session.Push `json:"ops"`
}

type AckMessage struct {
	Type   string `json:"type"` // "ack"
	OpSeq  uint64 `json:"opSeq"`
	Offset int64  `json:"offset"`
}

type RejectedMessage struct {
	Type   string `json:"type"` // "rejected"
	OpSeq  uint64 `json:"opSeq,omitempty"`
	Reason string `json:"reason"`
}

type PushMessage struct {
	Type   string       `json:"type"` // "push"
	Offset int64        `json:"offset"`
	Op     op.Operation `json:"op"`
}

// ResyncMessage tells a client its live feed was dropped (it could not keep
// up); it must re-join with its last known offset.
type ResyncMessage struct {
	Type string `json:"type"` // "resync"
}

type PresenceMessage struct {
	Type      string   `json:"type"` // "presence"
	SessionID string   `json:"sessionId"`
	Members   []string `json:"members"`
}

type CursorMessage struct {
	Type      string          `json:"type"` // "cursor"
	SessionID string          `json:"sessionId"`
	ClientID  string          `json:"clientId"`
	Cursor    json.RawMessage `json:"cursor"`
}

type TypingMessage struct {
	Type      string `json:"type"` // "typing"
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	IsTyping  bool   `json:"isTyping"`
}

func (m ServerMessage) MessageType() string   { return m.Type }
func (m SnapshotMessage) MessageType() string { return m.Type }
func (m DiffMessage) MessageType() string     { return m.Type }
func (m AckMessage) MessageType() string      { return m.Type }
func (m RejectedMessage) MessageType() string { return m.Type }
func (m PushMessage) MessageType() string     { return m.Type }
func (m ResyncMessage) MessageType() string   { return m.Type }
func (m PresenceMessage) MessageType() string { return m.Type }
func (m CursorMessage) MessageType() string   { return m.Type }
func (m TypingMessage) MessageType() string   { return m.Type }
