package oplog

import (
	"context"
	"errors"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
)

var (
	// ErrUnavailable: the log cluster is unreachable. Callers retry with backoff.
	ErrUnavailable = errors.New("UNAVAILABLE")
	// ErrSessionUnknown: no log stream is provisioned for the session.
	// Callers must Provision and retry.
	ErrSessionUnknown = errors.New("SESSION_UNKNOWN")
)

// Record is one committed operation together with the offset the log
// assigned to it. Offsets are dense and strictly increasing per session.
type Record struct {
	Offset int64        `json:"offset"`
	Op     op.Operation `json:"op"`
}

// Bridge wraps the external distributed log. Append only guarantees the
// operation is durably ordered, never that it has been applied anywhere.
type Bridge interface {
	// Append writes the operation to the session's stream and returns the
	// assigned offset.
	Append(ctx context.Context, sessionID string, o op.Operation) (int64, error)

	// Subscribe returns an ordered, at-least-once stream of records starting
	// at from (-1 means from the beginning). The stream never terminates
	// normally while the session is live; termination surfaces via the
	// records channel closing with Err set.
	Subscribe(ctx context.Context, sessionID string, from int64) (Stream, error)

	// Provision creates the session's stream if it does not exist yet.
	// Idempotent.
	Provision(ctx context.Context, sessionID string) error
}

type Stream interface {
	Records() <-chan Record
	// HighWaterMark is the offset the next appended record would get, i.e.
	// the stream is caught up once last applied == HighWaterMark()-1.
	HighWaterMark() int64
	Err() error
	Close() error
}
