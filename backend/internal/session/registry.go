package session

import (
	"context"
	"sync"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/notify"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/oplog"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/store"
)

// Registry is the process-wide map from session id to its one live
// coordinator. The single-writer invariant is enforced here: at most one
// coordinator per session ever exists, and concurrent acquirers of a session
// still in Loading block until it is ready.
type Registry struct {
	bridge  oplog.Bridge
	ckpts   store.CheckpointStore
	disp    *store.CheckpointDispatcher
	webhook *notify.Webhook
	cfg     Config

	mu       sync.Mutex
	sessions map[string]*Coordinator
}

func NewRegistry(bridge oplog.Bridge, ckpts store.CheckpointStore,
	disp *store.CheckpointDispatcher, webhook *notify.Webhook, cfg Config) *Registry {
	return &Registry{
		bridge:   bridge,
		ckpts:    ckpts,
		disp:     disp,
		webhook:  webhook,
		cfg:      cfg,
		sessions: make(map[string]*Coordinator),
	}
}

// Acquire returns the live coordinator for the session, creating and
// loading one when none exists. Release is implicit: the coordinator
// removes itself when it drains.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*Coordinator, error) {
	for {
		r.mu.Lock()
		c := r.sessions[sessionID]
		if c == nil {
			c = newCoordinator(sessionID, r.bridge, r.ckpts, r.disp, r.webhook, r.cfg)
			r.sessions[sessionID] = c
			go c.run(r.remove)
		}
		r.mu.Unlock()

		select {
		case <-c.ready:
			if c.loadErr != nil {
				return nil, c.loadErr
			}
			select {
			case <-c.done:
				// Unloaded between ready and now; build a fresh one.
				continue
			default:
				return c, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Registry) remove(c *Coordinator) {
	r.mu.Lock()
	if r.sessions[c.sessionID] == c {
		delete(r.sessions, c.sessionID)
	}
	r.mu.Unlock()
}
