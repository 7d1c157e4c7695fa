package convergence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
)

var ErrCorruptCheckpoint = errors.New("CORRUPT_CHECKPOINT")

// AppliedOp is an operation as it was actually applied: its payload is the
// rebased (effective) payload, positioned in the document lineage at its
// offset. Pushing these to clients in offset order makes every client a
// replica by plain application, no client-side transform needed.
type AppliedOp struct {
	Offset int64        `json:"offset"`
	Op     op.Operation `json:"op"`
}

// State is the materialized document plus the bookkeeping the fold needs:
// the last applied offset (idempotence under redelivery) and a bounded
// window of recently applied ops (rebase of concurrent ops, catch-up diffs).
// The window is part of the fold state and therefore part of checkpoints.
type State struct {
	doc         Doc
	lastApplied int64
	window      []AppliedOp
	windowCap   int
}

const DefaultWindowCap = 1024

func NewState(docKind string, windowCap int) (*State, error) {
	doc, err := newDoc(docKind)
	if err != nil {
		return nil, err
	}
	if windowCap <= 0 {
		windowCap = DefaultWindowCap
	}
	return &State{doc: doc, lastApplied: -1, windowCap: windowCap}, nil
}

func (s *State) LastApplied() int64 { return s.lastApplied }
func (s *State) DocKind() string    { return s.doc.Kind() }

// Apply folds one committed operation into the state and returns the op as
// applied (payload rebased). It is deterministic: the same (state, offset,
// operation) always yields the same new state, on any replica. Offsets at or
// below lastApplied are redeliveries, reported with ok=false and no state
// change.
func (s *State) Apply(offset int64, o op.Operation) (AppliedOp, bool, error) {
	if offset <= s.lastApplied {
		return AppliedOp{}, false, nil
	}
	effective := s.rebase(o)
	if err := s.doc.Apply(effective); err != nil {
		return AppliedOp{}, false, err
	}
	applied := o
	applied.Payload = effective
	entry := AppliedOp{Offset: offset, Op: applied}
	s.window = append(s.window, entry)
	if len(s.window) > s.windowCap {
		s.window = s.window[len(s.window)-s.windowCap:]
	}
	s.lastApplied = offset
	return entry, true, nil
}

// rebase transforms the incoming payload across every windowed op the
// incoming op did not observe (offset > context), in offset order. Log order
// is the tiebreak everywhere: the lower offset is "earlier".
func (s *State) rebase(o op.Operation) op.Payload {
	p := o.Payload
	for _, w := range s.window {
		if w.Offset <= o.Context {
			continue
		}
		p = transform(p, w.Op.Payload)
	}
	return p
}

// CanRebase reports whether every applied op the given causal frontier has
// not observed is still in the window. When false the submit must be
// rejected and the client has to re-join against fresh state.
func (s *State) CanRebase(frontier int64) bool {
	if frontier >= s.lastApplied {
		return true
	}
	if len(s.window) == 0 {
		return false
	}
	return s.window[0].Offset <= frontier+1
}

// CanServeDiff reports whether OpsSince(from) covers everything between
// from and the current tail.
func (s *State) CanServeDiff(from int64) bool {
	return from <= s.lastApplied && s.CanRebase(from)
}

// OpsSince returns the applied ops with offsets above from, oldest first.
func (s *State) OpsSince(from int64) []AppliedOp {
	var out []AppliedOp
	for _, w := range s.window {
		if w.Offset > from {
			out = append(out, w)
		}
	}
	return out
}

// SnapshotDoc serializes the document alone, for client snapshots.
func (s *State) SnapshotDoc() (json.RawMessage, error) {
	return s.doc.Snapshot()
}

type stateSnapshot struct {
	DocKind     string          `json:"docKind"`
	Doc         json.RawMessage `json:"doc"`
	LastApplied int64           `json:"lastApplied"`
	Window      []AppliedOp     `json:"window"`
}

// Marshal serializes the full fold state. Unmarshaling it and replaying the
// log tail is observably equivalent to a full replay from offset 0.
func (s *State) Marshal() ([]byte, error) {
	doc, err := s.doc.Snapshot()
	if err != nil {
		return nil, err
	}
	return json.Marshal(stateSnapshot{
		DocKind:     s.doc.Kind(),
		Doc:         doc,
		LastApplied: s.lastApplied,
		Window:      s.window,
	})
}

func Unmarshal(data []byte, windowCap int) (*State, error) {
	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	st, err := NewState(snap.DocKind, windowCap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if err := st.doc.Restore(snap.Doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	st.lastApplied = snap.LastApplied
	st.window = snap.Window
	if len(st.window) > st.windowCap {
		st.window = st.window[len(st.window)-st.windowCap:]
	}
	return st, nil
}
