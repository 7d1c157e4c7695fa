package convergence

import (
	"encoding/json"
	"fmt"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
)

const (
	DocKindSequence = "sequence"
	DocKindMap      = "map"
)

// Doc is the pluggable document type under the engine. Implementations must
// be total: out-of-range positions clamp, payload kinds they do not
// understand are ignored. That keeps Apply deterministic on replay even for
// inputs a stricter submit path would have rejected.
type Doc interface {
	Kind() string
	Apply(p op.Payload) error
	Snapshot() (json.RawMessage, error)
	Restore(data json.RawMessage) error
}

func newDoc(kind string) (Doc, error) {
	switch kind {
	case DocKindSequence, "":
		return NewSequenceDoc(""), nil
	case DocKindMap:
		return NewMapDoc(), nil
	default:
		return nil, fmt.Errorf("unknown doc kind %q", kind)
	}
}

// AllowsPayload reports whether a payload kind makes sense for a doc kind.
// The submit path uses this to reject mismatches before they reach the log.
func AllowsPayload(docKind string, k op.Kind) bool {
	switch docKind {
	case DocKindMap:
		return k == op.KindSet
	default:
		return k == op.KindInsert || k == op.KindDelete
	}
}
