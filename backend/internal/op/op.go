package op

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindSet    Kind = "set"
)

var ErrMalformed = errors.New("MALFORMED_OPERATION")

// Payload is one structural edit against the shared document.
// Which fields matter depends on Kind:
//   - insert: Pos + Text
//   - delete: Pos + Count
//   - set:    Field + Value
type Payload struct {
	Kind  Kind   `json:"kind"`
	Pos   int    `json:"pos,omitempty"`
	Text  string `json:"text,omitempty"`
	Count int    `json:"count,omitempty"`
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}

// Operation is the atomic unit of client intent. Context is the causal
// frontier: the highest log offset the client had observed when it produced
// the operation, -1 when it had observed nothing. OpSeq is the per-client
// monotonically increasing counter used for dedup of the client's own ops.
type Operation struct {
	SessionID string  `json:"sessionId"`
	ClientID  string  `json:"clientId"`
	OpSeq     uint64  `json:"opSeq"`
	Context   int64   `json:"context"`
	Payload   Payload `json:"payload"`
}

func (o Operation) Validate() error {
	if o.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrMalformed)
	}
	if o.ClientID == "" {
		return fmt.Errorf("%w: missing clientId", ErrMalformed)
	}
	if o.OpSeq == 0 {
		return fmt.Errorf("%w: opSeq must start at 1", ErrMalformed)
	}
	if o.Context < -1 {
		return fmt.Errorf("%w: context %d", ErrMalformed, o.Context)
	}
	return o.Payload.Validate()
}

func (p Payload) Validate() error {
	switch p.Kind {
	case KindInsert:
		if p.Pos < 0 || p.Text == "" {
			return fmt.Errorf("%w: insert needs pos >= 0 and text", ErrMalformed)
		}
	case KindDelete:
		if p.Pos < 0 || p.Count <= 0 {
			return fmt.Errorf("%w: delete needs pos >= 0 and count > 0", ErrMalformed)
		}
	case KindSet:
		if p.Field == "" {
			return fmt.Errorf("%w: set needs a field", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, p.Kind)
	}
	return nil
}
