package convergence

import (
	"encoding/json"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
)

// MapDoc is a flat field map. Applying in offset order makes concurrent sets
// on the same field resolve last-offset-wins with no extra bookkeeping.
type MapDoc struct {
	fields map[string]string
}

func NewMapDoc() *MapDoc {
	return &MapDoc{fields: make(map[string]string)}
}

func (d *MapDoc) Kind() string { return DocKindMap }

func (d *MapDoc) Apply(p op.Payload) error {
	if p.Kind == op.KindSet && p.Field != "" {
		d.fields[p.Field] = p.Value
	}
	return nil
}

func (d *MapDoc) Get(field string) (string, bool) {
	v, ok := d.fields[field]
	return v, ok
}

func (d *MapDoc) Snapshot() (json.RawMessage, error) {
	// json.Marshal sorts map keys, so equal states serialize byte-identical.
	return json.Marshal(d.fields)
}

func (d *MapDoc) Restore(data json.RawMessage) error {
	fields := make(map[string]string)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	d.fields = fields
	return nil
}
