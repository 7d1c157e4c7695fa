package convergence

import (
	"encoding/json"
	"strings"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// SequenceDoc is a rune sequence backed by a piece table: edits only ever
// append to the add buffer and rewrite the piece list, the original text is
// immutable.
type SequenceDoc struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewSequenceDoc(initial string) *SequenceDoc {
	r := []rune(initial)
	d := &SequenceDoc{original: r}
	if len(r) > 0 {
		d.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return d
}

func (d *SequenceDoc) Kind() string { return DocKindSequence }

func (d *SequenceDoc) Len() int {
	n := 0
	for _, p := range d.pieces {
		n += p.length
	}
	return n
}

func (d *SequenceDoc) String() string {
	var sb strings.Builder
	for _, p := range d.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(d.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(d.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

func (d *SequenceDoc) Apply(p op.Payload) error {
	switch p.Kind {
	case op.KindInsert:
		d.insert(clamp(p.Pos, 0, d.Len()), p.Text)
	case op.KindDelete:
		pos := clamp(p.Pos, 0, d.Len())
		count := min(p.Count, d.Len()-pos)
		if count > 0 {
			d.delete(pos, count)
		}
	}
	return nil
}

func (d *SequenceDoc) insert(pos int, text string) {
	r := []rune(text)
	if len(r) == 0 {
		return
	}
	start := len(d.add)
	d.add = append(d.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, off := d.locate(pos)
	if idx >= len(d.pieces) {
		d.pieces = append(d.pieces, newPiece)
		return
	}

	cur := d.pieces[idx]
	out := make([]piece, 0, len(d.pieces)+2)
	out = append(out, d.pieces[:idx]...)
	if off > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset, length: off})
	}
	out = append(out, newPiece)
	if cur.length-off > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset + off, length: cur.length - off})
	}
	out = append(out, d.pieces[idx+1:]...)
	d.pieces = out
}

func (d *SequenceDoc) delete(pos, count int) {
	remain := count
	idx, off := d.locate(pos)
	for remain > 0 && idx < len(d.pieces) {
		cur := &d.pieces[idx]
		can := cur.length - off
		if can <= 0 {
			idx++
			off = 0
			continue
		}
		take := min(remain, can)

		if off == 0 && take == cur.length {
			// The whole piece goes; idx now points at the next one.
			d.pieces = append(d.pieces[:idx], d.pieces[idx+1:]...)
		} else {
			leftLen := off
			rightLen := cur.length - off - take
			out := make([]piece, 0, len(d.pieces)+1)
			out = append(out, d.pieces[:idx]...)
			if leftLen > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset + off + take, length: rightLen})
			}
			out = append(out, d.pieces[idx+1:]...)
			d.pieces = out
			if leftLen > 0 {
				idx++
			}
			off = 0
		}
		remain -= take
	}
}

// locate maps a logical position to (piece index, offset inside the piece).
func (d *SequenceDoc) locate(pos int) (int, int) {
	cur := 0
	for i, p := range d.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(d.pieces), 0
}

func (d *SequenceDoc) Snapshot() (json.RawMessage, error) {
	return json.Marshal(d.String())
}

func (d *SequenceDoc) Restore(data json.RawMessage) error {
	var content string
	if err := json.Unmarshal(data, &content); err != nil {
		return err
	}
	*d = *NewSequenceDoc(content)
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
