package convergence

import "github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"

// transform rebases payload p against an already-applied concurrent payload
// q. q was applied first (lower offset), so for equal insert positions q
// keeps the left side. Field sets never move; sequence edits never touch
// them and vice versa.
func transform(p, q op.Payload) op.Payload {
	if p.Kind == op.KindSet || q.Kind == op.KindSet {
		return p
	}
	switch q.Kind {
	case op.KindInsert:
		return transformAgainstInsert(p, q.Pos, runeLen(q.Text))
	case op.KindDelete:
		return transformAgainstDelete(p, q.Pos, q.Count)
	}
	return p
}

func transformAgainstInsert(p op.Payload, at, n int) op.Payload {
	switch p.Kind {
	case op.KindInsert:
		// Tie at the same position: the earlier (lower offset) insert stays
		// left, so the incoming one shifts right.
		if at <= p.Pos {
			p.Pos += n
		}
	case op.KindDelete:
		switch {
		case at <= p.Pos:
			p.Pos += n
		case at < p.Pos+p.Count:
			// Insert landed inside the deleted range; the range grows so the
			// result stays a single contiguous delete.
			p.Count += n
		}
	}
	return p
}

func transformAgainstDelete(p op.Payload, at, n int) op.Payload {
	end := at + n
	switch p.Kind {
	case op.KindInsert:
		switch {
		case end <= p.Pos:
			p.Pos -= n
		case at < p.Pos:
			// Insert position was inside the deleted range; it collapses to
			// the range start.
			p.Pos = at
		}
	case op.KindDelete:
		pEnd := p.Pos + p.Count
		switch {
		case end <= p.Pos:
			p.Pos -= n
		case at >= pEnd:
			// Disjoint, after us: nothing moves.
		default:
			// Overlap: subtract the shared span, anchor at the survivor start.
			overlapStart := max(p.Pos, at)
			overlapEnd := min(pEnd, end)
			p.Count -= overlapEnd - overlapStart
			if at < p.Pos {
				p.Pos = at
			}
			if p.Count < 0 {
				p.Count = 0
			}
		}
	}
	return p
}

func runeLen(s string) int { return len([]rune(s)) }
