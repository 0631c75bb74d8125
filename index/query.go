package index

import (
	"iter"
	"time"

	"github.com/samber/mo"
)

type positionKind int

const (
	byTime positionKind = iota
	byIndex
)

// Position is a query bound given either as a time or as an entry index.
type Position struct {
	kind positionKind
	t    time.Time
	n    int
}

// At is the position of the first entry starting at or after t.
func At(t time.Time) Position {
	return Position{kind: byTime, t: t}
}

// AtIndex is the position n.
func AtIndex(n int) Position {
	return Position{kind: byIndex, n: n}
}

// Query describes a range of entries. The zero Query selects everything.
// Query values are immutable; every method returns a modified copy.
type Query struct {
	start Position
	end   mo.Option[Position]
	count mo.Option[int]
}

// From returns a query starting at p (inclusive) and running to the end of
// the loaded data.
func From(p Position) Query {
	return Query{start: p}
}

// To sets the exclusive end position, replacing any count.
func (q Query) To(p Position) Query {
	q.end = mo.Some(p)
	q.count = mo.None[int]()
	return q
}

// Next limits the query to n entries from its start, replacing any end.
func (q Query) Next(n int) Query {
	q.count = mo.Some(n)
	q.end = mo.None[Position]()
	return q
}

// Range is a resolved query over a snapshot of the index.
type Range struct {
	idx     *Index
	entries []*Entry
	start   int
	end     int
}

func (i *Index) resolvePosition(entries []*Entry, p Position) (int, bool) {
	switch p.kind {
	case byIndex:
		return p.n, p.n >= 0 && p.n <= len(entries)
	default:
		if n, ok := findAfter(entries, p.t); ok {
			return n, true
		}
		return len(entries), true
	}
}

// Resolve turns a query into a range over the current entries. Inverted or
// out-of-range positions give a *RangeError.
func (i *Index) Resolve(q Query) (Range, error) {
	entries := i.snapshot().entries
	n := len(entries)

	start, ok := i.resolvePosition(entries, q.start)
	if !ok {
		return Range{}, &RangeError{Start: start, End: n, Len: n, Reason: "start index out of range"}
	}

	end := n
	if p, set := q.end.Get(); set {
		if end, ok = i.resolvePosition(entries, p); !ok {
			return Range{}, &RangeError{Start: start, End: end, Len: n, Reason: "end index out of range"}
		}
	}
	if c, set := q.count.Get(); set {
		if c < 0 {
			return Range{}, &RangeError{Start: start, End: start + c, Len: n, Reason: "negative count"}
		}
		end = min(start+c, n)
	}

	if start > end {
		return Range{}, &RangeError{Start: start, End: end, Len: n, Reason: "start after end"}
	}
	return Range{idx: i, entries: entries, start: start, end: end}, nil
}

// Snapshot returns a range over every current entry.
func (i *Index) Snapshot() Range {
	entries := i.snapshot().entries
	return Range{idx: i, entries: entries, start: 0, end: len(entries)}
}

// Start returns the first position of the range.
func (r Range) Start() int { return r.start }

// End returns the position after the last entry of the range.
func (r Range) End() int { return r.end }

// Len returns the number of positions in the range, stale entries included.
func (r Range) Len() int { return r.end - r.start }

// All yields index positions and entries in order. Entries whose event was
// invalidated from the catalog are logged and skipped. Each call starts
// over from the first entry.
func (r Range) All() iter.Seq2[int, *Entry] {
	return func(yield func(int, *Entry) bool) {
		for n := r.start; n < r.end; n++ {
			e := r.entries[n]
			if e.record.Stale() {
				r.idx.logger.Warn("skipping entry of invalidated event",
					"event_id", e.EventID(),
					"ordinal", e.Ordinal())
				continue
			}
			if !yield(n, e) {
				return
			}
		}
	}
}

// Entries collects the live entries of the range.
func (r Range) Entries() []*Entry {
	out := make([]*Entry, 0, r.Len())
	for _, e := range r.All() {
		out = append(out, e)
	}
	return out
}
