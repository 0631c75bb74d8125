// Package override applies per-occurrence patches and deletions to
// expanded occurrences.
//
// Overrides are keyed by event and ordinal, so they stay attached to the
// same occurrence whatever window is expanded. When several overrides are
// stored for one key, the one created last is effective.
package override

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/cyp0633/libcalrecur/recurrence"
)

// Key identifies one occurrence of one event.
type Key struct {
	EventID uuid.UUID
	Ordinal int
}

// Override patches or deletes a single occurrence. Unset fields inherit
// the occurrence's own value.
type Override struct {
	EventID   uuid.UUID
	Ordinal   int
	CreatedAt time.Time
	Deleted   bool

	StartsAt    mo.Option[time.Time]
	EndsAt      mo.Option[time.Time]
	Name        mo.Option[string]
	Description mo.Option[string]
}

// Key returns the occurrence the override applies to.
func (o Override) Key() Key {
	return Key{EventID: o.EventID, Ordinal: o.Ordinal}
}

// Table holds the effective override for each key. A Table is not safe for
// concurrent writes; build it, then share it read-only.
type Table struct {
	rows map[Key]Override
}

// NewTable builds a table from stored rows.
func NewTable(rows ...Override) *Table {
	t := &Table{rows: make(map[Key]Override, len(rows))}
	for _, row := range rows {
		t.Put(row)
	}
	return t
}

// Put records o unless an override created later is already present for
// its key. On equal CreatedAt the later Put wins.
func (t *Table) Put(o Override) {
	if cur, ok := t.rows[o.Key()]; ok && cur.CreatedAt.After(o.CreatedAt) {
		return
	}
	t.rows[o.Key()] = o
}

// Lookup returns the effective override for a key.
func (t *Table) Lookup(k Key) (Override, bool) {
	if t == nil {
		return Override{}, false
	}
	o, ok := t.rows[k]
	return o, ok
}

// Len returns the number of keys with an override.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// ForEvent returns the overrides of one event.
func (t *Table) ForEvent(id uuid.UUID) []Override {
	var out []Override
	if t == nil {
		return out
	}
	for k, o := range t.rows {
		if k.EventID == id {
			out = append(out, o)
		}
	}
	return out
}

// Resolved is an occurrence with its override applied.
type Resolved struct {
	Occurrence recurrence.Occurrence

	StartsAt    time.Time
	EndsAt      time.Time
	Name        mo.Option[string]
	Description mo.Option[string]

	Override mo.Option[Override]
}

// Resolve applies the effective override to occ. It returns None when the
// occurrence is deleted. Only the looked-up occurrence is affected.
func Resolve(occ recurrence.Occurrence, table *Table) mo.Option[Resolved] {
	r := Resolved{
		Occurrence: occ,
		StartsAt:   occ.Start,
		EndsAt:     occ.End,
	}

	o, ok := table.Lookup(Key{EventID: occ.EventID, Ordinal: occ.Ordinal})
	if !ok {
		return mo.Some(r)
	}
	if o.Deleted {
		return mo.None[Resolved]()
	}

	r.StartsAt = o.StartsAt.OrElse(occ.Start)
	r.EndsAt = o.EndsAt.OrElse(occ.End)
	r.Name = o.Name
	r.Description = o.Description
	r.Override = mo.Some(o)
	return mo.Some(r)
}
