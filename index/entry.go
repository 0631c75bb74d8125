package index

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/cyp0633/libcalrecur/catalog"
	"github.com/cyp0633/libcalrecur/override"
	"github.com/cyp0633/libcalrecur/recurrence"
)

// Entry is a resolved occurrence held by an index. Entries are immutable;
// display fields are read through the catalog record on every call.
type Entry struct {
	raw      recurrence.Occurrence
	start    time.Time
	end      time.Time
	name     mo.Option[string]
	desc     mo.Option[string]
	record   *catalog.Record
	override mo.Option[override.Override]
}

// NewEntry builds an entry from a resolved occurrence and the catalog
// record of its event.
func NewEntry(r override.Resolved, rec *catalog.Record) *Entry {
	return &Entry{
		raw:      r.Occurrence,
		start:    r.StartsAt,
		end:      r.EndsAt,
		name:     r.Name,
		desc:     r.Description,
		record:   rec,
		override: r.Override,
	}
}

// EventID returns the ID of the event the entry belongs to.
func (e *Entry) EventID() uuid.UUID { return e.raw.EventID }

// Ordinal returns the entry's position in its event's rule.
func (e *Entry) Ordinal() int { return e.raw.Ordinal }

// Start returns the effective start, after any override.
func (e *Entry) Start() time.Time { return e.start }

// End returns the effective end, after any override.
func (e *Entry) End() time.Time { return e.end }

// Raw returns the occurrence as the rule produced it.
func (e *Entry) Raw() recurrence.Occurrence { return e.raw }

// Record returns the shared catalog record holding the event payload.
func (e *Entry) Record() *catalog.Record { return e.record }

// Override returns the override applied to the entry, if any.
func (e *Entry) Override() mo.Option[override.Override] { return e.override }

// Key returns the (event, ordinal) identity of the entry.
func (e *Entry) Key() override.Key {
	return override.Key{EventID: e.raw.EventID, Ordinal: e.raw.Ordinal}
}

// Name returns the override's name if set, else the event's.
func (e *Entry) Name() string {
	return e.name.OrElse(e.record.Payload().Name)
}

// Description returns the override's description if set, else the event's.
func (e *Entry) Description() string {
	return e.desc.OrElse(e.record.Payload().Description)
}

// Editable reports whether the caller may edit the event.
func (e *Entry) Editable() bool {
	return e.record.Payload().Editable
}

// less orders entries by effective start, then ordinal, then event ID.
func less(a, b *Entry) bool {
	if !a.start.Equal(b.start) {
		return a.start.Before(b.start)
	}
	if a.raw.Ordinal != b.raw.Ordinal {
		return a.raw.Ordinal < b.raw.Ordinal
	}
	return bytes.Compare(a.raw.EventID[:], b.raw.EventID[:]) < 0
}

func compare(a, b *Entry) int {
	switch {
	case less(a, b):
		return -1
	case less(b, a):
		return 1
	default:
		return 0
	}
}
