package ical

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/libcalrecur/catalog"
	"github.com/cyp0633/libcalrecur/index"
	"github.com/cyp0633/libcalrecur/override"
	"github.com/cyp0633/libcalrecur/recurrence"
	"github.com/cyp0633/libcalrecur/storage"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2023, time.March, day, hour, minute, 0, 0, time.UTC)
}

func lecture(t *testing.T) storage.Event {
	t.Helper()
	base := recurrence.Span{Start: at(7, 8, 0), End: at(7, 9, 35)}
	rule, err := recurrence.NewRule(base,
		recurrence.Weekly{WeekMap: recurrence.NewWeekMap(time.Tuesday, time.Thursday)}, 1, recurrence.Count(8))
	require.NoError(t, err)
	return storage.Event{
		ID:          uuid.New(),
		Name:        "Lecture",
		Description: "Room 101",
		Span:        base,
		Rule:        rule,
		CreatedAt:   at(1, 0, 0),
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	lec := lecture(t)
	single := storage.Event{
		ID:        uuid.New(),
		Name:      "Review",
		Span:      recurrence.Span{Start: at(10, 15, 0), End: at(10, 16, 0)},
		CreatedAt: at(1, 0, 0),
	}
	rows := []override.Override{
		{EventID: lec.ID, Ordinal: 1, CreatedAt: at(2, 0, 0), StartsAt: mo.Some(at(9, 14, 0)), EndsAt: mo.Some(at(9, 15, 35)), Name: mo.Some("Lab")},
		{EventID: lec.ID, Ordinal: 2, CreatedAt: at(2, 0, 0), Deleted: true},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeEvents(&buf, []storage.Event{lec, single}, rows))
	out := buf.String()
	assert.Contains(t, out, "RRULE:")
	assert.Contains(t, out, "BYDAY=TU,TH")
	assert.Contains(t, out, "EXDATE:20230314T080000Z")
	assert.Contains(t, out, "RECURRENCE-ID:20230309T080000Z")

	owner := uuid.New()
	events, got, err := Decode(strings.NewReader(out), owner)
	require.NoError(t, err)
	require.Len(t, events, 2)

	byID := map[uuid.UUID]storage.Event{}
	for _, e := range events {
		byID[e.ID] = e
		assert.Equal(t, owner, e.Owner)
	}
	decoded := byID[lec.ID]
	require.NotNil(t, decoded.Rule)
	assert.Equal(t, lec.Rule.String(), decoded.Rule.String())
	assert.Equal(t, "Room 101", decoded.Description)
	assert.True(t, lec.Span.Start.Equal(decoded.Span.Start))
	assert.Nil(t, byID[single.ID].Rule)

	table := override.NewTable(got...)
	require.Equal(t, 2, table.Len())

	moved, ok := table.Lookup(override.Key{EventID: lec.ID, Ordinal: 1})
	require.True(t, ok)
	assert.False(t, moved.Deleted)
	assert.Equal(t, "Lab", moved.Name.OrEmpty())
	start, ok := moved.StartsAt.Get()
	require.True(t, ok)
	assert.True(t, at(9, 14, 0).Equal(start))
	assert.False(t, moved.Description.IsPresent(), "description was not changed")

	deleted, ok := table.Lookup(override.Key{EventID: lec.ID, Ordinal: 2})
	require.True(t, ok)
	assert.True(t, deleted.Deleted)
}

func TestEncodeEvents_UnsupportedWeeklyFallsBackToRDATE(t *testing.T) {
	// Base on a Tuesday, pattern on Fridays only.
	base := recurrence.Span{Start: at(7, 8, 0), End: at(7, 9, 0)}
	rule, err := recurrence.NewRule(base, recurrence.Weekly{WeekMap: recurrence.NewWeekMap(time.Friday)}, 1, recurrence.Count(3))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeEvents(&buf, []storage.Event{{ID: uuid.New(), Name: "Odd", Span: base, Rule: rule}}, nil))
	assert.Contains(t, buf.String(), "RDATE:20230310T080000Z,20230317T080000Z")
	assert.NotContains(t, buf.String(), "RRULE")
}

func TestEncodeEntries(t *testing.T) {
	cat := catalog.New()
	lec := lecture(t)
	cat.Put(lec.ID, catalog.Payload{Name: "Lecture", Editable: true})
	rec, err := cat.Acquire(lec.ID)
	require.NoError(t, err)

	occ := recurrence.Occurrence{EventID: lec.ID, Ordinal: 1, Start: at(9, 8, 0), End: at(9, 9, 35)}
	resolved, ok := override.Resolve(occ, nil).Get()
	require.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, EncodeEntries(&buf, []*index.Entry{index.NewEntry(resolved, rec)}))
	out := buf.String()
	assert.Contains(t, out, "UID:"+lec.ID.String()+"-1")
	assert.Contains(t, out, "X-CALRECUR-ORDINAL:1")
	assert.Contains(t, out, "X-CALRECUR-EDITABLE:true")
	assert.NotContains(t, out, "VALUE=TEXT")
	assert.Contains(t, out, "SUMMARY:Lecture")
}

const foreignCalendar = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//EN
BEGIN:VEVENT
UID:standup@example.com
DTSTAMP:20230101T000000Z
DTSTART;TZID=Europe/Berlin:20230306T093000
DURATION:PT15M
SUMMARY:Standup
RRULE:FREQ=DAILY;INTERVAL=1
EXDATE;TZID=Europe/Berlin:20230308T093000
END:VEVENT
BEGIN:VEVENT
UID:standup@example.com
DTSTAMP:20230102T000000Z
RECURRENCE-ID;TZID=Europe/Berlin:20230309T093000
DTSTART;TZID=Europe/Berlin:20230309T093000
DURATION:PT15M
SUMMARY:Standup
STATUS:CANCELLED
END:VEVENT
END:VCALENDAR
`

func TestDecode_Foreign(t *testing.T) {
	events, rows, err := Decode(strings.NewReader(strings.ReplaceAll(foreignCalendar, "\n", "\r\n")), uuid.Nil)
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, EventID("standup@example.com"), e.ID)
	assert.Equal(t, "Europe/Berlin", e.Span.Start.Location().String())
	assert.Equal(t, 15*time.Minute, e.Span.Duration())
	require.NotNil(t, e.Rule)
	assert.Nil(t, e.Rule.Bound, "no COUNT or UNTIL means unbounded")

	table := override.NewTable(rows...)
	for _, ord := range []int{2, 3} {
		o, ok := table.Lookup(override.Key{EventID: e.ID, Ordinal: ord})
		require.True(t, ok, "ordinal %d", ord)
		assert.True(t, o.Deleted, "ordinal %d", ord)
	}
}

func TestDecode_Errors(t *testing.T) {
	wrap := func(body string) string {
		return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//x//EN\r\n" + body + "END:VCALENDAR\r\n"
	}
	tests := []struct {
		name string
		doc  string
		is   error
	}{
		{
			name: "exception without master",
			doc:  wrap("BEGIN:VEVENT\r\nUID:a\r\nDTSTAMP:20230101T000000Z\r\nRECURRENCE-ID:20230301T090000Z\r\nDTSTART:20230301T100000Z\r\nEND:VEVENT\r\n"),
			is:   ErrNoMaster,
		},
		{
			name: "rdate",
			doc:  wrap("BEGIN:VEVENT\r\nUID:b\r\nDTSTAMP:20230101T000000Z\r\nDTSTART:20230301T090000Z\r\nRDATE:20230302T090000Z\r\nEND:VEVENT\r\n"),
			is:   recurrence.ErrUnsupportedRule,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(strings.NewReader(tt.doc), uuid.Nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.is), "got %v", err)
		})
	}
}
