package xcal

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/libcalrecur/catalog"
	"github.com/cyp0633/libcalrecur/index"
	"github.com/cyp0633/libcalrecur/override"
	"github.com/cyp0633/libcalrecur/recurrence"
)

func entry(t *testing.T, cat *catalog.Catalog, id uuid.UUID, ordinal int, start time.Time) *index.Entry {
	t.Helper()
	rec, err := cat.Acquire(id)
	require.NoError(t, err)
	occ := recurrence.Occurrence{EventID: id, Ordinal: ordinal, Start: start, End: start.Add(90 * time.Minute)}
	r, ok := override.Resolve(occ, nil).Get()
	require.True(t, ok)
	return index.NewEntry(r, rec)
}

func TestEncodeDecode(t *testing.T) {
	cat := catalog.New()
	id := uuid.New()
	cat.Put(id, catalog.Payload{Name: "Lecture", Description: "Room 101", Editable: true})

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	entries := []*index.Entry{
		entry(t, cat, id, 0, time.Date(2023, 3, 7, 8, 0, 0, 0, time.UTC)),
		entry(t, cat, id, 1, time.Date(2023, 3, 9, 9, 0, 0, 0, berlin)),
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, entries))
	out := buf.String()
	assert.Contains(t, out, `<icalendar xmlns="urn:ietf:params:xml:ns:icalendar-2.0">`)
	assert.Contains(t, out, "<date-time>2023-03-09T08:00:00Z</date-time>", "zoned starts are written in UTC")
	assert.Contains(t, out, "<x-calrecur-ordinal>")

	items, err := Decode(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, Item{
		EventID:     id,
		Ordinal:     1,
		Start:       time.Date(2023, 3, 9, 8, 0, 0, 0, time.UTC),
		End:         time.Date(2023, 3, 9, 9, 30, 0, 0, time.UTC),
		Name:        "Lecture",
		Description: "Room 101",
		Editable:    true,
	}, items[1])
}

func TestDocument_Empty(t *testing.T) {
	doc := Document(nil)
	root := doc.Root()
	require.NotNil(t, root)
	assert.Equal(t, TagICalendar, root.Tag)

	comps := root.FindElement("./vcalendar/components")
	require.NotNil(t, comps)
	assert.Empty(t, comps.ChildElements())
	assert.Equal(t, "2.0", root.FindElement("./vcalendar/properties/version/text").Text())
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "wrong root", doc: `<multistatus xmlns="DAV:"/>`},
		{
			name: "bad event id",
			doc: `<icalendar><vcalendar><components><vevent><properties>` +
				`<x-calrecur-event-id><text>nope</text></x-calrecur-event-id>` +
				`</properties></vevent></components></vcalendar></icalendar>`,
		},
		{
			name: "missing dtend",
			doc: `<icalendar><vcalendar><components><vevent><properties>` +
				`<x-calrecur-event-id><text>` + uuid.NewString() + `</text></x-calrecur-event-id>` +
				`<dtstart><date-time>2023-03-07T08:00:00Z</date-time></dtstart>` +
				`</properties></vevent></components></vcalendar></icalendar>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestAddProp(t *testing.T) {
	props := etree.NewElement(TagProperties)
	addProp(props, "summary", valueText, "a & b")

	doc := etree.NewDocument()
	doc.SetRoot(props)
	s, err := doc.WriteToString()
	require.NoError(t, err)
	assert.Equal(t, "<properties><summary><text>a &amp; b</text></summary></properties>", s)
}
