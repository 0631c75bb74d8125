package ical

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/teambition/rrule-go"

	"github.com/cyp0633/libcalrecur/override"
	"github.com/cyp0633/libcalrecur/recurrence"
	"github.com/cyp0633/libcalrecur/storage"
)

// ErrNoMaster is returned when a RECURRENCE-ID component has no master
// VEVENT with the same UID.
var ErrNoMaster = errors.New("recurrence exception without master event")

// EventID maps an iCalendar UID to an event ID. UUID UIDs are used as is;
// any other UID gets a stable name-based UUID.
func EventID(uid string) uuid.UUID {
	if id, err := uuid.Parse(uid); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uid))
}

// Decode reads the VEVENTs of an iCalendar stream. Master components become
// events owned by owner; EXDATEs become deletion overrides and components
// with a RECURRENCE-ID become modifying overrides of their master.
func Decode(r io.Reader, owner uuid.UUID) ([]storage.Event, []override.Override, error) {
	var (
		events     []storage.Event
		rows       []override.Override
		exceptions []*ical.Component
		masters    = make(map[uuid.UUID]storage.Event)
	)

	dec := ical.NewDecoder(r)
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("decode calendar: %w", err)
		}

		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			if p := comp.Props.Get(propRecurrenceID); p != nil && p.Value != "" {
				exceptions = append(exceptions, comp)
				continue
			}
			e, deleted, err := decodeMaster(comp, owner)
			if err != nil {
				return nil, nil, err
			}
			masters[e.ID] = e
			events = append(events, e)
			rows = append(rows, deleted...)
		}
	}

	for _, comp := range exceptions {
		o, err := decodeException(comp, masters)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, o)
	}
	return events, rows, nil
}

func uidOf(comp *ical.Component) (string, error) {
	uid, err := comp.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return "", errors.New("VEVENT without UID")
	}
	return uid, nil
}

// stampOf returns LAST-MODIFIED, else DTSTAMP, else the zero time.
func stampOf(comp *ical.Component) time.Time {
	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if comp.Props.Get(name) == nil {
			continue
		}
		if t, err := comp.Props.DateTime(name, nil); err == nil {
			return t
		}
	}
	return time.Time{}
}

// spanOf extracts start and end the way RFC 5545 defaults them: DTEND,
// else DURATION, else one day for DATE starts and zero length otherwise.
func spanOf(comp *ical.Component) (recurrence.Span, error) {
	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return recurrence.Span{}, errors.New("missing DTSTART")
	}
	start, err := dtstart.DateTime(nil)
	if err != nil {
		return recurrence.Span{}, fmt.Errorf("DTSTART: %w", err)
	}
	allDay := dtstart.ValueType() == ical.ValueDate

	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		end, err := dtend.DateTime(nil)
		if err != nil {
			return recurrence.Span{}, fmt.Errorf("DTEND: %w", err)
		}
		if allDay && !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
		return recurrence.Span{Start: start, End: end}, nil
	}
	if p := comp.Props.Get(ical.PropDuration); p != nil {
		d, err := p.Duration()
		if err != nil {
			return recurrence.Span{}, fmt.Errorf("DURATION: %w", err)
		}
		return recurrence.Span{Start: start, End: start.Add(d)}, nil
	}
	if allDay {
		return recurrence.Span{Start: start, End: start.AddDate(0, 0, 1)}, nil
	}
	return recurrence.Span{Start: start, End: start}, nil
}

func decodeMaster(comp *ical.Component, owner uuid.UUID) (storage.Event, []override.Override, error) {
	uid, err := uidOf(comp)
	if err != nil {
		return storage.Event{}, nil, err
	}
	span, err := spanOf(comp)
	if err != nil {
		return storage.Event{}, nil, fmt.Errorf("event %s: %w", uid, err)
	}

	e := storage.Event{
		ID:        EventID(uid),
		Owner:     owner,
		Span:      span,
		CreatedAt: stampOf(comp),
	}
	e.Name, _ = comp.Props.Text(ical.PropSummary)
	e.Description, _ = comp.Props.Text(ical.PropDescription)

	if p := comp.Props.Get(ical.PropRecurrenceDates); p != nil && p.Value != "" {
		return storage.Event{}, nil, fmt.Errorf("event %s: RDATE: %w", uid, recurrence.ErrUnsupportedRule)
	}

	p := comp.Props.Get(ical.PropRecurrenceRule)
	if p == nil || p.Value == "" {
		return e, nil, nil
	}
	opt, err := rrule.StrToROption(p.Value)
	if err != nil {
		return storage.Event{}, nil, fmt.Errorf("event %s: RRULE: %w", uid, err)
	}
	opt.Dtstart = span.Start
	if e.Rule, err = recurrence.FromROption(*opt, span); err != nil {
		return storage.Event{}, nil, fmt.Errorf("event %s: %w", uid, err)
	}

	var deleted []override.Override
	for _, ex := range comp.Props.Values(ical.PropExceptionDates) {
		dates, err := parseDateList(&ex, span.Start.Location())
		if err != nil {
			return storage.Event{}, nil, fmt.Errorf("event %s: EXDATE: %w", uid, err)
		}
		for _, d := range dates {
			ord, ok := e.Rule.OrdinalAt(span, d)
			if !ok {
				continue
			}
			deleted = append(deleted, override.Override{
				EventID:   e.ID,
				Ordinal:   ord,
				CreatedAt: e.CreatedAt,
				Deleted:   true,
			})
		}
	}
	return e, deleted, nil
}

func decodeException(comp *ical.Component, masters map[uuid.UUID]storage.Event) (override.Override, error) {
	uid, err := uidOf(comp)
	if err != nil {
		return override.Override{}, err
	}
	master, ok := masters[EventID(uid)]
	if !ok {
		return override.Override{}, fmt.Errorf("%w: %s", ErrNoMaster, uid)
	}
	recID, err := comp.Props.DateTime(propRecurrenceID, master.Span.Start.Location())
	if err != nil {
		return override.Override{}, fmt.Errorf("event %s: RECURRENCE-ID: %w", uid, err)
	}

	ord := 0
	if master.Rule != nil {
		if ord, ok = master.Rule.OrdinalAt(master.Span, recID); !ok {
			return override.Override{}, fmt.Errorf("event %s: RECURRENCE-ID %s matches no occurrence", uid, recID.Format(time.RFC3339))
		}
	} else if !recID.Equal(master.Span.Start) {
		return override.Override{}, fmt.Errorf("event %s: RECURRENCE-ID %s matches no occurrence", uid, recID.Format(time.RFC3339))
	}

	o := override.Override{EventID: master.ID, Ordinal: ord, CreatedAt: stampOf(comp)}
	if span, err := spanOf(comp); err == nil {
		if !span.Start.Equal(recID) {
			o.StartsAt = mo.Some(span.Start)
		}
		if !span.End.Equal(recID.Add(master.Span.Duration())) {
			o.EndsAt = mo.Some(span.End)
		}
	}
	if name, err := comp.Props.Text(ical.PropSummary); err == nil && comp.Props.Get(ical.PropSummary) != nil && name != master.Name {
		o.Name = mo.Some(name)
	}
	if desc, err := comp.Props.Text(ical.PropDescription); err == nil && comp.Props.Get(ical.PropDescription) != nil && desc != master.Description {
		o.Description = mo.Some(desc)
	}
	if status, _ := comp.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
		o.Deleted = true
	}
	return o, nil
}

// parseDateList parses a comma-separated DATE or DATE-TIME list. Floating
// and DATE values are read in loc unless a TZID parameter says otherwise.
func parseDateList(p *ical.Prop, loc *time.Location) ([]time.Time, error) {
	if tzid := p.Params.Get(ical.ParamTimezoneID); tzid != "" {
		l, err := time.LoadLocation(tzid)
		if err != nil {
			return nil, fmt.Errorf("TZID %q: %w", tzid, err)
		}
		loc = l
	}
	dateOnly := strings.EqualFold(p.Params.Get(ical.ParamValue), "DATE")

	var out []time.Time
	for _, s := range strings.Split(p.Value, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		var (
			t   time.Time
			err error
		)
		switch {
		case dateOnly:
			t, err = time.ParseInLocation("20060102", s, loc)
		case strings.HasSuffix(s, "Z"):
			t, err = time.Parse(utcFormat, s)
		default:
			t, err = time.ParseInLocation("20060102T150405", s, loc)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
