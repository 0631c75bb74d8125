// Package ical converts events, overrides and resolved occurrences to and
// from iCalendar (RFC 5545) using go-ical.
package ical

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/libcalrecur/index"
	"github.com/cyp0633/libcalrecur/override"
	"github.com/cyp0633/libcalrecur/recurrence"
	"github.com/cyp0633/libcalrecur/storage"
)

// ProdID identifies generated calendars.
const ProdID = "-//libcalrecur//NONSGML v1.0//EN"

// Non-standard properties carried by flattened occurrences.
const (
	PropEventID  = "X-CALRECUR-EVENT-ID"
	PropOrdinal  = "X-CALRECUR-ORDINAL"
	PropEditable = "X-CALRECUR-EDITABLE"
)

const (
	propRecurrenceID = "RECURRENCE-ID"
	utcFormat        = "20060102T150405Z"
)

func newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, ProdID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	return cal
}

// rawProp sets a property without a VALUE parameter or text escaping.
func rawProp(props ical.Props, name, value string) {
	p := ical.NewProp(name)
	p.Value = value
	props.Set(p)
}

func formatList(ts []time.Time) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.UTC().Format(utcFormat)
	}
	return strings.Join(parts, ",")
}

// EncodeEvents writes one master VEVENT per event, carrying its RRULE, plus
// one VEVENT with a RECURRENCE-ID per modifying override. Deletion
// overrides become EXDATEs.
func EncodeEvents(w io.Writer, events []storage.Event, rows []override.Override) error {
	cal := newCalendar()
	table := override.NewTable(rows...)
	stamp := time.Now()

	for _, e := range events {
		comps, err := eventComponents(e, table, stamp)
		if err != nil {
			return fmt.Errorf("event %s: %w", e.ID, err)
		}
		cal.Children = append(cal.Children, comps...)
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}

func eventComponents(e storage.Event, table *override.Table, stamp time.Time) ([]*ical.Component, error) {
	if !e.CreatedAt.IsZero() {
		stamp = e.CreatedAt
	}
	master := ical.NewEvent()
	master.Props.SetText(ical.PropUID, e.ID.String())
	master.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	master.Props.SetDateTime(ical.PropDateTimeStart, e.Span.Start)
	master.Props.SetDateTime(ical.PropDateTimeEnd, e.Span.End)
	master.Props.SetText(ical.PropSummary, e.Name)
	if e.Description != "" {
		master.Props.SetText(ical.PropDescription, e.Description)
	}

	if e.Rule != nil {
		if err := setRecurrence(master.Component, e); err != nil {
			return nil, err
		}
	}

	comps := []*ical.Component{master.Component}
	var exdates []time.Time
	for _, o := range table.ForEvent(e.ID) {
		raw, ok := rawStart(e, o.Ordinal)
		if !ok {
			continue
		}
		if o.Deleted {
			exdates = append(exdates, raw)
			continue
		}
		comps = append(comps, exceptionComponent(e, o, raw))
	}
	if len(exdates) > 0 {
		rawProp(master.Props, ical.PropExceptionDates, formatList(exdates))
	}
	return comps, nil
}

func rawStart(e storage.Event, ordinal int) (time.Time, bool) {
	if e.Rule == nil {
		return e.Span.Start, ordinal == 0
	}
	return e.Rule.Slot(e.Span, ordinal)
}

// setRecurrence writes an RRULE, or an RDATE list for bounded patterns
// RRULE cannot express.
func setRecurrence(comp *ical.Component, e storage.Event) error {
	rr, err := e.Rule.RRuleString(e.Span)
	if err == nil {
		rawProp(comp.Props, ical.PropRecurrenceRule, rr)
		return nil
	}
	if !errors.Is(err, recurrence.ErrUnsupportedRule) || e.Rule.Bound == nil {
		return err
	}

	last, _ := e.Rule.LastStart(e.Span)
	var dates []time.Time
	exp := recurrence.NewExpander(recurrence.WithLimits(recurrence.ExpandOptions{}))
	for occ := range exp.Expand(e.ID, e.Span, e.Rule, e.Span.Start, last.Add(time.Second)).All() {
		if occ.Ordinal > 0 {
			dates = append(dates, occ.Start)
		}
	}
	if len(dates) > 0 {
		rawProp(comp.Props, ical.PropRecurrenceDates, formatList(dates))
	}
	return nil
}

func exceptionComponent(e storage.Event, o override.Override, raw time.Time) *ical.Component {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, e.ID.String())
	ev.Props.SetDateTime(ical.PropDateTimeStamp, o.CreatedAt.UTC())
	ev.Props.SetDateTime(propRecurrenceID, raw)
	ev.Props.SetDateTime(ical.PropDateTimeStart, o.StartsAt.OrElse(raw))
	ev.Props.SetDateTime(ical.PropDateTimeEnd, o.EndsAt.OrElse(raw.Add(e.Span.Duration())))
	ev.Props.SetText(ical.PropSummary, o.Name.OrElse(e.Name))
	if d := o.Description.OrElse(e.Description); d != "" {
		ev.Props.SetText(ical.PropDescription, d)
	}
	return ev.Component
}

// EncodeEntries writes resolved occurrences as standalone VEVENTs, one per
// entry. Each carries its event ID and ordinal in X- properties so a client
// can address the occurrence for overrides.
func EncodeEntries(w io.Writer, entries []*index.Entry) error {
	cal := newCalendar()
	stamp := time.Now().UTC()

	for _, en := range entries {
		ev := ical.NewEvent()
		ev.Props.SetText(ical.PropUID, fmt.Sprintf("%s-%d", en.EventID(), en.Ordinal()))
		ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
		ev.Props.SetDateTime(ical.PropDateTimeStart, en.Start())
		ev.Props.SetDateTime(ical.PropDateTimeEnd, en.End())
		ev.Props.SetText(ical.PropSummary, en.Name())
		if d := en.Description(); d != "" {
			ev.Props.SetText(ical.PropDescription, d)
		}
		rawProp(ev.Props, PropEventID, en.EventID().String())
		rawProp(ev.Props, PropOrdinal, strconv.Itoa(en.Ordinal()))
		rawProp(ev.Props, PropEditable, strconv.FormatBool(en.Editable()))
		cal.Children = append(cal.Children, ev.Component)
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}
