// Package xcal renders resolved occurrences as xCal (RFC 6321) documents
// and reads them back.
package xcal

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/cyp0633/libcalrecur/ical"
	"github.com/cyp0633/libcalrecur/index"
)

// Namespace is the xCal XML namespace.
const Namespace = "urn:ietf:params:xml:ns:icalendar-2.0"

const (
	TagICalendar  = "icalendar"
	TagVCalendar  = "vcalendar"
	TagVEvent     = "vevent"
	TagProperties = "properties"
	TagComponents = "components"

	valueText     = "text"
	valueDateTime = "date-time"
	valueInteger  = "integer"
	valueBoolean  = "boolean"

	dateTimeFormat = "2006-01-02T15:04:05Z"
)

var (
	propEventID  = strings.ToLower(ical.PropEventID)
	propOrdinal  = strings.ToLower(ical.PropOrdinal)
	propEditable = strings.ToLower(ical.PropEditable)
)

// Item is one occurrence read from an xCal document.
type Item struct {
	EventID     uuid.UUID
	Ordinal     int
	Start       time.Time
	End         time.Time
	Name        string
	Description string
	Editable    bool
}

func addProp(props *etree.Element, name, valueType, value string) {
	p := props.CreateElement(name)
	p.CreateElement(valueType).SetText(value)
}

// Document builds the xCal document for entries.
func Document(entries []*index.Entry) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(TagICalendar)
	root.CreateAttr("xmlns", Namespace)

	vcal := root.CreateElement(TagVCalendar)
	calProps := vcal.CreateElement(TagProperties)
	addProp(calProps, "prodid", valueText, ical.ProdID)
	addProp(calProps, "version", valueText, "2.0")

	comps := vcal.CreateElement(TagComponents)
	stamp := time.Now().UTC().Format(dateTimeFormat)
	for _, en := range entries {
		props := comps.CreateElement(TagVEvent).CreateElement(TagProperties)
		addProp(props, "uid", valueText, fmt.Sprintf("%s-%d", en.EventID(), en.Ordinal()))
		addProp(props, "dtstamp", valueDateTime, stamp)
		addProp(props, "dtstart", valueDateTime, en.Start().UTC().Format(dateTimeFormat))
		addProp(props, "dtend", valueDateTime, en.End().UTC().Format(dateTimeFormat))
		addProp(props, "summary", valueText, en.Name())
		if d := en.Description(); d != "" {
			addProp(props, "description", valueText, d)
		}
		addProp(props, propEventID, valueText, en.EventID().String())
		addProp(props, propOrdinal, valueInteger, strconv.Itoa(en.Ordinal()))
		addProp(props, propEditable, valueBoolean, strconv.FormatBool(en.Editable()))
	}
	return doc
}

// Encode writes the xCal document for entries to w.
func Encode(w io.Writer, entries []*index.Entry) error {
	doc := Document(entries)
	doc.Indent(2)
	if _, err := doc.WriteTo(w); err != nil {
		return fmt.Errorf("write xcal: %w", err)
	}
	return nil
}

// Decode reads the VEVENTs of an xCal document written by Encode.
func Decode(r io.Reader) ([]Item, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read xcal: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("empty document")
	}
	if root.Tag != TagICalendar {
		return nil, fmt.Errorf("invalid root tag: %s", root.Tag)
	}

	var items []Item
	for _, vcal := range root.SelectElements(TagVCalendar) {
		comps := vcal.SelectElement(TagComponents)
		if comps == nil {
			continue
		}
		for _, ev := range comps.SelectElements(TagVEvent) {
			props := ev.SelectElement(TagProperties)
			if props == nil {
				continue
			}
			item, err := parseItem(props)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
	}
	return items, nil
}

func value(props *etree.Element, name, valueType string) (string, bool) {
	p := props.SelectElement(name)
	if p == nil {
		return "", false
	}
	v := p.SelectElement(valueType)
	if v == nil {
		return "", false
	}
	return v.Text(), true
}

func parseItem(props *etree.Element) (Item, error) {
	var (
		item Item
		err  error
	)
	id, _ := value(props, propEventID, valueText)
	if item.EventID, err = uuid.Parse(id); err != nil {
		return Item{}, fmt.Errorf("%s: %w", propEventID, err)
	}
	if s, ok := value(props, propOrdinal, valueInteger); ok {
		if item.Ordinal, err = strconv.Atoi(s); err != nil {
			return Item{}, fmt.Errorf("%s: %w", propOrdinal, err)
		}
	}
	for name, dst := range map[string]*time.Time{"dtstart": &item.Start, "dtend": &item.End} {
		s, ok := value(props, name, valueDateTime)
		if !ok {
			return Item{}, fmt.Errorf("event %s: missing %s", item.EventID, name)
		}
		if *dst, err = time.Parse(dateTimeFormat, s); err != nil {
			return Item{}, fmt.Errorf("event %s: %s: %w", item.EventID, name, err)
		}
	}
	item.Name, _ = value(props, "summary", valueText)
	item.Description, _ = value(props, "description", valueText)
	if s, ok := value(props, propEditable, valueBoolean); ok {
		item.Editable, _ = strconv.ParseBool(s)
	}
	return item, nil
}
