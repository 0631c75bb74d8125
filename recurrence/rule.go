package recurrence

import (
	"fmt"
	"math/bits"
	"strings"
	"time"
)

// WeekMap is a set of weekdays. Bit 6 is Monday and bit 0 is Sunday, so the
// seven-digit binary form reads Monday to Sunday from left to right.
type WeekMap uint8

// AllWeek flags every day of the week.
const AllWeek WeekMap = 0x7f

// NewWeekMap builds a WeekMap flagging the given days.
func NewWeekMap(days ...time.Weekday) WeekMap {
	var m WeekMap
	for _, d := range days {
		m |= 1 << weekBit(d)
	}
	return m
}

// Has reports whether d is flagged.
func (m WeekMap) Has(d time.Weekday) bool {
	return m&(1<<weekBit(d)) != 0
}

// Len returns the number of flagged days.
func (m WeekMap) Len() int {
	return bits.OnesCount8(uint8(m & AllWeek))
}

// Days returns the flagged days as offsets from Monday, ascending.
func (m WeekMap) Days() []int {
	offsets := make([]int, 0, 7)
	for off := 0; off < 7; off++ {
		if m&(1<<(6-off)) != 0 {
			offsets = append(offsets, off)
		}
	}
	return offsets
}

func (m WeekMap) String() string {
	return fmt.Sprintf("%07b", uint8(m&AllWeek))
}

// mondayOffset returns the number of days from Monday to d.
func mondayOffset(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func weekBit(d time.Weekday) int {
	return 6 - mondayOffset(d)
}

// Kind is the repeating pattern of a rule. It is one of Daily, Weekly,
// Monthly or Yearly.
type Kind interface {
	isKind()
	String() string
}

// Daily repeats every interval days.
type Daily struct{}

// Weekly repeats on the flagged weekdays of every interval-th week. Weeks
// start on Monday.
type Weekly struct {
	WeekMap WeekMap
}

// Monthly repeats every interval months, either on the base day of month or,
// when ByWeekday is set, on the same weekday ordinal ("3rd Tuesday").
type Monthly struct {
	ByWeekday bool
}

// Yearly repeats every interval years, either on the base calendar date or,
// when ByWeekday is set, on the same ISO week number and weekday.
type Yearly struct {
	ByWeekday bool
}

func (Daily) isKind()   {}
func (Weekly) isKind()  {}
func (Monthly) isKind() {}
func (Yearly) isKind()  {}

func (Daily) String() string    { return "daily" }
func (w Weekly) String() string { return "weekly(" + w.WeekMap.String() + ")" }

func (m Monthly) String() string {
	if m.ByWeekday {
		return "monthly(weekday)"
	}
	return "monthly(day)"
}

func (y Yearly) String() string {
	if y.ByWeekday {
		return "yearly(weekday)"
	}
	return "yearly(day)"
}

// Bound terminates a rule. It is either Count or Until; a nil Bound never
// terminates.
type Bound interface {
	isBound()
	String() string
}

// Count stops generation once the ordinal reaches n.
type Count int

// Until stops generation at the first occurrence starting at or after At.
type Until struct {
	At time.Time
}

func (Count) isBound() {}
func (Until) isBound() {}

func (c Count) String() string { return fmt.Sprintf("count(%d)", int(c)) }
func (u Until) String() string { return "until(" + u.At.Format(time.RFC3339) + ")" }

// Rule is a validated recurrence rule.
type Rule struct {
	Kind     Kind
	Interval int
	Bound    Bound
}

// NewRule builds a rule for an event whose first occurrence is base and
// validates it.
func NewRule(base Span, kind Kind, interval int, bound Bound) (*Rule, error) {
	r := &Rule{Kind: kind, Interval: interval, Bound: bound}
	if err := r.Validate(base); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the rule against the event's base span.
func (r *Rule) Validate(base Span) error {
	var problems []string

	if base.End.Before(base.Start) {
		problems = append(problems, "base span ends before it starts")
	}
	if r.Interval <= 0 {
		problems = append(problems, fmt.Sprintf("interval must be positive, got %d", r.Interval))
	}

	switch k := r.Kind.(type) {
	case Daily, Monthly, Yearly:
	case Weekly:
		if k.WeekMap&AllWeek == 0 {
			problems = append(problems, "weekly rule has an empty week map")
		}
		if k.WeekMap&^AllWeek != 0 {
			problems = append(problems, fmt.Sprintf("week map %#x has bits beyond the seventh", uint8(k.WeekMap)))
		}
	case nil:
		problems = append(problems, "rule has no kind")
	default:
		problems = append(problems, fmt.Sprintf("unknown rule kind %T", k))
	}

	switch b := r.Bound.(type) {
	case nil:
	case Count:
		if b <= 0 {
			problems = append(problems, fmt.Sprintf("count must be positive, got %d", int(b)))
		}
	case Until:
		if b.At.Before(base.Start) {
			problems = append(problems, "until bound precedes the base start")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown rule bound %T", b))
	}

	if len(problems) > 0 {
		return &ValidationError{Rule: r.String(), Problems: problems}
	}
	return nil
}

func (r *Rule) String() string {
	var sb strings.Builder
	if r.Kind != nil {
		sb.WriteString(r.Kind.String())
	} else {
		sb.WriteString("<nil>")
	}
	fmt.Fprintf(&sb, " every %d", r.Interval)
	if r.Bound != nil {
		sb.WriteString(" ")
		sb.WriteString(r.Bound.String())
	}
	return sb.String()
}

// ValidationError is returned when a rule cannot be constructed.
type ValidationError struct {
	Rule     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid recurrence rule %q: %s", e.Rule, strings.Join(e.Problems, "; "))
}
