package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/cyp0633/libcalrecur/internal/validation"
)

// wireRule is the stored JSON shape of a rule:
//
//	{"kind": {"weekly": {"weekMap": 54}}, "interval": 1, "bound": {"count": 4}}
//
// isByDay selects the weekday-ordinal form of monthly and yearly rules.
type wireRule struct {
	Kind     wireKind   `json:"kind"`
	Interval int        `json:"interval" validate:"min=1"`
	Bound    *wireBound `json:"bound,omitempty"`
}

type wireKind struct {
	Daily   *struct{}   `json:"daily,omitempty"`
	Weekly  *wireWeekly `json:"weekly,omitempty"`
	Monthly *wireByDay  `json:"monthly,omitempty"`
	Yearly  *wireByDay  `json:"yearly,omitempty"`
}

type wireWeekly struct {
	WeekMap int `json:"weekMap" validate:"min=1,max=127"`
}

type wireByDay struct {
	IsByDay bool `json:"isByDay"`
}

type wireBound struct {
	Count *int       `json:"count,omitempty" validate:"omitempty,min=1"`
	Until *time.Time `json:"until,omitempty"`
}

// ErrMalformedRule is returned when a stored rule does not name exactly one
// kind or bound.
var ErrMalformedRule = errors.New("malformed recurrence rule")

// MarshalJSON encodes the rule in its stored form.
func (r *Rule) MarshalJSON() ([]byte, error) {
	w := wireRule{Interval: r.Interval}

	switch k := r.Kind.(type) {
	case Daily:
		w.Kind.Daily = &struct{}{}
	case Weekly:
		w.Kind.Weekly = &wireWeekly{WeekMap: int(k.WeekMap)}
	case Monthly:
		w.Kind.Monthly = &wireByDay{IsByDay: k.ByWeekday}
	case Yearly:
		w.Kind.Yearly = &wireByDay{IsByDay: k.ByWeekday}
	default:
		return nil, fmt.Errorf("%w: kind %T", ErrMalformedRule, k)
	}

	switch b := r.Bound.(type) {
	case nil:
	case Count:
		n := int(b)
		w.Bound = &wireBound{Count: &n}
	case Until:
		at := b.At.UTC()
		w.Bound = &wireBound{Until: &at}
	default:
		return nil, fmt.Errorf("%w: bound %T", ErrMalformedRule, b)
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes the stored form. It checks the shape only; callers
// run Validate against the event's base span.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var w wireRule
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode recurrence rule: %w", err)
	}
	if err := validation.Struct(&w); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRule, err)
	}

	var kinds []Kind
	if w.Kind.Daily != nil {
		kinds = append(kinds, Daily{})
	}
	if w.Kind.Weekly != nil {
		kinds = append(kinds, Weekly{WeekMap: WeekMap(w.Kind.Weekly.WeekMap)})
	}
	if w.Kind.Monthly != nil {
		kinds = append(kinds, Monthly{ByWeekday: w.Kind.Monthly.IsByDay})
	}
	if w.Kind.Yearly != nil {
		kinds = append(kinds, Yearly{ByWeekday: w.Kind.Yearly.IsByDay})
	}
	if len(kinds) != 1 {
		return fmt.Errorf("%w: expected one kind, got %d", ErrMalformedRule, len(kinds))
	}

	var bound Bound
	if w.Bound != nil {
		switch {
		case w.Bound.Count != nil && w.Bound.Until != nil:
			return fmt.Errorf("%w: both count and until set", ErrMalformedRule)
		case w.Bound.Count != nil:
			bound = Count(*w.Bound.Count)
		case w.Bound.Until != nil:
			bound = Until{At: *w.Bound.Until}
		}
	}

	*r = Rule{Kind: kinds[0], Interval: w.Interval, Bound: bound}
	return nil
}

// ParseRule decodes a stored rule and validates it against base.
func ParseRule(data []byte, base Span) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if err := r.Validate(base); err != nil {
		return nil, err
	}
	return &r, nil
}
