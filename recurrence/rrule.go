package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrUnsupportedRule is returned for RRULEs that have no equivalent rule.
var ErrUnsupportedRule = errors.New("unsupported RRULE")

var rruleDays = [7]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

func toRRuleDay(d time.Weekday) rrule.Weekday {
	return rruleDays[mondayOffset(d)]
}

func fromRRuleDay(d rrule.Weekday) time.Weekday {
	return time.Weekday((d.Day() + 1) % 7)
}

// dense reports whether every ordinal of the rule yields an occurrence, so
// that an RRULE COUNT means the same thing as a Count bound.
func (r *Rule) dense(base Span) bool {
	switch k := r.Kind.(type) {
	case Daily:
		return true
	case Weekly:
		return k.WeekMap.Has(base.Start.Weekday())
	default:
		return false
	}
}

// ROption maps the rule to RFC 5545 recurrence options anchored at base.
// Count bounds of rules that can skip periods are written as UNTIL so that
// the occurrence set is preserved.
func (r *Rule) ROption(base Span) (*rrule.ROption, error) {
	opt := &rrule.ROption{
		Dtstart:  base.Start,
		Interval: r.Interval,
		Wkst:     rrule.MO,
	}

	_, month, day := base.Start.Date()
	switch k := r.Kind.(type) {
	case Daily:
		opt.Freq = rrule.DAILY
	case Weekly:
		if !k.WeekMap.Has(base.Start.Weekday()) {
			return nil, fmt.Errorf("%w: weekly base on unflagged %s", ErrUnsupportedRule, base.Start.Weekday())
		}
		opt.Freq = rrule.WEEKLY
		for _, off := range k.WeekMap.Days() {
			opt.Byweekday = append(opt.Byweekday, rruleDays[off])
		}
	case Monthly:
		opt.Freq = rrule.MONTHLY
		if k.ByWeekday {
			wd := toRRuleDay(base.Start.Weekday())
			opt.Byweekday = []rrule.Weekday{wd.Nth((day-1)/7 + 1)}
		} else {
			opt.Bymonthday = []int{day}
		}
	case Yearly:
		opt.Freq = rrule.YEARLY
		if k.ByWeekday {
			_, week := base.Start.ISOWeek()
			opt.Byweekno = []int{week}
			opt.Byweekday = []rrule.Weekday{toRRuleDay(base.Start.Weekday())}
		} else {
			opt.Bymonth = []int{int(month)}
			opt.Bymonthday = []int{day}
		}
	default:
		return nil, fmt.Errorf("%w: kind %T", ErrUnsupportedRule, k)
	}

	switch b := r.Bound.(type) {
	case nil:
	case Count:
		if r.dense(base) {
			opt.Count = int(b)
			break
		}
		last, _ := r.LastStart(base)
		opt.Until = last
	case Until:
		// RRULE UNTIL is inclusive.
		last, _ := r.LastStart(base)
		opt.Until = last
	}
	return opt, nil
}

// RRuleString renders the rule as an RRULE value without DTSTART.
func (r *Rule) RRuleString(base Span) (string, error) {
	opt, err := r.ROption(base)
	if err != nil {
		return "", err
	}
	return opt.RRuleString(), nil
}

// FromROption converts RFC 5545 recurrence options into a rule for an
// event whose first occurrence is base. Only patterns that repeat the base
// day are accepted.
func FromROption(opt rrule.ROption, base Span) (*Rule, error) {
	interval := opt.Interval
	if interval == 0 {
		interval = 1
	}
	if len(opt.Bysetpos) > 0 || len(opt.Byyearday) > 0 || len(opt.Byhour) > 0 ||
		len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 || len(opt.Byeaster) > 0 {
		return nil, fmt.Errorf("%w: unsupported BY* part", ErrUnsupportedRule)
	}

	_, month, day := base.Start.Date()
	wd := base.Start.Weekday()

	var kind Kind
	switch opt.Freq {
	case rrule.DAILY:
		if len(opt.Byweekday)+len(opt.Bymonth)+len(opt.Bymonthday)+len(opt.Byweekno) > 0 {
			return nil, fmt.Errorf("%w: filtered DAILY", ErrUnsupportedRule)
		}
		kind = Daily{}
	case rrule.WEEKLY:
		if len(opt.Bymonth)+len(opt.Bymonthday)+len(opt.Byweekno) > 0 {
			return nil, fmt.Errorf("%w: filtered WEEKLY", ErrUnsupportedRule)
		}
		m := NewWeekMap(wd)
		if len(opt.Byweekday) > 0 {
			m = 0
			for _, d := range opt.Byweekday {
				if d.N() != 0 {
					return nil, fmt.Errorf("%w: ordinal BYDAY in WEEKLY", ErrUnsupportedRule)
				}
				m |= NewWeekMap(fromRRuleDay(d))
			}
		}
		kind = Weekly{WeekMap: m}
	case rrule.MONTHLY:
		switch {
		case len(opt.Bymonth)+len(opt.Byweekno) > 0:
			return nil, fmt.Errorf("%w: filtered MONTHLY", ErrUnsupportedRule)
		case len(opt.Byweekday) == 1 && len(opt.Bymonthday) == 0:
			d := opt.Byweekday[0]
			if fromRRuleDay(d) != wd || d.N() != (day-1)/7+1 {
				return nil, fmt.Errorf("%w: BYDAY does not match the first occurrence", ErrUnsupportedRule)
			}
			kind = Monthly{ByWeekday: true}
		case len(opt.Byweekday) == 0 && (len(opt.Bymonthday) == 0 || (len(opt.Bymonthday) == 1 && opt.Bymonthday[0] == day)):
			kind = Monthly{}
		default:
			return nil, fmt.Errorf("%w: MONTHLY pattern", ErrUnsupportedRule)
		}
	case rrule.YEARLY:
		_, week := base.Start.ISOWeek()
		switch {
		case len(opt.Byweekno) == 1 && opt.Byweekno[0] == week &&
			len(opt.Byweekday) == 1 && opt.Byweekday[0].N() == 0 && fromRRuleDay(opt.Byweekday[0]) == wd &&
			len(opt.Bymonth)+len(opt.Bymonthday) == 0:
			kind = Yearly{ByWeekday: true}
		case len(opt.Byweekno)+len(opt.Byweekday) == 0 &&
			(len(opt.Bymonth) == 0 || (len(opt.Bymonth) == 1 && opt.Bymonth[0] == int(month))) &&
			(len(opt.Bymonthday) == 0 || (len(opt.Bymonthday) == 1 && opt.Bymonthday[0] == day)):
			kind = Yearly{}
		default:
			return nil, fmt.Errorf("%w: YEARLY pattern", ErrUnsupportedRule)
		}
	default:
		return nil, fmt.Errorf("%w: FREQ %v", ErrUnsupportedRule, opt.Freq)
	}

	r := &Rule{Kind: kind, Interval: interval}

	switch {
	case opt.Count > 0 && !opt.Until.IsZero():
		return nil, fmt.Errorf("%w: both COUNT and UNTIL", ErrUnsupportedRule)
	case opt.Count > 0 && r.dense(base):
		r.Bound = Count(opt.Count)
	case opt.Count > 0:
		// COUNT skips missing periods; derive the last start from the RRULE.
		anchored := opt
		anchored.Dtstart = base.Start
		rr, err := rrule.NewRRule(anchored)
		if err != nil {
			return nil, fmt.Errorf("build rrule: %w", err)
		}
		all := rr.All()
		if len(all) == 0 {
			return nil, fmt.Errorf("%w: COUNT yields no occurrences", ErrUnsupportedRule)
		}
		r.Bound = Until{At: all[len(all)-1].Add(time.Second)}
	case !opt.Until.IsZero():
		r.Bound = Until{At: opt.Until.Add(time.Second)}
	}

	if err := r.Validate(base); err != nil {
		return nil, err
	}
	return r, nil
}
