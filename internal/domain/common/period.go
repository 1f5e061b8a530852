package common

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Calendar days are represented as midnight UTC. The store zone is applied
// once, when "today" is read from the clock.

const DayLayout = "2006-01-02"

// PeriodUnit is a calendar bucket size.
type PeriodUnit string

const (
	PeriodDay   PeriodUnit = "day"
	PeriodWeek  PeriodUnit = "week"
	PeriodMonth PeriodUnit = "month"
	PeriodYear  PeriodUnit = "year"
	PeriodOnce  PeriodUnit = "once"
)

func (u PeriodUnit) Valid() bool {
	switch u {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear, PeriodOnce:
		return true
	}
	return false
}

// ParsePeriodUnit accepts canonical unit names.
func ParsePeriodUnit(s string) (PeriodUnit, error) {
	u := PeriodUnit(strings.ToLower(strings.TrimSpace(s)))
	if !u.Valid() {
		return "", fmt.Errorf("%w: unknown period %q", ErrBadRequest, s)
	}
	return u, nil
}

// CivilDay returns t's calendar day in loc as a midnight-UTC value.
func CivilDay(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func FormatDay(day time.Time) string {
	return day.Format(DayLayout)
}

func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrBadRequest, s)
	}
	return t, nil
}

// Range is an inclusive span of calendar days. A zero bound is open.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) IsAll() bool {
	return r.From.IsZero() && r.To.IsZero()
}

func (r Range) Contains(day time.Time) bool {
	if !r.From.IsZero() && day.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && day.After(r.To) {
		return false
	}
	return true
}

// Bounds renders the range as inclusive day strings for SQL. Open bounds
// become values that sort before or after every stored date.
func (r Range) Bounds() (string, string) {
	from, to := "0000-01-01", "9999-12-31"
	if !r.From.IsZero() {
		from = FormatDay(r.From)
	}
	if !r.To.IsZero() {
		to = FormatDay(r.To)
	}
	return from, to
}

func (r Range) String() string {
	if r.IsAll() {
		return "all"
	}
	from, to := r.Bounds()
	return from + ":" + to
}

// Bucket returns the calendar bucket of unit containing day. PeriodOnce has
// no calendar bucket and yields an open range.
func Bucket(unit PeriodUnit, day time.Time) Range {
	y, m, d := day.Date()
	switch unit {
	case PeriodDay:
		start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return Range{From: start, To: start}
	case PeriodWeek:
		start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		offset := (int(start.Weekday()) + 6) % 7
		start = start.AddDate(0, 0, -offset)
		return Range{From: start, To: start.AddDate(0, 0, 6)}
	case PeriodMonth:
		start := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
		return Range{From: start, To: start.AddDate(0, 1, -1)}
	case PeriodYear:
		start := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
		return Range{From: start, To: time.Date(y, 12, 31, 0, 0, 0, 0, time.UTC)}
	default:
		return Range{}
	}
}

// PreviousBucket steps one bucket back from b.
func PreviousBucket(unit PeriodUnit, b Range) Range {
	return Bucket(unit, b.From.AddDate(0, 0, -1))
}

// PeriodKey is the canonical bucket label, e.g. 2024-M01.
func PeriodKey(unit PeriodUnit, day time.Time) string {
	switch unit {
	case PeriodDay:
		return fmt.Sprintf("%04d-D%03d", day.Year(), day.YearDay())
	case PeriodWeek:
		y, w := day.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case PeriodMonth:
		return fmt.Sprintf("%04d-M%02d", day.Year(), int(day.Month()))
	case PeriodYear:
		return fmt.Sprintf("%04d", day.Year())
	default:
		return "once"
	}
}

var (
	yearRe     = regexp.MustCompile(`^(\d{4})$`)
	monthRe    = regexp.MustCompile(`^(\d{4})-M?(\d{2})$`)
	weekRe     = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)
	dayOfYrRe  = regexp.MustCompile(`^(\d{4})-D(\d{3})$`)
	isoDayRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	rangeSepRe = regexp.MustCompile(`^([^:]*):([^:]*)$`)
)

// ParseRange reads a CLI period: "", "all", "2024", "2024-01", "2024-M01",
// "2024-W02", "2024-D005", "2024-01-05" or "from:to" with either side empty.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return Range{}, nil
	}

	if m := rangeSepRe.FindStringSubmatch(s); m != nil {
		var r Range
		if m[1] != "" {
			from, err := ParseDay(m[1])
			if err != nil {
				return Range{}, err
			}
			r.From = from
		}
		if m[2] != "" {
			to, err := ParseDay(m[2])
			if err != nil {
				return Range{}, err
			}
			r.To = to
		}
		if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
			return Range{}, fmt.Errorf("%w: period %q ends before it starts", ErrBadRequest, s)
		}
		return r, nil
	}

	if isoDayRe.MatchString(s) {
		day, err := ParseDay(s)
		if err != nil {
			return Range{}, err
		}
		return Bucket(PeriodDay, day), nil
	}

	if m := yearRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		return Bucket(PeriodYear, time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)), nil
	}

	if m := monthRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		if mo < 1 || mo > 12 {
			return Range{}, fmt.Errorf("%w: invalid month in %q", ErrBadRequest, s)
		}
		return Bucket(PeriodMonth, time.Date(y, time.Month(mo), 1, 0, 0, 0, 0, time.UTC)), nil
	}

	if m := weekRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		w, _ := strconv.Atoi(m[2])
		if w < 1 || w > 53 {
			return Range{}, fmt.Errorf("%w: invalid week in %q", ErrBadRequest, s)
		}
		// January 4th always falls in ISO week 1.
		jan4 := time.Date(y, 1, 4, 0, 0, 0, 0, time.UTC)
		monday := Bucket(PeriodWeek, jan4).From.AddDate(0, 0, 7*(w-1))
		if wy, ww := monday.ISOWeek(); wy != y || ww != w {
			return Range{}, fmt.Errorf("%w: year %d has no week %d", ErrBadRequest, y, w)
		}
		return Bucket(PeriodWeek, monday), nil
	}

	if m := dayOfYrRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		yd, _ := strconv.Atoi(m[2])
		day := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, yd-1)
		if yd < 1 || day.Year() != y {
			return Range{}, fmt.Errorf("%w: invalid day of year in %q", ErrBadRequest, s)
		}
		return Bucket(PeriodDay, day), nil
	}

	return Range{}, fmt.Errorf("%w: unrecognized period %q", ErrBadRequest, s)
}
