package timerange

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/insights/pkg/model"
)

var ErrUnrecognized = errors.New("unrecognized time range")

var (
	quarterRe  = regexp.MustCompile(`^q([1-4])(?:\s+(\d{4}))?$`)
	yearQtrRe  = regexp.MustCompile(`^(\d{4})\s*q([1-4])$`)
	halfRe     = regexp.MustCompile(`^h([12])(?:\s+(\d{4}))?$`)
	yearRe     = regexp.MustCompile(`^(?:fy\s*)?(\d{4})$`)
	yearMonRe  = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
	monthRe    = regexp.MustCompile(`^([a-z]+)(?:\s+(\d{4}))?$`)
	relativeRe = regexp.MustCompile(`^(this|last|previous|current)\s+(year|quarter|month|week)$`)
	lastNRe    = regexp.MustCompile(`^(?:last|past|previous)\s+(\d{1,3})\s+(days?|weeks?|months?|quarters?|years?)$`)
	betweenRe  = regexp.MustCompile(`^(?:from\s+|between\s+)?(\d{4}-\d{2}-\d{2})\s*(?:to|and|-|through|until)\s*(\d{4}-\d{2}-\d{2})$`)
)

var months = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

// Resolver turns time expressions into concrete half-open ranges relative to
// its clock. All ranges are in UTC at day boundaries.
type Resolver struct {
	clock clockwork.Clock
}

func NewResolver(clock clockwork.Clock) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{clock: clock}
}

// Resolve parses expr. An empty expression or "all time" yields an unbounded
// range.
func (r *Resolver) Resolve(expr string) (model.TimeRange, error) {
	e := strings.ToLower(strings.TrimSpace(expr))
	e = strings.Join(strings.Fields(strings.NewReplacer(",", " ", "'", "").Replace(e)), " ")
	now := r.clock.Now().UTC()
	today := day(now.Year(), now.Month(), now.Day())

	out := func(start, end time.Time, label string) (model.TimeRange, error) {
		return model.TimeRange{Expr: expr, Label: label, Start: start, End: end}, nil
	}

	switch e {
	case "", "all time", "all", "overall", "ever", "to date":
		return model.TimeRange{Expr: expr}, nil
	case "ytd", "year to date":
		start := day(now.Year(), time.January, 1)
		return out(start, today.AddDate(0, 0, 1), fmt.Sprintf("%d year to date", now.Year()))
	case "qtd", "quarter to date":
		start := quarterStart(now.Year(), quarterOf(now.Month()))
		return out(start, today.AddDate(0, 0, 1), fmt.Sprintf("Q%d %d to date", quarterOf(now.Month()), now.Year()))
	case "mtd", "month to date":
		start := day(now.Year(), now.Month(), 1)
		return out(start, today.AddDate(0, 0, 1), fmt.Sprintf("%s %d to date", now.Month(), now.Year()))
	case "today":
		return out(today, today.AddDate(0, 0, 1), today.Format("2006-01-02"))
	case "yesterday":
		y := today.AddDate(0, 0, -1)
		return out(y, today, y.Format("2006-01-02"))
	}

	if m := quarterRe.FindStringSubmatch(e); m != nil {
		q, _ := strconv.Atoi(m[1])
		year := now.Year()
		if m[2] != "" {
			year, _ = strconv.Atoi(m[2])
		} else if quarterStart(year, q).After(now) {
			year--
		}
		return out(quarterStart(year, q), quarterStart(year, q).AddDate(0, 3, 0), fmt.Sprintf("Q%d %d", q, year))
	}
	if m := yearQtrRe.FindStringSubmatch(e); m != nil {
		year, _ := strconv.Atoi(m[1])
		q, _ := strconv.Atoi(m[2])
		return out(quarterStart(year, q), quarterStart(year, q).AddDate(0, 3, 0), fmt.Sprintf("Q%d %d", q, year))
	}
	if m := halfRe.FindStringSubmatch(e); m != nil {
		h, _ := strconv.Atoi(m[1])
		year := now.Year()
		start := day(year, time.Month(1+6*(h-1)), 1)
		if m[2] != "" {
			year, _ = strconv.Atoi(m[2])
			start = day(year, time.Month(1+6*(h-1)), 1)
		} else if start.After(now) {
			year--
			start = day(year, time.Month(1+6*(h-1)), 1)
		}
		return out(start, start.AddDate(0, 6, 0), fmt.Sprintf("H%d %d", h, year))
	}
	if m := yearRe.FindStringSubmatch(e); m != nil {
		year, _ := strconv.Atoi(m[1])
		return out(day(year, time.January, 1), day(year+1, time.January, 1), strconv.Itoa(year))
	}
	if m := yearMonRe.FindStringSubmatch(e); m != nil {
		year, _ := strconv.Atoi(m[1])
		mon, _ := strconv.Atoi(m[2])
		if mon < 1 || mon > 12 {
			return model.TimeRange{}, fmt.Errorf("%w: %q", ErrUnrecognized, expr)
		}
		start := day(year, time.Month(mon), 1)
		return out(start, start.AddDate(0, 1, 0), fmt.Sprintf("%s %d", start.Month(), year))
	}
	if m := relativeRe.FindStringSubmatch(e); m != nil {
		back := 0
		if m[1] == "last" || m[1] == "previous" {
			back = 1
		}
		switch m[2] {
		case "year":
			year := now.Year() - back
			return out(day(year, time.January, 1), day(year+1, time.January, 1), strconv.Itoa(year))
		case "quarter":
			start := quarterStart(now.Year(), quarterOf(now.Month())).AddDate(0, -3*back, 0)
			return out(start, start.AddDate(0, 3, 0), fmt.Sprintf("Q%d %d", quarterOf(start.Month()), start.Year()))
		case "month":
			start := day(now.Year(), now.Month(), 1).AddDate(0, -back, 0)
			return out(start, start.AddDate(0, 1, 0), fmt.Sprintf("%s %d", start.Month(), start.Year()))
		case "week":
			offset := (int(today.Weekday()) + 6) % 7
			start := today.AddDate(0, 0, -offset-7*back)
			return out(start, start.AddDate(0, 0, 7), "week of "+start.Format("2006-01-02"))
		}
	}
	if m := lastNRe.FindStringSubmatch(e); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n <= 0 {
			return model.TimeRange{}, fmt.Errorf("%w: %q", ErrUnrecognized, expr)
		}
		end := today.AddDate(0, 0, 1)
		var start time.Time
		unit := strings.TrimSuffix(m[2], "s")
		switch unit {
		case "day":
			start = end.AddDate(0, 0, -n)
		case "week":
			start = end.AddDate(0, 0, -7*n)
		case "month":
			start = end.AddDate(0, -n, 0)
		case "quarter":
			start = end.AddDate(0, -3*n, 0)
		case "year":
			start = end.AddDate(-n, 0, 0)
		}
		return out(start, end, fmt.Sprintf("last %d %ss", n, unit))
	}
	if m := betweenRe.FindStringSubmatch(e); m != nil {
		start, err1 := time.Parse("2006-01-02", m[1])
		last, err2 := time.Parse("2006-01-02", m[2])
		if err1 != nil || err2 != nil || last.Before(start) {
			return model.TimeRange{}, fmt.Errorf("%w: %q", ErrUnrecognized, expr)
		}
		return out(start, last.AddDate(0, 0, 1), m[1]+" to "+m[2])
	}
	if m := monthRe.FindStringSubmatch(e); m != nil {
		mon, ok := months[m[1]]
		if ok {
			year := now.Year()
			if m[2] != "" {
				year, _ = strconv.Atoi(m[2])
			} else if day(year, mon, 1).After(now) {
				year--
			}
			start := day(year, mon, 1)
			return out(start, start.AddDate(0, 1, 0), fmt.Sprintf("%s %d", mon, year))
		}
	}

	return model.TimeRange{}, fmt.Errorf("%w: %q", ErrUnrecognized, expr)
}

// Previous returns the period immediately before r with the same calendar
// length. Whole months are shifted by months so quarters and years line up.
func Previous(r model.TimeRange) model.TimeRange {
	if r.Start.IsZero() || r.End.IsZero() {
		return model.TimeRange{}
	}
	var start time.Time
	if n, ok := wholeMonths(r.Start, r.End); ok {
		start = r.Start.AddDate(0, -n, 0)
	} else {
		start = r.Start.Add(-r.End.Sub(r.Start))
	}
	prev := model.TimeRange{Start: start, End: r.Start}
	prev.Label = label(prev)
	return prev
}

func label(r model.TimeRange) string {
	if n, ok := wholeMonths(r.Start, r.End); ok {
		switch {
		case n == 12 && r.Start.Month() == time.January:
			return strconv.Itoa(r.Start.Year())
		case n == 3 && (r.Start.Month()-1)%3 == 0:
			return fmt.Sprintf("Q%d %d", quarterOf(r.Start.Month()), r.Start.Year())
		case n == 1:
			return fmt.Sprintf("%s %d", r.Start.Month(), r.Start.Year())
		}
	}
	return r.Start.Format("2006-01-02") + " to " + r.End.AddDate(0, 0, -1).Format("2006-01-02")
}

func wholeMonths(start, end time.Time) (int, bool) {
	if start.Day() != 1 || end.Day() != 1 || start.Hour() != 0 || end.Hour() != 0 {
		return 0, false
	}
	n := (end.Year()-start.Year())*12 + int(end.Month()-start.Month())
	return n, n > 0
}

// Buckets returns how many grain periods overlap r, or 0 when r is unbounded.
func Buckets(r model.TimeRange, g model.Grain) int {
	if r.Start.IsZero() || r.End.IsZero() || !g.Valid() {
		return 0
	}
	n := 0
	for t := Truncate(r.Start, g); t.Before(r.End); t = advance(t, g) {
		n++
	}
	return n
}

// Truncate rounds t down to the start of its grain period. Weeks start on
// Monday.
func Truncate(t time.Time, g model.Grain) time.Time {
	t = t.UTC()
	switch g {
	case model.GrainDay:
		return day(t.Year(), t.Month(), t.Day())
	case model.GrainWeek:
		d := day(t.Year(), t.Month(), t.Day())
		return d.AddDate(0, 0, -((int(d.Weekday()) + 6) % 7))
	case model.GrainMonth:
		return day(t.Year(), t.Month(), 1)
	case model.GrainQuarter:
		return quarterStart(t.Year(), quarterOf(t.Month()))
	case model.GrainYear:
		return day(t.Year(), time.January, 1)
	}
	return t
}

func advance(t time.Time, g model.Grain) time.Time {
	switch g {
	case model.GrainDay:
		return t.AddDate(0, 0, 1)
	case model.GrainWeek:
		return t.AddDate(0, 0, 7)
	case model.GrainMonth:
		return t.AddDate(0, 1, 0)
	case model.GrainQuarter:
		return t.AddDate(0, 3, 0)
	default:
		return t.AddDate(1, 0, 0)
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func quarterOf(m time.Month) int {
	return (int(m)-1)/3 + 1
}

func quarterStart(year, q int) time.Time {
	return day(year, time.Month(3*(q-1)+1), 1)
}
