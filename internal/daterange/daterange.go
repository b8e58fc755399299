// Package daterange parses the date-range expressions accepted by the
// metrics and finance commands.
package daterange

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const dayFormat = "2006-01-02"

// Range is an inclusive day range in UTC
type Range struct {
	Start time.Time
	End   time.Time
}

// Parse resolves a range expression relative to now. Supported forms:
// today, yesterday, Nd (trailing N days), mtd, qtd, ytd, and explicit
// "YYYY-MM-DD..YYYY-MM-DD" ranges.
func Parse(expr string, now time.Time) (Range, error) {
	today := truncateDay(now.UTC())

	switch expr {
	case "":
		return Range{}, fmt.Errorf("empty date range")
	case "today":
		return Range{Start: today, End: today}, nil
	case "yesterday":
		y := today.AddDate(0, 0, -1)
		return Range{Start: y, End: y}, nil
	case "mtd":
		return Range{Start: time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC), End: today}, nil
	case "qtd":
		qm := time.Month((int(today.Month())-1)/3*3 + 1)
		return Range{Start: time.Date(today.Year(), qm, 1, 0, 0, 0, 0, time.UTC), End: today}, nil
	case "ytd":
		return Range{Start: time.Date(today.Year(), 1, 1, 0, 0, 0, 0, time.UTC), End: today}, nil
	}

	if strings.HasSuffix(expr, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(expr, "d"))
		if err == nil {
			if n <= 0 {
				return Range{}, fmt.Errorf("invalid date range %q: day count must be positive", expr)
			}
			return Range{Start: today.AddDate(0, 0, -(n - 1)), End: today}, nil
		}
	}

	if strings.Contains(expr, "..") {
		parts := strings.SplitN(expr, "..", 2)
		start, err := time.ParseInLocation(dayFormat, parts[0], time.UTC)
		if err != nil {
			return Range{}, fmt.Errorf("invalid start date %q: %w", parts[0], err)
		}
		end, err := time.ParseInLocation(dayFormat, parts[1], time.UTC)
		if err != nil {
			return Range{}, fmt.Errorf("invalid end date %q: %w", parts[1], err)
		}
		if end.Before(start) {
			return Range{}, fmt.Errorf("invalid date range %q: end before start", expr)
		}
		return Range{Start: start, End: end}, nil
	}

	return Range{}, fmt.Errorf("unrecognized date range %q", expr)
}

// Days is the number of days covered, inclusive of both bounds
func (r Range) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Query returns the range as backend query parameters
func (r Range) Query() url.Values {
	v := url.Values{}
	v.Set("start_date", r.Start.Format(dayFormat))
	v.Set("end_date", r.End.Format(dayFormat))
	return v
}

func (r Range) String() string {
	return r.Start.Format(dayFormat) + ".." + r.End.Format(dayFormat)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
