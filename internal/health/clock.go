package health

import (
	"fmt"
	"strings"
	"time"
)

// Clock supplies the current time. Components take a Clock so scoring and
// sweeping can be tested at fixed instants.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// DateLayout is the calendar date format used for dose slots.
const DateLayout = "2006-01-02"

// DateOf returns the calendar date of t in loc.
func DateOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// DayBounds returns the start of date and the start of the following day in loc.
func DayBounds(date string, loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}

// ParseTimeOfDay normalises "8:00", "08:00" or "8:00 AM" to "HH:MM".
func ParseTimeOfDay(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range []string{"15:04", "3:04 PM", "3:04PM", "03:04 PM"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), nil
		}
	}
	return "", fmt.Errorf("invalid time of day %q", s)
}
