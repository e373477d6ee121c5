// Package firetime computes the next UTC instant a yearly event fires.
//
// An event is stored as a calendar date (the year component is historical),
// a local wall-clock time and an IANA timezone. The next fire is the nearest
// strictly-future occurrence of that wall clock in that zone, converted to
// UTC. Feb 29 anniversaries are clamped to Feb 28 in non-leap target years.
package firetime

import (
	"fmt"
	"time"
)

// UTCMillis is the persistence layout for fire instants. Fixed three-digit
// milliseconds keep the stored strings lexicographically ordered, which the
// due-events index relies on.
const UTCMillis = "2006-01-02T15:04:05.000Z"

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// Next resolves the next fire instant strictly after ref.
//
// date is YYYY-MM-DD (only month and day are used), tz an IANA zone name,
// localClock HH:MM in 24h form. A candidate equal to ref is not in the
// future and advances to the following year. Around year boundaries in far
// offset zones one advance can still land in the past, so the advance
// repeats until the candidate clears ref.
func Next(date, tz, localClock string, ref time.Time) (time.Time, error) {
	loc, month, day, hour, min, err := resolve(date, tz, localClock)
	if err != nil {
		return time.Time{}, err
	}

	year := ref.UTC().Year()
	candidate := occurrence(year, month, day, hour, min, loc)
	for !candidate.After(ref) {
		year++
		candidate = occurrence(year, month, day, hour, min, loc)
	}
	return candidate, nil
}

// ForYear resolves the fire instant of a specific target year, regardless of
// whether it lies in the past. The sender uses it to advance an event to
// year+1 at claim time.
func ForYear(date, tz, localClock string, year int) (time.Time, error) {
	loc, month, day, hour, min, err := resolve(date, tz, localClock)
	if err != nil {
		return time.Time{}, err
	}
	return occurrence(year, month, day, hour, min, loc), nil
}

// occurrence builds the UTC instant of the event's wall clock in the target
// year. The Feb 29 clamp happens here; everything else (DST gaps, overlaps)
// is delegated to the timezone database via time.Date.
func occurrence(year int, month time.Month, day, hour, min int, loc *time.Location) time.Time {
	if month == time.February && day == 29 && !isLeap(year) {
		day = 28
	}
	return time.Date(year, month, day, hour, min, 0, 0, loc).UTC()
}

func resolve(date, tz, localClock string) (*time.Location, time.Month, int, int, int, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, 0, 0, 0, 0, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, 0, 0, 0, 0, fmt.Errorf("invalid date %q: %w", date, err)
	}

	c, err := time.Parse(clockLayout, localClock)
	if err != nil {
		return nil, 0, 0, 0, 0, fmt.Errorf("invalid local time %q: %w", localClock, err)
	}

	return loc, d.Month(), d.Day(), c.Hour(), c.Minute(), nil
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// FormatUTC renders t in the UTCMillis persistence form.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(UTCMillis)
}

// ParseUTC parses the UTCMillis persistence form.
func ParseUTC(s string) (time.Time, error) {
	t, err := time.Parse(UTCMillis, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid fire instant %q: %w", s, err)
	}
	return t.UTC(), nil
}
