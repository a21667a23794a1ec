package timeutil

import (
	"errors"
	"time"
)

// DayFormat is the calendar-day encoding used in partition keys and rows.
const DayFormat = "2006-01-02"

var ErrInvalidRange = errors.New("invalid date range")

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// TruncateToDay normalizes the timestamp to midnight in the provided zone.
func TruncateToDay(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// ParseDay parses a calendar day in DayFormat, anchored to UTC.
func ParseDay(value string) (time.Time, error) {
	return time.Parse(DayFormat, value)
}

// DaysBetween returns each calendar day from start to end, inclusive of both
// bounds. The result drives one partition scan per day.
func DaysBetween(start, end time.Time, loc *time.Location) ([]time.Time, error) {
	loc = EnsureLocation(loc)
	first := TruncateToDay(start, loc)
	last := TruncateToDay(end, loc)
	if last.Before(first) {
		return nil, ErrInvalidRange
	}
	var days []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days, nil
}

// LookbackStart returns the inclusive start of a lookback window ending now.
func LookbackStart(now time.Time, lookbackDays int) time.Time {
	return now.Add(-time.Duration(lookbackDays) * 24 * time.Hour)
}
