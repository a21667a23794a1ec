package timeutil

import (
	"errors"
	"testing"
	"time"
)

func TestTruncateToDay(t *testing.T) {
	ts := time.Date(2026, time.January, 16, 14, 30, 45, 123, time.UTC)
	day := TruncateToDay(ts, time.UTC)
	if day.Hour() != 0 || day.Minute() != 0 || day.Second() != 0 || day.Nanosecond() != 0 {
		t.Fatalf("not midnight: %v", day)
	}
	if day.Format(DayFormat) != "2026-01-16" {
		t.Fatalf("wrong day: %v", day)
	}
}

func TestDaysBetweenIsInclusive(t *testing.T) {
	start := time.Date(2026, time.January, 14, 23, 0, 0, 0, time.UTC)
	end := time.Date(2026, time.January, 16, 1, 0, 0, 0, time.UTC)
	days, err := DaysBetween(start, end, time.UTC)
	if err != nil {
		t.Fatalf("days between: %v", err)
	}
	if len(days) != 3 {
		t.Fatalf("want 3 days, got %d", len(days))
	}
	if days[0].Format(DayFormat) != "2026-01-14" || days[2].Format(DayFormat) != "2026-01-16" {
		t.Fatalf("unexpected bounds: %v .. %v", days[0], days[2])
	}
}

func TestDaysBetweenSingleDay(t *testing.T) {
	day := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	days, err := DaysBetween(day, day, time.UTC)
	if err != nil {
		t.Fatalf("days between: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("want 1 day, got %d", len(days))
	}
}

func TestDaysBetweenRejectsReversedRange(t *testing.T) {
	start := time.Date(2026, time.January, 16, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, -2)
	if _, err := DaysBetween(start, end, time.UTC); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("want ErrInvalidRange, got %v", err)
	}
}

func TestParseDay(t *testing.T) {
	day, err := ParseDay("2026-01-16")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !day.Equal(time.Date(2026, time.January, 16, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected day: %v", day)
	}
	if _, err := ParseDay("16/01/2026"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLookbackStart(t *testing.T) {
	now := time.Date(2026, time.January, 16, 12, 0, 0, 0, time.UTC)
	start := LookbackStart(now, 7)
	if got := now.Sub(start); got != 7*24*time.Hour {
		t.Fatalf("want 7 days, got %s", got)
	}
}
