// Package epiweek implements MMWR epidemiological week arithmetic.
//
// An epiweek identifies a surveillance week using the CDC's MMWR convention:
// weeks run Sunday through Saturday, and week 1 of a year is the first week
// containing at least four days of that calendar year. Years therefore have
// either 52 or 53 epiweeks. Epiweeks are written as YYYYWW integers, e.g.
// 201740 for the 40th week of 2017.
package epiweek

import (
	"fmt"
	"strconv"
	"time"
)

// Week is an epiweek in YYYYWW form.
type Week int

const week1Cutoff = 3 // Jan 1 on Sun..Wed starts week 1 of the new year

// Join builds a Week from a year and week number. It does not validate; use
// Check for that.
func Join(year, week int) Week {
	return Week(year*100 + week)
}

// Parse converts a YYYYWW string into a valid Week.
func Parse(s string) (Week, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse epiweek %q: %w", s, err)
	}
	w := Week(n)
	if err := Check(w); err != nil {
		return 0, err
	}
	return w, nil
}

// Year returns the epidemiological year.
func (w Week) Year() int { return int(w) / 100 }

// WeekOfYear returns the week number within the year, 1 through 52 or 53.
func (w Week) WeekOfYear() int { return int(w) % 100 }

func (w Week) String() string { return strconv.Itoa(int(w)) }

// Check reports whether w is a well-formed epiweek.
func Check(w Week) error {
	year, week := w.Year(), w.WeekOfYear()
	if year < 1000 || year > 9999 {
		return fmt.Errorf("epiweek %d: year out of range", int(w))
	}
	if n := NumWeeks(year); week < 1 || week > n {
		return fmt.Errorf("epiweek %d: week out of range (year %d has %d weeks)", int(w), year, n)
	}
	return nil
}

// NumWeeks returns the number of epiweeks in the given year, 52 or 53.
func NumWeeks(year int) int {
	return int(weekOneStart(year+1).Sub(weekOneStart(year)) / (7 * 24 * time.Hour))
}

// weekOneStart returns the Sunday on which week 1 of the given year begins.
func weekOneStart(year int) time.Time {
	jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	d := int(jan1.Weekday())
	if d <= week1Cutoff {
		return jan1.AddDate(0, 0, -d)
	}
	return jan1.AddDate(0, 0, 7-d)
}

// Start returns the Sunday on which w begins, in UTC.
func (w Week) Start() time.Time {
	return weekOneStart(w.Year()).AddDate(0, 0, (w.WeekOfYear()-1)*7)
}

// FromTime returns the epiweek containing the given instant.
func FromTime(t time.Time) Week {
	t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	for _, year := range []int{t.Year() + 1, t.Year(), t.Year() - 1} {
		start := weekOneStart(year)
		if t.Before(start) {
			continue
		}
		n := int(t.Sub(start) / (7 * 24 * time.Hour))
		if n < NumWeeks(year) {
			return Join(year, n+1)
		}
	}
	// Jan 1 of year 1; not a date surveillance deals in.
	return Join(t.Year(), 1)
}

// Add returns the epiweek n weeks after w. Negative n moves backwards. Week
// 53 of a 53-week year is handled by date arithmetic rather than by carrying
// digits.
func (w Week) Add(n int) Week {
	return FromTime(w.Start().AddDate(0, 0, n*7))
}

// Sub returns the number of weeks from u to w. The result is positive when w
// is after u.
func (w Week) Sub(u Week) int {
	return int(w.Start().Sub(u.Start()) / (7 * 24 * time.Hour))
}

// Season returns the first year of the flu season containing w. Seasons begin
// on epiweek 40, so 201739 belongs to the 2016 season and 201740 to the 2017
// season.
func (w Week) Season() int {
	if w.WeekOfYear() < 40 {
		return w.Year() - 1
	}
	return w.Year()
}

// Range returns all epiweeks from first through last, inclusive.
func Range(first, last Week) []Week {
	if last < first {
		return nil
	}
	weeks := make([]Week, 0, last.Sub(first)+1)
	for w := first; w <= last; w = w.Add(1) {
		weeks = append(weeks, w)
	}
	return weeks
}
