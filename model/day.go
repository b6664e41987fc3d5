package model

import (
	"errors"
	"fmt"
	"time"
)

// DayLayout is the calendar date format used for ledger keys and file names.
const DayLayout = "2006-01-02"

var ErrInvalidDay = errors.New("invalid day")

// Day is a calendar date in YYYY-MM-DD form. The zero value is not a valid day.
type Day string

// DayOf returns the calendar date of t in t's location.
func DayOf(t time.Time) Day {
	return Day(t.Format(DayLayout))
}

// ParseDay validates s and returns it as a Day.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidDay, s, err)
	}
	// Reject non-canonical forms that time.Parse accepts.
	if t.Format(DayLayout) != s {
		return "", fmt.Errorf("%w %q", ErrInvalidDay, s)
	}
	return Day(s), nil
}

func (d Day) String() string {
	return string(d)
}

// Before reports whether d is an earlier calendar date than o.
// The fixed-width layout makes string order equal date order.
func (d Day) Before(o Day) bool {
	return d < o
}
