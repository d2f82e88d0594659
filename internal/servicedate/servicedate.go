// Package servicedate maps wall-clock timestamps onto transit service days.
//
// Service that runs past midnight belongs to the previous day's schedule, so
// any timestamp before the cutoff hour is attributed to the prior calendar
// date.
package servicedate

import (
	"fmt"
	"time"
)

// DefaultCutoffHour is the hour at which a new service day begins.
const DefaultCutoffHour = 4

// Date is a calendar date without a time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Of returns the service day that t belongs to. The time of day is read in
// t's own location. A cutoffHour outside [0, 23] falls back to
// DefaultCutoffHour.
func Of(t time.Time, cutoffHour int) Date {
	if cutoffHour < 0 || cutoffHour > 23 {
		cutoffHour = DefaultCutoffHour
	}
	if t.Hour() < cutoffHour {
		// Noon keeps the normalized date clear of DST gaps.
		y, m, d := t.Date()
		t = time.Date(y, m, d-1, 12, 0, 0, 0, t.Location())
	}
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}
