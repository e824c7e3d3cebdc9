// Package dutywindow computes the canonical duty date for a timestamp.
//
// A pharmacy duty period runs from 08:00 local time to 08:00 the next
// morning. Before 08:00 the roster of the previous calendar date is
// still in force, so the effective duty date rolls back one day.
package dutywindow

import (
	"time"

	"github.com/rotisserie/eris"
)

// RolloverHour is the local wall-clock hour at which a new duty period
// begins.
const RolloverHour = 8

// DefaultTimezone is the regional clock all duty windows are anchored to.
const DefaultTimezone = "Europe/Istanbul"

// Window is a resolved duty period.
type Window struct {
	DutyDate    string    // YYYY-MM-DD
	WindowStart time.Time // 08:00 local on DutyDate
	WindowEnd   time.Time // 08:00 local the following day
}

// Resolver computes duty windows in a fixed location. The zero value is
// not usable; construct with New.
type Resolver struct {
	loc *time.Location
}

// New loads the named timezone and returns a Resolver bound to it.
func New(tz string) (*Resolver, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, eris.Wrapf(err, "dutywindow: load timezone %q", tz)
	}
	return &Resolver{loc: loc}, nil
}

// MustNew is New that panics on a bad timezone name. Intended for
// wiring with the compile-time default only.
func MustNew(tz string) *Resolver {
	r, err := New(tz)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the duty window that contains now. The conversion
// goes through the location's wall clock rather than UTC offset
// arithmetic, so daylight-saving transitions do not shift the boundary.
func (r *Resolver) Resolve(now time.Time) Window {
	local := now.In(r.loc)

	y, m, d := local.Date()
	if local.Hour() < RolloverHour {
		y, m, d = local.AddDate(0, 0, -1).Date()
	}

	start := time.Date(y, m, d, RolloverHour, 0, 0, 0, r.loc)
	return Window{
		DutyDate:    start.Format("2006-01-02"),
		WindowStart: start,
		WindowEnd:   start.AddDate(0, 0, 1),
	}
}

// DutyDate is shorthand for Resolve(now).DutyDate.
func (r *Resolver) DutyDate(now time.Time) string {
	return r.Resolve(now).DutyDate
}
