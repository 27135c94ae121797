// Package bizhours does deadline arithmetic that only counts time inside a weekly business window.
package bizhours

import (
	"errors"
	"fmt"
	"time"
)

// maxDaysScanned bounds every walk over the calendar; a window with no active days fails validation.
const maxDaysScanned = 3700

// Window is a daily open interval on a set of weekdays, in one timezone.
type Window struct {
	start time.Duration // offset from local midnight
	end   time.Duration
	days  [7]bool
	loc   *time.Location
}

// NewWindow builds a window open from startHour to endHour local time on the given weekdays.
func NewWindow(startHour, endHour int, days []time.Weekday, loc *time.Location) (Window, error) {
	w := Window{
		start: time.Duration(startHour) * time.Hour,
		end:   time.Duration(endHour) * time.Hour,
		loc:   loc,
	}
	for _, d := range days {
		w.days[d] = true
	}
	return w, w.Validate()
}

// Validate rejects windows that could never open.
func (w Window) Validate() error {
	if w.loc == nil {
		return errors.New("business window has no timezone")
	}
	if w.start < 0 || w.end > 24*time.Hour || w.start >= w.end {
		return fmt.Errorf("business window %v-%v is empty or out of range", w.start, w.end)
	}
	for _, active := range w.days {
		if active {
			return nil
		}
	}
	return errors.New("business window has no active weekdays")
}

// Location is the timezone the window is evaluated in.
func (w Window) Location() *time.Location {
	return w.loc
}

// bounds returns the open and close instants of the calendar day containing t.
func (w Window) bounds(t time.Time) (open, close time.Time) {
	y, m, d := t.Date()
	midnightOffset := func(off time.Duration) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, w.loc).Add(off)
	}
	return midnightOffset(w.start), midnightOffset(w.end)
}

func (w Window) nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, w.loc)
}

// IsOpen reports whether t falls inside the window (open inclusive, close exclusive).
func (w Window) IsOpen(t time.Time) bool {
	t = t.In(w.loc)
	if !w.days[t.Weekday()] {
		return false
	}
	open, close := w.bounds(t)
	return !t.Before(open) && t.Before(close)
}

// NextOpen returns t itself when the window is open, otherwise the next opening instant.
func (w Window) NextOpen(t time.Time) time.Time {
	cur := t.In(w.loc)
	for i := 0; i < maxDaysScanned; i++ {
		if w.days[cur.Weekday()] {
			open, close := w.bounds(cur)
			if cur.Before(open) {
				return open
			}
			if cur.Before(close) {
				return cur
			}
		}
		cur = w.nextMidnight(cur)
	}
	return cur
}

// DayClose returns the close of the business day containing t, or of the next business day when t is outside the window.
func (w Window) DayClose(t time.Time) time.Time {
	_, close := w.bounds(w.NextOpen(t))
	return close
}

// Add returns the instant reached after d of business time starting at start.
// A start outside the window counts from the next opening. Reaching close exactly returns close.
func (w Window) Add(start time.Time, d time.Duration) time.Time {
	cur := w.NextOpen(start)
	remaining := d
	for i := 0; i < maxDaysScanned; i++ {
		_, close := w.bounds(cur)
		avail := close.Sub(cur)
		if remaining <= avail {
			return cur.Add(remaining)
		}
		remaining -= avail
		cur = w.NextOpen(w.nextMidnight(cur))
	}
	return cur
}

// Elapsed returns how much business time lies between from and to. It is zero when to is not after from.
func (w Window) Elapsed(from, to time.Time) time.Duration {
	if !to.After(from) {
		return 0
	}
	var total time.Duration
	cur := from.In(w.loc)
	for i := 0; i < maxDaysScanned && cur.Before(to); i++ {
		if w.days[cur.Weekday()] {
			open, close := w.bounds(cur)
			lo := maxTime(cur, open)
			hi := minTime(to, close)
			if hi.After(lo) {
				total += hi.Sub(lo)
			}
		}
		cur = w.nextMidnight(cur)
	}
	return total
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
