// Package clock carries the invocation's notion of "now" in the reference timezone.
package clock

import "time"

// DayLayout formats calendar days.
const DayLayout = "2006-01-02"

// Clock is a fixed instant plus the timezone that defines calendar days.
// Components receive it at construction instead of reading time.Now.
type Clock struct {
	now time.Time
	loc *time.Location
}

// New returns a Clock frozen at now, with days resolved in loc.
func New(now time.Time, loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return Clock{now: now, loc: loc}
}

// Now returns the frozen instant.
func (c Clock) Now() time.Time {
	return c.now
}

// Location returns the reference timezone.
func (c Clock) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Today returns the current calendar day as YYYY-MM-DD.
func (c Clock) Today() string {
	return c.Day(c.now)
}

// Day returns the calendar day of t in the reference timezone.
func (c Clock) Day(t time.Time) string {
	return t.In(c.Location()).Format(DayLayout)
}

// Date returns year, month and day of now in the reference timezone.
func (c Clock) Date() (year, month, day int) {
	y, m, d := c.now.In(c.Location()).Date()
	return y, int(m), d
}

// YesterdayAt returns yesterday's date at hour:00 in the reference timezone.
func (c Clock) YesterdayAt(hour int) time.Time {
	local := c.now.In(c.Location())
	y, m, d := local.AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, hour, 0, 0, 0, c.Location())
}
