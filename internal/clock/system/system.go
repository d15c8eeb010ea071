// Package system provides the wall clock used to stamp retrieved filings.
package system

import "time"

// Clock implements filing.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
