// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements qa.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a qa.Clock that always reports the same instant.
type Fixed struct {
	At time.Time
}

// Now returns f.At.
func (f Fixed) Now() time.Time {
	return f.At
}
