// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Frontier and post timestamps are always UTC.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
