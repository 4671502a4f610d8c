package shared

import "time"

// Clock is the single authoritative time source for expiry decisions.
type Clock func() time.Time

// SystemClock returns the current UTC time.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Now returns the clock reading, falling back to SystemClock when unset.
func (c Clock) Now() time.Time {
	if c == nil {
		return SystemClock()
	}
	return c()
}

// Expired reports whether now is strictly after expiresAt. The instant of
// expiry itself is still valid.
func Expired(now, expiresAt time.Time) bool {
	return now.After(expiresAt)
}
