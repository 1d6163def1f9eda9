package clock

import "time"

// Clock abstracts the time source used by lease bookkeeping and the sweeper.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real reads the wall clock.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Millis converts t to epoch milliseconds, the unit persisted in slot records.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds back to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
