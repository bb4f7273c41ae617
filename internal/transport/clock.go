package transport

import "time"

// Clock is the time source behind keepalive.
type Clock interface {
	Now() time.Time
	// NewTicker returns a channel ticking every d and a func that stops it.
	NewTicker(d time.Duration) (<-chan time.Time, func())
}

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
