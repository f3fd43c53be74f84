package proc

import "time"

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns a Clock backed by the system clock.
func RealClock() Clock { return realClock{} }

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules fn to run after d. The supervisor substitutes a
// factory that defers fn onto its event loop; tests substitute a manual
// trigger.
type AfterFunc func(d time.Duration, fn func()) Timer

// StdAfter is the AfterFunc backed by time.AfterFunc.
func StdAfter(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
