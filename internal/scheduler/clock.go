package scheduler

import "time"

// Timer is a single-shot timer that can be disarmed
type Timer = interface{ Stop() bool }

// Clock provides time operations that can be replaced in tests
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock uses the standard time package
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
