package aqm

import "time"

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

// DefaultClock is a clock backed by the runtime timers.
type DefaultClock struct {
	TimeFunc func() time.Time
}

func (c DefaultClock) Now() time.Time {
	if c.TimeFunc != nil {
		return c.TimeFunc()
	}
	return time.Now()
}

func (c DefaultClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
