package models

import "time"

type LockoutState string

const (
	LockoutOpen    LockoutState = "open"
	LockoutWarning LockoutState = "warning"
	LockoutLocked  LockoutState = "locked"
)

// LockoutRecord is the sliding-window view of failed attempts for one key.
type LockoutRecord struct {
	Key         string
	Count       int
	LockedUntil time.Time
}

// LockoutDecision is the throttle's answer to a login attempt.
type LockoutDecision struct {
	State      LockoutState
	Failures   int
	Delay      time.Duration
	RetryAfter time.Duration
}

func (d LockoutDecision) Allowed() bool {
	return d.State != LockoutLocked
}
