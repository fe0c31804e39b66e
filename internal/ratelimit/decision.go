package ratelimit

import "time"

// Decision is either Admitted or Denied. Switch on the concrete type or
// call Allowed.
type Decision interface {
	Allowed() bool
	// RetryAfter is the whole seconds until a retry can succeed, 0 when admitted.
	RetryAfter() int

	decision()
}

type Reason string

const (
	// ReasonLimit means the identity used its quota for the current window.
	ReasonLimit Reason = "limit"
	// ReasonCapacity means the limiter is tracking MaxEntries identities and
	// will not start a new one.
	ReasonCapacity Reason = "capacity"
)

type Admitted struct {
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (Admitted) Allowed() bool   { return true }
func (Admitted) RetryAfter() int { return 0 }
func (Admitted) decision()       {}

type Denied struct {
	RetryAfterSeconds int
	Limit             int
	ResetAt           time.Time
	Reason            Reason
}

func (Denied) Allowed() bool     { return false }
func (d Denied) RetryAfter() int { return d.RetryAfterSeconds }
func (Denied) decision()         {}

// retryAfter rounds the time left in the window up to whole seconds.
func retryAfter(resetAt, now time.Time) int {
	left := resetAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}
