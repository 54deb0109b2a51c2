package executor

import (
	"fmt"
	"time"
)

// State is the lifecycle state of one query attempt.
type State int

const (
	Pending State = iota
	TimedOut
	Failed
	Succeeded
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	case Succeeded:
		return "succeeded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s != Pending
}

// Attempt records one try of a query. It starts Pending and moves to exactly
// one terminal state.
type Attempt struct {
	Index    int // 1-based
	State    State
	Err      error
	Started  time.Time
	Finished time.Time
}

func newAttempt(index int, now time.Time) *Attempt {
	return &Attempt{Index: index, State: Pending, Started: now}
}

// resolve moves a pending attempt to its terminal state. A nil error means
// Succeeded; timedOut distinguishes TimedOut from Failed.
func (a *Attempt) resolve(err error, timedOut bool, now time.Time) error {
	if a.State.Terminal() {
		return fmt.Errorf("attempt %d already %s", a.Index, a.State)
	}
	a.Finished = now
	a.Err = err
	switch {
	case err == nil:
		a.State = Succeeded
	case timedOut:
		a.State = TimedOut
	default:
		a.State = Failed
	}
	return nil
}

// Duration is how long the attempt ran. Zero while pending.
func (a *Attempt) Duration() time.Duration {
	if !a.State.Terminal() {
		return 0
	}
	return a.Finished.Sub(a.Started)
}

// BackoffDelay returns the wait after failed attempt n (1-based):
// base * 2^(n-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	if attempt > 31 {
		attempt = 31
	}
	return base << (attempt - 1)
}

// TotalBackoff is the sum of the delays waited before each of retries retries.
func TotalBackoff(base time.Duration, retries int) time.Duration {
	var total time.Duration
	for n := 1; n <= retries; n++ {
		total += BackoffDelay(base, n)
	}
	return total
}
