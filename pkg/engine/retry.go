package engine

import (
	"fmt"
	"time"
)

// RetryPolicy bounds the retry loop of a single unit execution.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" validate:"min=1,max=10"`

	// BaseDelay is the wait before the second attempt. Each later wait doubles.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay" validate:"min=0"`

	// MaxDelay caps a single wait. Zero disables the cap.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay" validate:"min=0"`
}

// DefaultRetryPolicy returns three attempts with 2s, 4s waits between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
// The sequence is BaseDelay, 2*BaseDelay, 4*BaseDelay and so on.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// EventKind is an input to the execution state machine.
type EventKind string

const (
	// EventStart moves INIT to RUNNING.
	EventStart EventKind = "start"

	// EventOutcome reports the classification of a finished attempt.
	EventOutcome EventKind = "outcome"

	// EventResume moves RETRYABLE_FAILURE back to RUNNING after the backoff.
	EventResume EventKind = "resume"
)

// Event is one input to Transition.
type Event struct {
	Kind EventKind

	// Attempt is the 1-based number of the attempt that just finished.
	Attempt int

	// Class is the classification of the finished attempt.
	Class ErrorClass

	// Remaining is the time left before the overall deadline.
	// Zero or negative means no deadline is tracked.
	Remaining time.Duration
}

// Decision is the output of Transition.
type Decision struct {
	State ExecState

	// Delay is the wait before resuming, set only for RETRYABLE_FAILURE.
	Delay time.Duration

	// Reason explains terminal failures decided by the machine itself.
	Reason string
}

// Transition is the pure retry state machine. It has no clock and no side
// effects, so every path can be exercised with a fixed sequence of events.
func Transition(state ExecState, ev Event, policy RetryPolicy) (Decision, error) {
	switch state {
	case ExecStateInit:
		if ev.Kind == EventStart {
			return Decision{State: ExecStateRunning}, nil
		}
	case ExecStateRunning:
		if ev.Kind == EventOutcome {
			return decideOutcome(ev, policy), nil
		}
	case ExecStateRetryableFailure:
		if ev.Kind == EventResume {
			return Decision{State: ExecStateRunning}, nil
		}
	}
	return Decision{State: state}, fmt.Errorf("invalid transition from %s on %s", state, ev.Kind)
}

func decideOutcome(ev Event, policy RetryPolicy) Decision {
	switch ev.Class {
	case ErrorClassNone:
		return Decision{State: ExecStateSuccess}
	case ErrorClassBlocked:
		return Decision{State: ExecStateBlocked}
	case ErrorClassTransient:
		if ev.Attempt >= policy.MaxAttempts {
			return Decision{
				State:  ExecStatePermanentFailure,
				Reason: fmt.Sprintf("retries exhausted after %d attempts", ev.Attempt),
			}
		}
		delay := policy.Backoff(ev.Attempt)
		if ev.Remaining > 0 && delay >= ev.Remaining {
			return Decision{
				State:  ExecStatePermanentFailure,
				Reason: fmt.Sprintf("backoff of %s exceeds remaining time %s", delay, ev.Remaining),
			}
		}
		return Decision{State: ExecStateRetryableFailure, Delay: delay}
	default:
		return Decision{State: ExecStatePermanentFailure}
	}
}
