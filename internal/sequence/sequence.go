// Package sequence implements the per-enrollment send sequence as a pure
// state machine.
//
// The transition function has no persistence or clock dependencies beyond the
// caller-supplied "now", which keeps every transition unit-testable. The store
// layer applies the resulting Transition to the enrollment row.
package sequence

import (
	"fmt"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
)

// Event is an input to the sequence state machine.
type Event int

const (
	// EventSendSucceeded fires after a provider confirmed an outbound send.
	EventSendSucceeded Event = iota
	// EventSendFailed fires after a provider send attempt failed.
	EventSendFailed
	// EventReplyDetected fires when the reconciler observed an inbound reply.
	EventReplyDetected
)

// String implements fmt.Stringer for log output.
func (e Event) String() string {
	switch e {
	case EventSendSucceeded:
		return "send_succeeded"
	case EventSendFailed:
		return "send_failed"
	case EventReplyDetected:
		return "reply_detected"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Sequence pacing: the number of steps and the wait after each delivered step.
// Step 1 -> wait 3 days before step 2, step 2 -> wait 4 days before step 3,
// step 3 is final.
const (
	FinalStep = 3
)

var stepDelays = map[int]time.Duration{
	1: 3 * 24 * time.Hour,
	2: 4 * 24 * time.Hour,
}

// Retry policy for failed sends: exponential backoff with a cap, terminal
// failure once the attempt budget is spent.
const (
	MaxSendAttempts  = 8
	baseRetryBackoff = 10 * time.Second
	maxRetryBackoff  = 6 * time.Hour
)

// Transition is the computed outcome of applying an Event to an enrollment.
type Transition struct {
	State        models.EnrollmentState
	SequenceStep int
	NextSendAt   time.Time
	Attempts     int
	Terminal     bool
}

// RetryBackoff returns the delay before the next send attempt after the given
// number of failed attempts (0-based): 10s, 20s, 40s, ... capped.
func RetryBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := baseRetryBackoff << uint(attempts)
	if d <= 0 || d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// Next computes the successor state for an enrollment.
//
// Invariants enforced here: the sequence step never decreases, NextSendAt
// never moves backward relative to the enrollment's current schedule, and
// terminal states admit no further transitions.
func Next(e models.Enrollment, ev Event, now time.Time) (Transition, error) {
	if e.State.IsTerminal() {
		return Transition{}, fmt.Errorf("enrollment %s is terminal in state %q", e.ID, e.State)
	}
	if e.SequenceStep < 1 {
		return Transition{}, fmt.Errorf("enrollment %s has invalid sequence step %d", e.ID, e.SequenceStep)
	}

	switch ev {
	case EventSendSucceeded:
		if e.SequenceStep >= FinalStep {
			return Transition{
				State:        models.EnrollmentStateExhausted,
				SequenceStep: e.SequenceStep,
				NextSendAt:   laterOf(e.NextSendAt, now),
				Attempts:     0,
				Terminal:     true,
			}, nil
		}
		delay := stepDelays[e.SequenceStep]
		return Transition{
			State:        models.EnrollmentStateSent,
			SequenceStep: e.SequenceStep + 1,
			NextSendAt:   laterOf(e.NextSendAt, now.Add(delay)),
			Attempts:     0,
		}, nil

	case EventSendFailed:
		attempts := e.Attempts + 1
		if attempts >= MaxSendAttempts {
			return Transition{
				State:        models.EnrollmentStateFailed,
				SequenceStep: e.SequenceStep,
				NextSendAt:   laterOf(e.NextSendAt, now),
				Attempts:     attempts,
				Terminal:     true,
			}, nil
		}
		return Transition{
			State:        e.State,
			SequenceStep: e.SequenceStep,
			NextSendAt:   laterOf(e.NextSendAt, now.Add(RetryBackoff(e.Attempts))),
			Attempts:     attempts,
		}, nil

	case EventReplyDetected:
		return Transition{
			State:        models.EnrollmentStateReplied,
			SequenceStep: e.SequenceStep,
			NextSendAt:   laterOf(e.NextSendAt, now),
			Attempts:     e.Attempts,
			Terminal:     true,
		}, nil

	default:
		return Transition{}, fmt.Errorf("unknown sequence event %d", int(ev))
	}
}

// IsDue reports whether an enrollment is eligible for dispatching at "now":
// non-terminal, unclaimed, and past its next send time.
func IsDue(e models.Enrollment, now time.Time) bool {
	if e.State != models.EnrollmentStatePending && e.State != models.EnrollmentStateSent {
		return false
	}
	if e.ClaimedAt != nil {
		return false
	}
	return !e.NextSendAt.After(now)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
