package sequence

import (
	"testing"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
)

func enrollment(state models.EnrollmentState, step, attempts int, nextSendAt time.Time) models.Enrollment {
	return models.Enrollment{
		ID:           "enr_test",
		CampaignID:   "cmp_test",
		LeadID:       "lead_test",
		State:        state,
		SequenceStep: step,
		Attempts:     attempts,
		NextSendAt:   nextSendAt,
	}
}

func TestNextSendSucceededAdvancesSteps(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		step         int
		wantStep     int
		wantState    models.EnrollmentState
		wantNext     time.Time
		wantTerminal bool
	}{
		{"step 1 waits 3 days", 1, 2, models.EnrollmentStateSent, now.Add(3 * 24 * time.Hour), false},
		{"step 2 waits 4 days", 2, 3, models.EnrollmentStateSent, now.Add(4 * 24 * time.Hour), false},
		{"step 3 exhausts", 3, 3, models.EnrollmentStateExhausted, now, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := enrollment(models.EnrollmentStateSent, tt.step, 2, now.Add(-time.Minute))
			tr, err := Next(e, EventSendSucceeded, now)
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if tr.State != tt.wantState {
				t.Errorf("state = %q, want %q", tr.State, tt.wantState)
			}
			if tr.SequenceStep != tt.wantStep {
				t.Errorf("step = %d, want %d", tr.SequenceStep, tt.wantStep)
			}
			if !tr.NextSendAt.Equal(tt.wantNext) {
				t.Errorf("nextSendAt = %v, want %v", tr.NextSendAt, tt.wantNext)
			}
			if tr.Terminal != tt.wantTerminal {
				t.Errorf("terminal = %v, want %v", tr.Terminal, tt.wantTerminal)
			}
			if tr.Attempts != 0 {
				t.Errorf("attempts = %d, want reset to 0", tr.Attempts)
			}
		})
	}
}

func TestNextStepNeverDecreases(t *testing.T) {
	now := time.Now()
	for step := 1; step <= FinalStep; step++ {
		for _, ev := range []Event{EventSendSucceeded, EventSendFailed, EventReplyDetected} {
			e := enrollment(models.EnrollmentStateSent, step, 0, now.Add(-time.Minute))
			tr, err := Next(e, ev, now)
			if err != nil {
				t.Fatalf("Next(step=%d, ev=%v) failed: %v", step, ev, err)
			}
			if tr.SequenceStep < step {
				t.Errorf("step decreased from %d to %d on %v", step, tr.SequenceStep, ev)
			}
		}
	}
}

func TestNextSendAtNeverMovesBackward(t *testing.T) {
	now := time.Now()
	scheduled := now.Add(10 * 24 * time.Hour) // far future schedule
	for _, ev := range []Event{EventSendFailed, EventReplyDetected} {
		e := enrollment(models.EnrollmentStateSent, 2, 0, scheduled)
		tr, err := Next(e, ev, now)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if tr.NextSendAt.Before(scheduled) {
			t.Errorf("%v moved nextSendAt backward: %v -> %v", ev, scheduled, tr.NextSendAt)
		}
	}
}

func TestNextSendFailedBacksOff(t *testing.T) {
	now := time.Now()
	e := enrollment(models.EnrollmentStatePending, 1, 0, now.Add(-time.Minute))

	tr, err := Next(e, EventSendFailed, now)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if tr.State != models.EnrollmentStatePending {
		t.Errorf("state = %q, want pending preserved", tr.State)
	}
	if tr.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", tr.Attempts)
	}
	if want := now.Add(10 * time.Second); !tr.NextSendAt.Equal(want) {
		t.Errorf("nextSendAt = %v, want %v", tr.NextSendAt, want)
	}
}

func TestNextSendFailedDeadLetters(t *testing.T) {
	now := time.Now()
	e := enrollment(models.EnrollmentStateSent, 2, MaxSendAttempts-1, now.Add(-time.Minute))

	tr, err := Next(e, EventSendFailed, now)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if tr.State != models.EnrollmentStateFailed {
		t.Errorf("state = %q, want failed", tr.State)
	}
	if !tr.Terminal {
		t.Error("expected terminal transition after retry budget spent")
	}
}

func TestNextReplyDetectedIsTerminalAtAnyStep(t *testing.T) {
	now := time.Now()
	for step := 1; step <= FinalStep; step++ {
		e := enrollment(models.EnrollmentStateSent, step, 0, now)
		tr, err := Next(e, EventReplyDetected, now)
		if err != nil {
			t.Fatalf("Next failed at step %d: %v", step, err)
		}
		if tr.State != models.EnrollmentStateReplied || !tr.Terminal {
			t.Errorf("step %d: got state %q terminal=%v, want terminal replied", step, tr.State, tr.Terminal)
		}
	}
}

func TestNextRejectsTerminalStates(t *testing.T) {
	now := time.Now()
	for _, state := range []models.EnrollmentState{
		models.EnrollmentStateReplied,
		models.EnrollmentStateExhausted,
		models.EnrollmentStateFailed,
	} {
		e := enrollment(state, 3, 0, now)
		if _, err := Next(e, EventSendSucceeded, now); err == nil {
			t.Errorf("expected error transitioning out of terminal state %q", state)
		}
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 80 * time.Second},
		{20, 6 * time.Hour}, // capped
	}
	for _, tt := range tests {
		if got := RetryBackoff(tt.attempts); got != tt.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestIsDue(t *testing.T) {
	now := time.Now()
	claimed := now.Add(-time.Second)

	tests := []struct {
		name string
		e    models.Enrollment
		want bool
	}{
		{"pending past due", enrollment(models.EnrollmentStatePending, 1, 0, now.Add(-time.Minute)), true},
		{"sent past due", enrollment(models.EnrollmentStateSent, 2, 0, now.Add(-time.Minute)), true},
		{"pending in future", enrollment(models.EnrollmentStatePending, 1, 0, now.Add(time.Minute)), false},
		{"replied never due", enrollment(models.EnrollmentStateReplied, 2, 0, now.Add(-time.Minute)), false},
		{"exhausted never due", enrollment(models.EnrollmentStateExhausted, 3, 0, now.Add(-time.Minute)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDue(tt.e, now); got != tt.want {
				t.Errorf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}

	e := enrollment(models.EnrollmentStatePending, 1, 0, now.Add(-time.Minute))
	e.ClaimedAt = &claimed
	if IsDue(e, now) {
		t.Error("claimed enrollment must not be due")
	}
}
