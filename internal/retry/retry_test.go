package retry

import (
	"testing"
	"time"
)

func TestDefaultPolicyValues(t *testing.T) {
	if Default.MaxRetries != 3 || Default.RetryDelay != time.Millisecond ||
		!Default.RetryOnBusy || !Default.RetryOnTimeout || Default.SpeedFallback {
		t.Errorf("Default = %+v, unexpected field values", Default)
	}
}

func TestReducedPolicyValues(t *testing.T) {
	if Reduced.MaxRetries != 2 || Reduced.RetryDelay != 500*time.Microsecond ||
		!Reduced.RetryOnBusy || Reduced.RetryOnTimeout || Reduced.SpeedFallback {
		t.Errorf("Reduced = %+v, unexpected field values", Reduced)
	}
}

func TestNonePolicyValues(t *testing.T) {
	if None.MaxRetries != 0 || None.RetryOnBusy || None.RetryOnTimeout || None.SpeedFallback {
		t.Errorf("None = %+v, unexpected field values", None)
	}
}

func TestIncreasedPolicyValues(t *testing.T) {
	if Increased.MaxRetries != 6 || Increased.RetryDelay != time.Millisecond ||
		!Increased.RetryOnBusy || !Increased.RetryOnTimeout || !Increased.SpeedFallback {
		t.Errorf("Increased = %+v, unexpected field values", Increased)
	}
}

func TestApplyRetriesOnBusyUnderDefault(t *testing.T) {
	tr := NewTracker()
	d := Apply(Default, ReasonBusy, 1, tr, 3)
	if !d.Retry || d.RetriesLeft != 2 {
		t.Errorf("Apply(Busy) = %+v, want Retry=true RetriesLeft=2", d)
	}
}

func TestApplyDoesNotRetryOnBusyUnderNone(t *testing.T) {
	tr := NewTracker()
	d := Apply(None, ReasonBusy, 1, tr, 3)
	if d.Retry {
		t.Error("None policy must never retry on busy")
	}
}

func TestApplyExhaustsRetryBudget(t *testing.T) {
	tr := NewTracker()
	d := Apply(Default, ReasonBusy, 1, tr, 0)
	if d.Retry {
		t.Error("Apply must not retry with zero retries left")
	}
}

func TestApplyHardwareErrorNeverRetries(t *testing.T) {
	tr := NewTracker()
	d := Apply(Increased, ReasonHardwareError, 1, tr, 5)
	if d.Retry {
		t.Error("hardware errors must never be retried regardless of policy")
	}
}

func TestApplyTypeErrorStepsDownSpeedUnderSpeedFallbackPolicy(t *testing.T) {
	tr := NewTracker()
	d := Apply(Increased, ReasonTypeError, 1, tr, 5)
	if !d.Retry || d.Speed != SpeedS400 {
		t.Errorf("Apply(TypeError) = %+v, want Retry=true Speed=S400", d)
	}
}

func TestApplyTypeErrorRejectedWithoutSpeedFallbackPolicy(t *testing.T) {
	tr := NewTracker()
	d := Apply(Default, ReasonTypeError, 1, tr, 5)
	if d.Retry {
		t.Error("Default policy has SpeedFallback=false, must not retry type errors")
	}
}

func TestTrackerBestSpeedDefaultsToS800(t *testing.T) {
	tr := NewTracker()
	if got := tr.BestSpeed(42); got != SpeedS800 {
		t.Errorf("BestSpeed(unseen) = %v, want S800", got)
	}
}

func TestTrackerRecordTypeErrorWalksFallbackLadder(t *testing.T) {
	tr := NewTracker()
	steps := []Speed{SpeedS400, SpeedS200, SpeedS100, SpeedS100}
	for i, want := range steps {
		got := tr.RecordTypeError(7)
		if got != want {
			t.Errorf("step %d: RecordTypeError = %v, want %v", i, got, want)
		}
	}
}

func TestTrackerRecordSuccessRaisesSpeed(t *testing.T) {
	tr := NewTracker()
	tr.RecordTypeError(3) // drops to S400
	tr.RecordSuccess(3, SpeedS800)
	if got := tr.BestSpeed(3); got != SpeedS800 {
		t.Errorf("BestSpeed after RecordSuccess = %v, want S800", got)
	}
}

func TestTrackerRecordSuccessDoesNotLowerSpeed(t *testing.T) {
	tr := NewTracker()
	tr.RecordSuccess(3, SpeedS800)
	tr.RecordSuccess(3, SpeedS100) // a slower confirmed success must not regress
	if got := tr.BestSpeed(3); got != SpeedS800 {
		t.Errorf("BestSpeed = %v, want S800 (should not regress)", got)
	}
}
