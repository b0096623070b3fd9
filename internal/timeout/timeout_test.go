package timeout

import "testing"

// runUntil advances the wheel tick-by-tick ticks+1 times (matching the
// wheel's call-index-equals-ticks expiry rule) and returns the union of
// every Advance call's expired list.
func runUntil(w *Wheel, ticks int64) []ID {
	var all []ID
	for i := int64(0); i <= ticks; i++ {
		all = append(all, w.Advance(i*int64(w.resolution))...)
	}
	return all
}

func contains(ids []ID, want ID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func TestScheduleAndAdvanceFiresOnDeadlineTick(t *testing.T) {
	w := New()
	now := int64(0)
	deadline := now + int64(w.resolution) // one tick away
	w.Schedule(now, deadline, ID(1))

	expired := runUntil(w, 1)
	if len(expired) != 1 || !contains(expired, ID(1)) {
		t.Fatalf("expected [1] to expire, got %v", expired)
	}
}

func TestScheduleInThePastExpiresImmediately(t *testing.T) {
	w := New()
	now := int64(1_000_000)
	w.Schedule(now, now-1, ID(7))

	expired := w.Advance(now)
	if len(expired) != 1 || expired[0] != ID(7) {
		t.Fatalf("expected [7] to expire immediately, got %v", expired)
	}
}

func TestCancelPreventsExpiry(t *testing.T) {
	w := New()
	now := int64(0)
	deadline := now + int64(w.resolution)
	w.Schedule(now, deadline, ID(3))
	w.Cancel(ID(3))

	expired := runUntil(w, 1)
	if len(expired) != 0 {
		t.Errorf("expected no expiry after Cancel, got %v", expired)
	}
}

func TestRescheduleReplacesPreviousDeadline(t *testing.T) {
	w := New()
	now := int64(0)
	w.Schedule(now, now+int64(w.resolution), ID(5))
	// Re-schedule the same id several ticks later; the original (now
	// stale) one-tick deadline must never fire.
	later := now + 10*int64(w.resolution)
	w.Schedule(now, later, ID(5))

	expired := runUntil(w, 10)
	if len(expired) != 1 || !contains(expired, ID(5)) {
		t.Fatalf("expected [5] to expire exactly once at the rescheduled deadline, got %v", expired)
	}
}

func TestAdvanceSkipsEntriesWithRoundsLeft(t *testing.T) {
	w := New()
	now := int64(0)
	// Schedule a deadline one full wheel revolution plus one tick away, so
	// the wheel must pass through this entry's slot twice before expiry.
	ticks := int64(w.numSlots) + 1
	deadline := now + ticks*int64(w.resolution)
	w.Schedule(now, deadline, ID(9))

	for i := int64(0); i < ticks; i++ {
		if expired := w.Advance(i * int64(w.resolution)); len(expired) != 0 {
			t.Fatalf("expected no expiry before the final tick, tick %d got %v", i, expired)
		}
	}
	expired := w.Advance(deadline)
	if len(expired) != 1 || expired[0] != ID(9) {
		t.Fatalf("expected [9] to expire on the final tick, got %v", expired)
	}
}

func TestMultipleScheduledIDsExpireInTheSameTick(t *testing.T) {
	w := New()
	now := int64(0)
	deadline := now + int64(w.resolution)
	w.Schedule(now, deadline, ID(1))
	w.Schedule(now, deadline, ID(2))

	expired := runUntil(w, 1)
	if len(expired) != 2 {
		t.Fatalf("expected 2 ids to expire, got %v", expired)
	}
}
