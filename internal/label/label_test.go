package label

import "testing"

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := New()
	l := a.Allocate()
	if l == InvalidLabel {
		t.Fatal("expected a label from an empty allocator")
	}
	if !a.IsLabelInUse(l) {
		t.Error("expected allocated label to be in use")
	}
	a.Free(l)
	if a.IsLabelInUse(l) {
		t.Error("expected label to be free after Free()")
	}
}

func TestExhaustAllLabels(t *testing.T) {
	a := New()
	seen := make(map[uint8]bool)
	for i := 0; i < MaxLabels; i++ {
		l := a.Allocate()
		if l == InvalidLabel {
			t.Fatalf("allocator exhausted early at iteration %d", i)
		}
		if seen[l] {
			t.Fatalf("label %d allocated twice", l)
		}
		seen[l] = true
	}
	if l := a.Allocate(); l != InvalidLabel {
		t.Errorf("expected InvalidLabel after 64 allocations, got %d", l)
	}
}

func TestFreeThenAllocateSucceeds(t *testing.T) {
	a := New()
	for i := 0; i < MaxLabels; i++ {
		a.Allocate()
	}
	if l := a.Allocate(); l != InvalidLabel {
		t.Fatalf("expected exhaustion, got label %d", l)
	}
	a.Free(10)
	if l := a.Allocate(); l != 10 {
		t.Errorf("expected freed label 10 to be reallocated, got %d", l)
	}
}

func TestFreeOutOfRangeIsNoop(t *testing.T) {
	a := New()
	a.Free(200) // must not panic
}

func TestIsLabelInUseOutOfRange(t *testing.T) {
	a := New()
	if a.IsLabelInUse(200) {
		t.Error("out-of-range label should never report in-use")
	}
}

func TestNextLabelHintWraps(t *testing.T) {
	a := New()
	for i := 0; i < 64; i++ {
		a.NextLabelHint()
	}
	got := a.NextLabelHint()
	if got > 0x3F {
		t.Errorf("NextLabelHint() = %d, must be masked to 6 bits", got)
	}
}

func TestGenerationBumpAndSet(t *testing.T) {
	a := New()
	if a.CurrentGeneration() != 0 {
		t.Errorf("expected initial generation 0, got %d", a.CurrentGeneration())
	}
	a.BumpGeneration()
	if a.CurrentGeneration() != 1 {
		t.Errorf("expected generation 1 after bump, got %d", a.CurrentGeneration())
	}
	a.SetGeneration(99)
	if a.CurrentGeneration() != 99 {
		t.Errorf("expected generation 99 after SetGeneration, got %d", a.CurrentGeneration())
	}
}

func TestReset(t *testing.T) {
	a := New()
	a.Allocate()
	a.BumpGeneration()
	a.Reset()
	if a.CurrentGeneration() != 0 {
		t.Error("expected generation reset to 0")
	}
	if l := a.Allocate(); l != 0 {
		t.Errorf("expected first label after reset to be 0, got %d", l)
	}
}
