package txtable

import "testing"

func TestRegisterLookupRelease(t *testing.T) {
	tbl := New(128)
	h, ok := tbl.Register(1, 5, 1, 3, 1000, nil)
	if !ok {
		t.Fatal("expected Register to succeed")
	}

	slot, unlock, ok := tbl.Lookup(h)
	if !ok {
		t.Fatal("expected Lookup to succeed")
	}
	if slot.Node != 1 || slot.Label != 5 {
		t.Errorf("slot fields mismatch: node=%d label=%d", slot.Node, slot.Label)
	}
	unlock()

	tbl.Release(h)
	if _, _, ok := tbl.Lookup(h); ok {
		t.Error("expected Lookup to fail after Release (stale generation)")
	}
}

func TestReleaseBumpsGenerationModSixteen(t *testing.T) {
	tbl := New(64)
	var last Handle
	for i := 0; i < 17; i++ {
		h, ok := tbl.Register(2, 1, 1, 0, 0, nil)
		if !ok {
			t.Fatalf("Register failed at iteration %d", i)
		}
		tbl.Release(h)
		last = h
	}
	// after 17 register/release cycles generation should have wrapped at
	// least once; a fresh register must not reuse a stale handle's gen.
	h, ok := tbl.Register(2, 1, 1, 0, 0, nil)
	if !ok {
		t.Fatal("Register failed")
	}
	if h == last {
		t.Error("expected new handle to differ from a stale released handle")
	}
}

func TestLookupByLabelFindsRegisteredSlot(t *testing.T) {
	tbl := New(64)
	h, ok := tbl.Register(9, 12, 1, 0, 0, nil)
	if !ok {
		t.Fatal("Register failed")
	}
	found, ok := tbl.LookupByLabel(9, 12)
	if !ok {
		t.Fatal("expected LookupByLabel to find the slot")
	}
	if found != h {
		t.Errorf("LookupByLabel returned %v, want %v", found, h)
	}
}

func TestLookupByLabelMissAfterRelease(t *testing.T) {
	tbl := New(64)
	h, _ := tbl.Register(3, 7, 1, 0, 0, nil)
	tbl.Release(h)
	if _, ok := tbl.LookupByLabel(3, 7); ok {
		t.Error("expected LookupByLabel to miss after release")
	}
}

func TestRegisterFailsWhenFull(t *testing.T) {
	tbl := New(4)
	for i := 0; i < 4; i++ {
		if _, ok := tbl.Register(uint8(i), uint8(i), 1, 0, 0, nil); !ok {
			t.Fatalf("Register failed at iteration %d", i)
		}
	}
	if _, ok := tbl.Register(9, 9, 1, 0, 0, nil); ok {
		t.Error("expected Register to fail on a full table")
	}
}

func TestForEachVisitsOnlyNonFreeSlots(t *testing.T) {
	tbl := New(8)
	h1, _ := tbl.Register(1, 1, 1, 0, 0, nil)
	_, _ = tbl.Register(2, 2, 1, 0, 0, nil)
	tbl.Release(h1)

	count := 0
	tbl.ForEach(func(h Handle, s *Slot) {
		count++
	})
	if count != 1 {
		t.Errorf("expected 1 non-free slot, got %d", count)
	}
}

func TestZeroHandleForcesGenerationOne(t *testing.T) {
	h := makeHandle(0, 0)
	if h.Gen() != 1 {
		t.Errorf("expected gen=1 for (index=0,gen=0) collision, got %d", h.Gen())
	}
}
