package atctx

import (
	"testing"

	"github.com/mrmidi/asfw/internal/descriptor"
	"github.com/mrmidi/asfw/internal/ring"
)

type fakeRegs struct {
	writes []struct{ offset, value uint32 }
}

func (f *fakeRegs) WriteRegister(offset uint32, value uint32) {
	f.writes = append(f.writes, struct{ offset, value uint32 }{offset, value})
}

func (f *fakeRegs) last() (offset, value uint32) {
	w := f.writes[len(f.writes)-1]
	return w.offset, w.value
}

func newTestRing(t *testing.T, capacity int) *ring.Ring {
	t.Helper()
	r, err := ring.New(make([]ring.OHCIDescriptor, capacity))
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	if err := r.Finalize(0x1000); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return r
}

func TestSubmitChainArmsWhenEmpty(t *testing.T) {
	r := newTestRing(t, 8)
	regs := &fakeRegs{}
	ctx := New(r, regs, 0x180)

	slots := r.Storage()[0:2]
	if _, err := descriptor.BuildNoPayloadChain(slots, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}); err != nil {
		t.Fatalf("BuildNoPayloadChain: %v", err)
	}

	if err := ctx.SubmitChain(0, 2); err != nil {
		t.Fatalf("SubmitChain: %v", err)
	}

	if len(regs.writes) != 2 {
		t.Fatalf("expected 2 register writes (CommandPtr + RUN), got %d", len(regs.writes))
	}
	if offset, _ := regs.writes[0].offset, regs.writes[0].value; offset != 0x180+RegCommandPtr {
		t.Errorf("expected first write to CommandPtr, got offset 0x%x", offset)
	}
	if offset, value := regs.writes[1].offset, regs.writes[1].value; offset != 0x180+RegContextControlSet || value != ctrlRun {
		t.Errorf("expected RUN bit write, got offset=0x%x value=0x%x", offset, value)
	}
	if r.PrevLastBlocks() != 2 {
		t.Errorf("expected prevLastBlocks=2, got %d", r.PrevLastBlocks())
	}
	if r.Tail() != 2 {
		t.Errorf("expected tail=2, got %d", r.Tail())
	}
}

func TestSubmitChainAppendsAndWakes(t *testing.T) {
	r := newTestRing(t, 8)
	regs := &fakeRegs{}
	ctx := New(r, regs, 0x180)

	firstSlots := r.Storage()[0:2]
	if _, err := descriptor.BuildNoPayloadChain(firstSlots, make([]byte, 12)); err != nil {
		t.Fatalf("BuildNoPayloadChain: %v", err)
	}
	if err := ctx.SubmitChain(0, 2); err != nil {
		t.Fatalf("first SubmitChain: %v", err)
	}

	secondSlots := r.Storage()[2:4]
	if _, err := descriptor.BuildNoPayloadChain(secondSlots, make([]byte, 12)); err != nil {
		t.Fatalf("BuildNoPayloadChain (second): %v", err)
	}
	if err := ctx.SubmitChain(2, 2); err != nil {
		t.Fatalf("second SubmitChain: %v", err)
	}

	offset, value := regs.last()
	if offset != 0x180+RegContextControlSet || value != ctrlWake {
		t.Errorf("expected WAKE write last, got offset=0x%x value=0x%x", offset, value)
	}

	branch := (firstSlots[0].ControlWord >> 18) & 0x3
	if branch != descriptor.BranchAlways {
		t.Errorf("expected previous chain's branch field patched to always, got %d", branch)
	}
	if firstSlots[0].BranchWord == 0 {
		t.Error("expected previous chain's branchWord to be patched to a nonzero command pointer")
	}
}

func TestReserveSlotsRejectsWhenFull(t *testing.T) {
	r := newTestRing(t, 4)
	regs := &fakeRegs{}
	ctx := New(r, regs, 0x180)
	r.SetTail(3) // size would be cap-1 already at the reservation boundary
	if _, err := ctx.ReserveSlots(1); err == nil {
		t.Error("expected error reserving slots on a full ring")
	}
}
