package dma

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mrmidi/asfw/internal/hwiface"
)

// fakeHW is a minimal bump-allocator HardwareInterface double, sufficient
// for exercising Context without pulling in internal/hwfake (which itself
// depends on this package's sibling packages being stable first).
type fakeHW struct {
	mu       sync.Mutex
	next     uint32
	released map[hwiface.DMAHandle]bool
}

func newFakeHW() *fakeHW {
	return &fakeHW{next: 0x1000, released: make(map[hwiface.DMAHandle]bool)}
}

func (f *fakeHW) ReadRegister(offset uint32) uint32       { return 0 }
func (f *fakeHW) WriteRegister(offset uint32, value uint32) {}

func (f *fakeHW) AllocDMA(length int, direction hwiface.DMADirection) ([]byte, uint32, hwiface.DMAHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	iova := f.next
	f.next += uint32(length)
	h := hwiface.DMAHandle(iova)
	return make([]byte, length), iova, h, nil
}

func (f *fakeHW) ReleaseDMA(handle hwiface.DMAHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[handle] = true
}

type failingHW struct{ fakeHW }

func (f *failingHW) AllocDMA(length int, direction hwiface.DMADirection) ([]byte, uint32, hwiface.DMAHandle, error) {
	return nil, 0, 0, fmt.Errorf("out of DMA memory")
}

func TestCreateCopiesData(t *testing.T) {
	hw := newFakeHW()
	data := []byte{1, 2, 3, 4}
	ctx, err := Create(hw, data)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got := ctx.Bytes(); len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Errorf("expected copied bytes, got %v", got)
	}
}

func TestCreateRejectsEmpty(t *testing.T) {
	hw := newFakeHW()
	if _, err := Create(hw, nil); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestCreateForReadAllocatesWithoutCopy(t *testing.T) {
	hw := newFakeHW()
	ctx, err := CreateForRead(hw, 16)
	if err != nil {
		t.Fatalf("CreateForRead error: %v", err)
	}
	if len(ctx.Bytes()) != 16 {
		t.Errorf("expected 16-byte buffer, got %d", len(ctx.Bytes()))
	}
}

func TestReleaseIsIdempotentAndCallsHW(t *testing.T) {
	hw := newFakeHW()
	ctx, err := Create(hw, []byte{0xAA})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	handle := ctx.handle
	ctx.Release()
	ctx.Release() // second call must not panic or double-release
	if !hw.released[handle] {
		t.Error("expected hw.ReleaseDMA to be invoked")
	}
}

func TestCreatePropagatesAllocFailure(t *testing.T) {
	hw := &failingHW{}
	if _, err := Create(hw, []byte{1}); err == nil {
		t.Error("expected error propagation from AllocDMA failure")
	}
}
