package diag

import (
	"errors"
	"testing"

	"github.com/mrmidi/asfw/internal/generation"
	"github.com/mrmidi/asfw/internal/label"
	"github.com/mrmidi/asfw/internal/retry"
	"github.com/mrmidi/asfw/internal/ring"
	"github.com/mrmidi/asfw/internal/txtable"
)

func newTestRing(t *testing.T, capacity int, iova uint64) *ring.Ring {
	t.Helper()
	r, err := ring.New(make([]ring.OHCIDescriptor, capacity))
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	if err := r.Finalize(iova); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return r
}

func TestCaptureDescribesRings(t *testing.T) {
	atReq := newTestRing(t, 8, 0x1000)
	rings := Rings{ATRequest: atReq, ATRequestIOVA: 0x1000}

	snap := Capture(rings, Buffers{}, nil, nil, nil, nil)

	if snap.ATRequest.DescriptorIOVA != 0x1000 {
		t.Errorf("DescriptorIOVA = %#x, want 0x1000", snap.ATRequest.DescriptorIOVA)
	}
	if snap.ATRequest.DescriptorCount != 8 {
		t.Errorf("DescriptorCount = %d, want 8", snap.ATRequest.DescriptorCount)
	}
	if snap.ATRequest.DescriptorStride != ring.DescriptorSize {
		t.Errorf("DescriptorStride = %d, want %d", snap.ATRequest.DescriptorStride, ring.DescriptorSize)
	}
	if snap.ATResponse.DescriptorCount != 0 {
		t.Error("nil ring must report a zero-value DescriptorStatus")
	}
}

func TestCaptureReportsBufferStatus(t *testing.T) {
	buffers := Buffers{
		ARRequestIOVA:  0x2000,
		ARRequestCount: 4,
		ARRequestSize:  2048,
	}
	snap := Capture(Rings{}, buffers, nil, nil, nil, nil)

	if snap.ARRequestBuffers.BufferIOVA != 0x2000 || snap.ARRequestBuffers.BufferCount != 4 || snap.ARRequestBuffers.BufferSize != 2048 {
		t.Errorf("unexpected ARRequestBuffers: %+v", snap.ARRequestBuffers)
	}
}

func TestCaptureReportsLabelOccupancy(t *testing.T) {
	labels := label.New()
	labels.Allocate()
	labels.Allocate()

	snap := Capture(Rings{}, Buffers{}, labels, nil, nil, nil)

	if snap.Labels.InUse != 2 {
		t.Errorf("Labels.InUse = %d, want 2", snap.Labels.InUse)
	}
	if snap.Labels.Capacity != label.MaxLabels {
		t.Errorf("Labels.Capacity = %d, want %d", snap.Labels.Capacity, label.MaxLabels)
	}
}

func TestCaptureReportsOutstandingByState(t *testing.T) {
	tbl := txtable.New(8)
	_, ok := tbl.Register(1, 1, 0, 3, 0, nil)
	if !ok {
		t.Fatal("Register failed")
	}

	snap := Capture(Rings{}, Buffers{}, nil, tbl, nil, nil)

	if snap.Outstanding.Capacity != 8 {
		t.Errorf("Outstanding.Capacity = %d, want 8", snap.Outstanding.Capacity)
	}
	if snap.Outstanding.InUse != 1 {
		t.Errorf("Outstanding.InUse = %d, want 1", snap.Outstanding.InUse)
	}
	if snap.Outstanding.ByState[txtable.StateAllocated] != 1 {
		t.Errorf("ByState[StateAllocated] = %d, want 1", snap.Outstanding.ByState[txtable.StateAllocated])
	}
}

func TestCaptureReportsGenerationState(t *testing.T) {
	gen := generation.New()
	tbl := txtable.New(8)
	gen.Bump(7, tbl, errors.New("bus reset"))

	snap := Capture(Rings{}, Buffers{}, nil, nil, gen, nil)

	if snap.Generation.Current != 7 {
		t.Errorf("Generation.Current = %d, want 7", snap.Generation.Current)
	}
	if snap.Generation.ResetInFlight {
		t.Error("ResetInFlight must be false once Bump has returned")
	}
}

func TestCaptureReportsNodeSpeeds(t *testing.T) {
	speeds := retry.NewTracker()
	speeds.RecordTypeError(9)

	snap := Capture(Rings{}, Buffers{}, nil, nil, nil, speeds)

	got, ok := snap.NodeSpeeds[9]
	if !ok {
		t.Fatal("expected node 9 to appear in NodeSpeeds after RecordTypeError")
	}
	if got != retry.SpeedS400 {
		t.Errorf("NodeSpeeds[9] = %v, want SpeedS400", got)
	}
}

func TestCaptureWithAllNilSubsystemsReturnsZeroValue(t *testing.T) {
	snap := Capture(Rings{}, Buffers{}, nil, nil, nil, nil)
	if snap.Labels.InUse != 0 || snap.Outstanding.InUse != 0 || snap.Generation.Current != 0 {
		t.Errorf("expected zero-value snapshot, got %+v", snap)
	}
}
