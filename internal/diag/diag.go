// Package diag implements the Diagnostics Snapshot (spec.md §4.12): a
// read-only, point-in-time view over every subsystem's state, computed on
// demand rather than maintained incrementally, field names and grouping
// carried over from
// original_source/ASFWDriver/Async/AsyncTypes.hpp's AsyncStatusSnapshot.
package diag

import (
	"github.com/mrmidi/asfw/internal/generation"
	"github.com/mrmidi/asfw/internal/label"
	"github.com/mrmidi/asfw/internal/retry"
	"github.com/mrmidi/asfw/internal/ring"
	"github.com/mrmidi/asfw/internal/txtable"
)

// DescriptorStatus mirrors AsyncDescriptorStatus for one descriptor ring.
type DescriptorStatus struct {
	DescriptorIOVA   uint64
	DescriptorCount  uint32
	DescriptorStride uint32
	Head             int
	Tail             int
}

// BufferStatus mirrors AsyncBufferStatus for one DMA buffer pool.
type BufferStatus struct {
	BufferIOVA  uint64
	BufferCount uint32
	BufferSize  uint32
}

// LabelStatus reports the transaction-label allocator's occupancy.
type LabelStatus struct {
	InUse    int
	Capacity int
}

// OutstandingStatus reports the outstanding transaction table's occupancy,
// broken down by lifecycle state.
type OutstandingStatus struct {
	Capacity int
	InUse    int
	ByState  map[txtable.SlotState]int
}

// GenerationStatus reports the bus generation tracker's state.
type GenerationStatus struct {
	Current       uint8
	ResetInFlight bool
}

// Snapshot is the engine-wide, read-only diagnostics view.
type Snapshot struct {
	ATRequest  DescriptorStatus
	ATResponse DescriptorStatus
	ARRequest  DescriptorStatus
	ARResponse DescriptorStatus

	ARRequestBuffers  BufferStatus
	ARResponseBuffers BufferStatus

	Labels      LabelStatus
	Outstanding OutstandingStatus
	Generation  GenerationStatus
	NodeSpeeds  map[uint16]retry.Speed
}

func describeRing(r *ring.Ring, iova uint64) DescriptorStatus {
	if r == nil {
		return DescriptorStatus{}
	}
	return DescriptorStatus{
		DescriptorIOVA:   iova,
		DescriptorCount:  uint32(r.Capacity()),
		DescriptorStride: ring.DescriptorSize,
		Head:             r.Head(),
		Tail:             r.Tail(),
	}
}

// Rings bundles the four descriptor rings and their DMA base addresses,
// everything Capture needs from the ring layer.
type Rings struct {
	ATRequest      *ring.Ring
	ATRequestIOVA  uint64
	ATResponse     *ring.Ring
	ATResponseIOVA uint64
	ARRequest      *ring.Ring
	ARRequestIOVA  uint64
	ARResponse     *ring.Ring
	ARResponseIOVA uint64
}

// Buffers bundles the AR buffer pools' DMA metadata.
type Buffers struct {
	ARRequestIOVA   uint64
	ARRequestCount  uint32
	ARRequestSize   uint32
	ARResponseIOVA  uint64
	ARResponseCount uint32
	ARResponseSize  uint32
}

// Capture builds a Snapshot from the engine's live subsystems. Every field
// is copied or computed at call time; nothing here is retained or mutated
// by later engine activity, the same "freeze everything now" contract the
// teacher's Metrics.Snapshot() follows for its own counters.
func Capture(rings Rings, buffers Buffers, labels *label.Allocator, table *txtable.Table, gen *generation.Tracker, speeds *retry.Tracker) Snapshot {
	snap := Snapshot{
		ATRequest:  describeRing(rings.ATRequest, rings.ATRequestIOVA),
		ATResponse: describeRing(rings.ATResponse, rings.ATResponseIOVA),
		ARRequest:  describeRing(rings.ARRequest, rings.ARRequestIOVA),
		ARResponse: describeRing(rings.ARResponse, rings.ARResponseIOVA),
		ARRequestBuffers: BufferStatus{
			BufferIOVA:  buffers.ARRequestIOVA,
			BufferCount: buffers.ARRequestCount,
			BufferSize:  buffers.ARRequestSize,
		},
		ARResponseBuffers: BufferStatus{
			BufferIOVA:  buffers.ARResponseIOVA,
			BufferCount: buffers.ARResponseCount,
			BufferSize:  buffers.ARResponseSize,
		},
	}

	if labels != nil {
		snap.Labels = LabelStatus{InUse: labels.InUse(), Capacity: label.MaxLabels}
	}

	if table != nil {
		byState := make(map[txtable.SlotState]int)
		inUse := 0
		table.ForEach(func(_ txtable.Handle, s *txtable.Slot) {
			byState[s.State]++
			inUse++
		})
		snap.Outstanding = OutstandingStatus{
			Capacity: table.Capacity(),
			InUse:    inUse,
			ByState:  byState,
		}
	}

	if gen != nil {
		snap.Generation = GenerationStatus{
			Current:       gen.Current(),
			ResetInFlight: gen.ResetInProgress(),
		}
	}

	if speeds != nil {
		snap.NodeSpeeds = speeds.Snapshot()
	}

	return snap
}
