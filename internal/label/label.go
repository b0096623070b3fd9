// Package label implements the 64-slot lock-free allocator of the 6-bit
// IEEE-1394 transaction label, ported from
// original_source/ASFWDriver/Async/Track/LabelAllocator.cpp.
package label

import (
	"math/bits"
	"sync/atomic"
)

const (
	MaxLabels = 64

	// InvalidLabel is returned when no label is free.
	InvalidLabel uint8 = 0xFF

	// generationMask bounds the allocator's internal reuse-generation
	// counter (distinct from the 8-bit bus generation in internal/generation
	// — see SPEC_FULL.md's "supplemented features" section).
	generationMask = 0x3FFF
)

// Allocator is a CAS-bitmap allocator for labels 0..63, plus a free-running
// round-robin hint counter and a masked reuse-generation counter.
type Allocator struct {
	bitmap     atomic.Uint64
	generation atomic.Uint32
	nextLabel  atomic.Uint32
}

// New returns a freshly reset allocator.
func New() *Allocator {
	return &Allocator{}
}

// Reset clears all allocation state.
func (a *Allocator) Reset() {
	a.bitmap.Store(0)
	a.generation.Store(0)
	a.nextLabel.Store(0)
}

// Allocate claims the lowest-numbered free label, or InvalidLabel if all 64
// are in use.
func (a *Allocator) Allocate() uint8 {
	current := a.bitmap.Load()
	for {
		available := ^current
		if available == 0 {
			return InvalidLabel
		}
		index := bits.TrailingZeros64(available)
		if index >= MaxLabels {
			return InvalidLabel
		}
		desired := current | (uint64(1) << uint(index))
		if a.bitmap.CompareAndSwap(current, desired) {
			return uint8(index)
		}
		current = a.bitmap.Load()
	}
}

// NextLabelHint returns a free-running round-robin counter value masked to
// 6 bits. It does not reserve anything and is not a substitute for
// Allocate/Free; it exists for callers (e.g. diagnostics probes) that want
// an approximately-fair rotating value without allocator bookkeeping.
func (a *Allocator) NextLabelHint() uint8 {
	return uint8(a.nextLabel.Add(1) & 0x3F)
}

// Free releases a previously allocated label.
func (a *Allocator) Free(label uint8) {
	if label >= MaxLabels {
		return
	}
	mask := uint64(1) << uint(label)
	for {
		current := a.bitmap.Load()
		if a.bitmap.CompareAndSwap(current, current&^mask) {
			return
		}
	}
}

// IsLabelInUse reports whether the given label is currently allocated.
func (a *Allocator) IsLabelInUse(label uint8) bool {
	if label >= MaxLabels {
		return false
	}
	mask := uint64(1) << uint(label)
	return a.bitmap.Load()&mask != 0
}

// InUse returns the number of labels currently allocated, for diagnostics.
func (a *Allocator) InUse() int {
	return bits.OnesCount64(a.bitmap.Load())
}

// BumpGeneration advances the allocator's internal reuse-generation
// counter (masked to 14 bits per the original's kGenerationMask).
func (a *Allocator) BumpGeneration() {
	for {
		current := a.generation.Load()
		next := (current + 1) & generationMask
		if a.generation.CompareAndSwap(current, next) {
			return
		}
	}
}

// SetGeneration sets the allocator's reuse-generation counter directly.
func (a *Allocator) SetGeneration(gen uint32) {
	a.generation.Store(gen & generationMask)
}

// CurrentGeneration returns the allocator's reuse-generation counter.
func (a *Allocator) CurrentGeneration() uint32 {
	return a.generation.Load() & generationMask
}
