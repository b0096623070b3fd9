package ring

import (
	"fmt"
	"sync/atomic"
)

// Ring is the lock-free-read circular slab of OHCI descriptors. Writes
// (SetHead/SetTail/SetPrevLastBlocks, and the descriptor contents
// themselves) must be serialized externally by the AT context's submit
// mutex; reads (At/Head/Tail/PrevLastBlocks/IsEmpty/IsFull/Size) are safe
// to call concurrently with that external writer.
//
// Ported from original_source/ASFWDriver/Async/Rings/DescriptorRing.{hpp,cpp}.
type Ring struct {
	storage        []OHCIDescriptor
	head           atomic.Uint64
	tail           atomic.Uint64
	prevLastBlocks atomic.Uint32
	capacity       int
	descIOVABase   uint64
	finalized      bool
}

// New allocates a ring over the given descriptor storage. The storage slice
// is expected to already be 16-byte aligned, DMA-visible memory supplied by
// HardwareInterface.AllocDMA; New itself only validates non-emptiness.
func New(storage []OHCIDescriptor) (*Ring, error) {
	if len(storage) == 0 {
		return nil, fmt.Errorf("ring: storage must have at least one descriptor")
	}
	r := &Ring{storage: storage, capacity: len(storage)}
	for i := range r.storage {
		r.storage[i] = OHCIDescriptor{}
	}
	r.head.Store(0)
	r.tail.Store(0)
	r.prevLastBlocks.Store(0)
	return r, nil
}

// Finalize records the device-visible base IOVA of the descriptor slab, a
// precondition for CommandPtrWordTo/CommandPtrWordFromIOVA.
func (r *Ring) Finalize(descriptorsIOVABase uint64) error {
	if descriptorsIOVABase&0xF != 0 {
		return fmt.Errorf("ring: IOVA base 0x%x is not 16-byte aligned", descriptorsIOVABase)
	}
	r.descIOVABase = descriptorsIOVABase
	r.finalized = true
	return nil
}

// Capacity returns the usable capacity (len(storage)).
func (r *Ring) Capacity() int { return r.capacity }

// Head returns the current head index (oldest in-flight descriptor).
func (r *Ring) Head() int { return int(r.head.Load()) }

// Tail returns the current tail index (next descriptor to submit).
func (r *Ring) Tail() int { return int(r.tail.Load()) }

// SetHead advances head after the completion engine scans completed
// descriptors. Caller-serialized; no bounds checking.
func (r *Ring) SetHead(newHead int) { r.head.Store(uint64(newHead)) }

// SetTail advances tail after a chain is linked in. Caller-serialized.
func (r *Ring) SetTail(newTail int) { r.tail.Store(uint64(newTail)) }

// PrevLastBlocks returns the block count (2 or 3) of the previously
// submitted chain's terminal descriptor, or 0 if nothing has been submitted.
func (r *Ring) PrevLastBlocks() uint8 { return uint8(r.prevLastBlocks.Load()) }

// SetPrevLastBlocks records the block count of the newly submitted chain's
// terminal descriptor, for the next append's LocatePreviousLast call.
func (r *Ring) SetPrevLastBlocks(blocks uint8) { r.prevLastBlocks.Store(uint32(blocks)) }

// IsEmpty reports whether no descriptors are currently in-flight.
func (r *Ring) IsEmpty() bool {
	return r.Head() == r.Tail()
}

// IsFull reports whether the ring has no space for a new descriptor. One
// slot is always reserved so head==tail unambiguously means empty.
func (r *Ring) IsFull() bool {
	return (r.Tail()+1)%r.capacity == r.Head()
}

// Size returns the count of in-flight descriptors.
func (r *Ring) Size() int {
	return (r.Tail() - r.Head() + r.capacity) % r.capacity
}

// At returns a pointer to the descriptor at the given ring index.
func (r *Ring) At(index int) *OHCIDescriptor {
	if index < 0 || index >= r.capacity {
		return nil
	}
	return &r.storage[index]
}

// Storage exposes the raw descriptor slab, e.g. for marshaling into a
// DMA-visible byte buffer.
func (r *Ring) Storage() []OHCIDescriptor { return r.storage }

// LocatePreviousLast finds the LAST descriptor of the previously submitted
// chain given the current tail, per spec.md §4.1's algorithm: the previous
// chain occupies [(tail-prevBlocks) mod cap, tail); the LAST descriptor sits
// at offset prevBlocks-1 within that window, except a 2-block (immediate,
// no-payload) chain's LAST descriptor IS its header, so we must verify and
// rewind one slot if the naive offset lands on something that is not an
// immediate descriptor.
func (r *Ring) LocatePreviousLast(tailIndex int, prevBlocks uint8) (desc *OHCIDescriptor, index int, blocks uint8, ok bool) {
	if prevBlocks != 2 && prevBlocks != 3 {
		return nil, 0, 0, false
	}
	prevStart := ((tailIndex-int(prevBlocks))%r.capacity + r.capacity) % r.capacity
	var prevTailOffset int
	if prevBlocks == 2 {
		prevTailOffset = 0
	} else {
		prevTailOffset = int(prevBlocks) - 1
	}
	idx := (prevStart + prevTailOffset) % r.capacity
	d := r.At(idx)
	if d == nil {
		return nil, 0, 0, false
	}

	if prevBlocks == 2 && !IsImmediate(d) {
		// The naive slot isn't the header; rewind one more slot and
		// confirm that one IS immediate.
		rewound := ((idx-1)%r.capacity + r.capacity) % r.capacity
		rd := r.At(rewound)
		if rd == nil || !IsImmediate(rd) {
			return nil, 0, 0, false
		}
		return rd, rewound, prevBlocks, true
	}

	return d, idx, prevBlocks, true
}

// CommandPtrWordTo computes the OHCI CommandPtr word for a target
// descriptor located within this ring, given its block count (Z).
func (r *Ring) CommandPtrWordTo(targetIndex int, zBlocks uint8) (uint32, error) {
	if !r.finalized {
		return 0, fmt.Errorf("ring: not finalized")
	}
	if targetIndex < 0 || targetIndex >= r.capacity {
		return 0, fmt.Errorf("ring: index %d out of range", targetIndex)
	}
	addr := r.descIOVABase + uint64(targetIndex)*DescriptorSize
	return r.CommandPtrWordFromIOVA(uint32(addr), zBlocks)
}

// CommandPtrWordFromIOVA computes (iova & 0xFFFFFFF0) | (Z & 0xF), validated
// against 16-byte alignment. Returns an error on violation rather than the
// spec's "return 0 on error" so callers cannot silently mistake a valid
// zero-Z end-of-list word for a failure; Must* helpers below preserve the
// spec's contract for callers that want the zero-on-error shape.
func (r *Ring) CommandPtrWordFromIOVA(iova32 uint32, zBlocks uint8) (uint32, error) {
	if iova32&0xF != 0 {
		return 0, fmt.Errorf("ring: iova 0x%x is not 16-byte aligned", iova32)
	}
	return (iova32 & 0xFFFFFFF0) | uint32(zBlocks&0xF), nil
}

// MustCommandPtrWordFromIOVA returns 0 on any validation failure, matching
// spec.md §4.1's literal contract for call sites that prefer a sentinel
// over an error value (e.g. hot submit paths already validating upstream).
func MustCommandPtrWordFromIOVA(r *Ring, iova32 uint32, zBlocks uint8) uint32 {
	w, err := r.CommandPtrWordFromIOVA(iova32, zBlocks)
	if err != nil {
		return 0
	}
	return w
}
