// Package txtable implements the Outstanding Transaction Table (spec.md
// §4.6): a flat, fixed-size array of slots protected by bucketed mutexes
// (one per 64-slot bucket), handle-indexed with generation tagging to
// detect stale handles, plus a secondary (node,label) index for AR
// response matching.
package txtable

import (
	"sync"

	"github.com/mrmidi/asfw/internal/constants"
)

// SlotState is a transaction's lifecycle position (spec.md §3's Outstanding
// Slot state machine).
type SlotState int

const (
	StateFree SlotState = iota
	StateAllocated
	StateATPosted
	StateATCompleted
	StateAwaitingAR
	StateARReceived
	StateCompleted
	StateTimedOut
	StateAborted
	StateStale
	StateFailed
)

// Handle is a slot index (low 12 bits) plus a generation tag (high 4 bits),
// matching the root package's AsyncHandle layout exactly so the facade can
// convert between them with a plain cast.
type Handle uint32

const (
	handleIndexMask  = 0x0FFF
	handleGenMask    = 0xF000
	handleGenShift   = 12
	maxGeneration    = 0xF
	bucketSize       = constants.OutstandingBucketSize
)

func (h Handle) Index() uint16 { return uint16(h) & handleIndexMask }
func (h Handle) Gen() uint8    { return uint8((uint32(h) & handleGenMask) >> handleGenShift) }

func makeHandle(index uint16, gen uint8) Handle {
	if index == 0 && gen == 0 {
		gen = 1
	}
	return Handle(uint32(index&handleIndexMask) | (uint32(gen&0xF) << handleGenShift))
}

// Slot holds one outstanding transaction's bookkeeping. Callback and most
// fields are owned exclusively by the bucket lock that guards this slot's
// index.
type Slot struct {
	State          SlotState
	Generation     uint8 // slot reuse generation, distinct from bus generation
	Node           uint8
	Label          uint8
	BusGeneration  uint8
	SubmittedNanos int64
	DeadlineNanos  int64
	RetriesLeft    int
	Callback       func(status error, response []byte)
	ResponseBuffer []byte

	// Resubmission bookkeeping, owned by the facade: enough of the original
	// request to rebuild and resend its AT chain after a busy/timeout retry
	// without the caller having to resubmit by hand.
	ExpectedLength uint16
	Resubmit       func(speed uint8) error
}

type bucket struct {
	mu    sync.Mutex
	slots []Slot
}

// Table is the fixed-size outstanding transaction table.
type Table struct {
	buckets  []*bucket
	capacity int

	labelMu  sync.Mutex
	labelMap map[labelKey]uint16
}

type labelKey struct {
	node  uint8
	label uint8
}

// New allocates a table with the given capacity, which must be a multiple
// of the bucket size (spec.md's "one mutex per bucket of e.g. 64 slots").
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = constants.DefaultOutstandingSlots
	}
	numBuckets := (capacity + bucketSize - 1) / bucketSize
	buckets := make([]*bucket, numBuckets)
	for i := range buckets {
		n := bucketSize
		if (i+1)*bucketSize > capacity {
			n = capacity - i*bucketSize
		}
		buckets[i] = &bucket{slots: make([]Slot, n)}
	}
	return &Table{
		buckets:  buckets,
		capacity: capacity,
		labelMap: make(map[labelKey]uint16),
	}
}

func (t *Table) bucketFor(index uint16) (*bucket, int) {
	b := int(index) / bucketSize
	off := int(index) % bucketSize
	return t.buckets[b], off
}

// Register finds a free slot, stamps it Allocated with meta, and returns
// its handle. Returns ok=false if the table is full.
func (t *Table) Register(node, label uint8, busGeneration uint8, retries int, deadlineNanos int64, callback func(error, []byte)) (Handle, bool) {
	for idx := 0; idx < t.capacity; idx++ {
		index := uint16(idx)
		b, off := t.bucketFor(index)
		b.mu.Lock()
		slot := &b.slots[off]
		if slot.State == StateFree {
			slot.State = StateAllocated
			slot.Node = node
			slot.Label = label
			slot.BusGeneration = busGeneration
			slot.RetriesLeft = retries
			slot.DeadlineNanos = deadlineNanos
			slot.Callback = callback
			slot.ResponseBuffer = nil
			slot.ExpectedLength = 0
			slot.Resubmit = nil
			if index == 0 && slot.Generation == 0 {
				// A (index=0, gen=0) handle is indistinguishable from the
				// invalid handle; bump the slot's own generation so the
				// handle returned below and future Lookup calls agree.
				slot.Generation = 1
			}
			gen := slot.Generation
			b.mu.Unlock()

			t.labelMu.Lock()
			t.labelMap[labelKey{node: node, label: label}] = index
			t.labelMu.Unlock()

			return makeHandle(index, gen), true
		}
		b.mu.Unlock()
	}
	return 0, false
}

// Lookup validates handle.Gen() against the slot's current generation and
// returns the slot pointer plus the bucket-holding function to call under
// lock, or ok=false for a stale/out-of-range handle. Callers must call the
// returned unlock function exactly once.
func (t *Table) Lookup(h Handle) (slot *Slot, unlock func(), ok bool) {
	index := h.Index()
	if int(index) >= t.capacity {
		return nil, func() {}, false
	}
	b, off := t.bucketFor(index)
	b.mu.Lock()
	s := &b.slots[off]
	if s.Generation != h.Gen() || s.State == StateFree {
		b.mu.Unlock()
		return nil, func() {}, false
	}
	return s, b.mu.Unlock, true
}

// LookupByLabel finds the slot currently registered for (node,label), used
// by the AR router to match inbound responses to outstanding requests.
func (t *Table) LookupByLabel(node, label uint8) (Handle, bool) {
	t.labelMu.Lock()
	index, ok := t.labelMap[labelKey{node: node, label: label}]
	t.labelMu.Unlock()
	if !ok {
		return 0, false
	}
	b, off := t.bucketFor(index)
	b.mu.Lock()
	gen := b.slots[off].Generation
	state := b.slots[off].State
	b.mu.Unlock()
	if state == StateFree {
		return 0, false
	}
	return makeHandle(index, gen), true
}

// Release moves the slot back to Free, bumps its generation (mod 16), and
// clears the secondary label index entry.
func (t *Table) Release(h Handle) {
	index := h.Index()
	if int(index) >= t.capacity {
		return
	}
	b, off := t.bucketFor(index)
	b.mu.Lock()
	s := &b.slots[off]
	if s.Generation != h.Gen() {
		b.mu.Unlock()
		return
	}
	node, label := s.Node, s.Label
	s.State = StateFree
	s.Generation = (s.Generation + 1) & maxGeneration
	s.Callback = nil
	s.ResponseBuffer = nil
	s.Resubmit = nil
	b.mu.Unlock()

	t.labelMu.Lock()
	if cur, ok := t.labelMap[labelKey{node: node, label: label}]; ok && cur == index {
		delete(t.labelMap, labelKey{node: node, label: label})
	}
	t.labelMu.Unlock()
}

// Capacity returns the table's total slot count.
func (t *Table) Capacity() int { return t.capacity }

// ForEach invokes fn for every currently non-free slot, under that slot's
// bucket lock, used by the generation tracker's bus-reset sweep and by
// diagnostics. fn must not call back into the table.
func (t *Table) ForEach(fn func(h Handle, s *Slot)) {
	for bi, b := range t.buckets {
		b.mu.Lock()
		for off := range b.slots {
			s := &b.slots[off]
			if s.State != StateFree {
				index := uint16(bi*bucketSize + off)
				fn(makeHandle(index, s.Generation), s)
			}
		}
		b.mu.Unlock()
	}
}
