// Package hwfake implements a test double for hwiface.HardwareInterface:
// an in-memory OHCI register file plus a bump-allocator DMA arena backed
// by real anonymous mmap'd memory, so alignment and IOVA arithmetic get
// exercised against real page-backed addresses rather than GC-movable
// slices.
package hwfake

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mrmidi/asfw/internal/hwiface"
)

// RegisterShardSize is named after the teacher's ShardSize sharded-locking
// idiom: 0x40 bytes, 16 OHCI registers. The register file itself is not
// sharded; it is one map under one RWMutex, and nothing reads this value.
const RegisterShardSize = 0x40

// Hardware is an in-process stand-in for a real OHCI controller: a plain
// register map and a DMA arena that hands out slices of one real mmap'd
// anonymous mapping so pointer arithmetic and IOVA bookkeeping behave like
// they would against actual device-visible memory.
type Hardware struct {
	regMu sync.RWMutex
	regs  map[uint32]uint32

	arenaMu  sync.Mutex
	arena    []byte
	arenaPos int
	allocs   map[hwiface.DMAHandle]dmaAlloc
	nextID   hwiface.DMAHandle
}

type dmaAlloc struct {
	offset int
	length int
}

// ArenaSize is the default size of the fake DMA arena: large enough for a
// handful of descriptor rings and payload buffers in tests.
const ArenaSize = 4 * 1024 * 1024

// New returns a Hardware double with a freshly mmap'd DMA arena of
// ArenaSize bytes.
func New() (*Hardware, error) {
	return NewSized(ArenaSize)
}

// NewSized returns a Hardware double with a DMA arena of the given size,
// mmap'd as anonymous, private, read/write memory the same way the
// teacher's mmapQueues allocates its I/O buffer region.
func NewSized(arenaSize int) (*Hardware, error) {
	arena, err := unix.Mmap(-1, 0, arenaSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hwfake: mmap arena: %w", err)
	}
	return &Hardware{
		regs:   make(map[uint32]uint32),
		arena:  arena,
		allocs: make(map[hwiface.DMAHandle]dmaAlloc),
		nextID: 1,
	}, nil
}

// Close releases the backing mmap. Subsequent use of any slice returned by
// AllocDMA is undefined after Close.
func (h *Hardware) Close() error {
	h.arenaMu.Lock()
	defer h.arenaMu.Unlock()
	if h.arena == nil {
		return nil
	}
	err := unix.Munmap(h.arena)
	h.arena = nil
	return err
}

// ReadRegister reads a 32-bit register, defaulting to 0 for never-written
// offsets (matching real OHCI register file reset behavior closely enough
// for test purposes).
func (h *Hardware) ReadRegister(offset uint32) uint32 {
	h.regMu.RLock()
	defer h.regMu.RUnlock()
	return h.regs[offset]
}

// WriteRegister writes a 32-bit register.
func (h *Hardware) WriteRegister(offset uint32, value uint32) {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	h.regs[offset] = value
}

// AllocDMA bump-allocates length bytes from the arena and returns the
// host-visible slice, its IOVA (here, simply its arena offset — the fake
// has no separate device address space), and a handle for ReleaseDMA.
// direction is accepted for interface conformance but unused: the arena is
// always read/write from both sides since nothing actually enforces
// direction in-process.
func (h *Hardware) AllocDMA(length int, _ hwiface.DMADirection) ([]byte, uint32, hwiface.DMAHandle, error) {
	if length <= 0 {
		return nil, 0, 0, fmt.Errorf("hwfake: AllocDMA length must be positive, got %d", length)
	}

	h.arenaMu.Lock()
	defer h.arenaMu.Unlock()

	if h.arenaPos+length > len(h.arena) {
		return nil, 0, 0, fmt.Errorf("hwfake: DMA arena exhausted (%d of %d bytes used, %d requested)", h.arenaPos, len(h.arena), length)
	}

	offset := h.arenaPos
	h.arenaPos += length

	id := h.nextID
	h.nextID++
	h.allocs[id] = dmaAlloc{offset: offset, length: length}

	return h.arena[offset : offset+length], uint32(offset), id, nil
}

// ReleaseDMA forgets the allocation's bookkeeping. The bump allocator never
// reclaims arena space; this mirrors real OHCI DMA regions, which are
// typically allocated once for the lifetime of the context and never
// individually freed mid-run.
func (h *Hardware) ReleaseDMA(handle hwiface.DMAHandle) {
	h.arenaMu.Lock()
	defer h.arenaMu.Unlock()
	delete(h.allocs, handle)
}

var _ hwiface.HardwareInterface = (*Hardware)(nil)

// BusInfo is a fixed, caller-configurable test double for hwiface.BusInfo.
type BusInfo struct {
	mu          sync.RWMutex
	speeds      map[uint8]hwiface.FwSpeed
	hopCounts   map[[2]uint8]uint32
	generation  uint8
	localNodeID uint16
}

// NewBusInfo returns a BusInfo double reporting S400 for unconfigured
// nodes, generation 0, and local node 0.
func NewBusInfo() *BusInfo {
	return &BusInfo{
		speeds:    make(map[uint8]hwiface.FwSpeed),
		hopCounts: make(map[[2]uint8]uint32),
	}
}

// SetSpeed configures the speed BusInfo reports for node.
func (b *BusInfo) SetSpeed(node uint8, speed hwiface.FwSpeed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speeds[node] = speed
}

// Speed returns the configured speed for node, defaulting to S400.
func (b *BusInfo) Speed(node uint8) hwiface.FwSpeed {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.speeds[node]; ok {
		return s
	}
	return hwiface.FwSpeed(2) // S400
}

// SetHopCount configures the hop count BusInfo reports between a and b.
func (b *BusInfo) SetHopCount(a, other uint8, hops uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hopCounts[[2]uint8{a, other}] = hops
	b.hopCounts[[2]uint8{other, a}] = hops
}

// HopCount returns the configured hop count between a and b, defaulting to
// 0 (directly connected) for unconfigured pairs.
func (b *BusInfo) HopCount(a, other uint8) uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hopCounts[[2]uint8{a, other}]
}

// SetGeneration sets the bus generation BusInfo reports.
func (b *BusInfo) SetGeneration(gen uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation = gen
}

// Generation returns the configured bus generation.
func (b *BusInfo) Generation() uint8 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation
}

// SetLocalNodeID sets the local node ID BusInfo reports.
func (b *BusInfo) SetLocalNodeID(id uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.localNodeID = id
}

// LocalNodeID returns the configured local node ID.
func (b *BusInfo) LocalNodeID() uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.localNodeID
}

var _ hwiface.BusInfo = (*BusInfo)(nil)
