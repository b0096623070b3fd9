// Package atctx implements one AT (Asynchronous Transmit) DMA context
// (spec.md §4.4): request or response. submit_chain serializes arm/append
// against the descriptor ring under a single mutex, following the same
// "one writer, many atomic readers" shape the teacher's ring/runner code
// uses for its submission queue.
package atctx

import (
	"fmt"
	"sync"

	"github.com/mrmidi/asfw/internal/descriptor"
	"github.com/mrmidi/asfw/internal/ring"
)

// ContextControl register bits, offsets relative to the context's base
// address (spec.md §6's OHCI register layout).
const (
	RegContextControlSet   = 0x00
	RegContextControlClear = 0x04
	RegCommandPtr          = 0x0C

	ctrlRun  = 1 << 15
	ctrlWake = 1 << 12
)

// Registers abstracts the two MMIO writes submit_chain issues, so tests can
// observe them without a real HardwareInterface.
type Registers interface {
	WriteRegister(offset uint32, value uint32)
}

// Context owns one AT descriptor ring and serializes submission to it.
type Context struct {
	mu   sync.Mutex
	ring *ring.Ring
	regs Registers
	base uint32
}

// New binds a Context to a descriptor ring and the register block at base
// (one of the AT Request/Response offsets from spec.md §6).
func New(r *ring.Ring, regs Registers, base uint32) *Context {
	return &Context{ring: r, regs: regs, base: base}
}

// SubmitChain links a freshly built chain (z_blocks slots already written
// at the ring's current tail) into the hardware's descriptor program: arms
// CommandPtr if the ring was empty, or patches the previous chain's branch
// word and signals WAKE if not. Callers must have already written the
// chain's descriptors via internal/descriptor before calling this.
func (c *Context) SubmitChain(startIndex int, zBlocks uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	commandPtr, err := c.ring.CommandPtrWordTo(startIndex, zBlocks)
	if err != nil {
		return fmt.Errorf("atctx: SubmitChain: %w", err)
	}

	prevBlocks := c.ring.PrevLastBlocks()
	if prevBlocks == 0 {
		// Path 1: arm. The ring has no outstanding chain to link from.
		c.regs.WriteRegister(c.base+RegCommandPtr, commandPtr)
		c.regs.WriteRegister(c.base+RegContextControlSet, ctrlRun)
	} else {
		tail := c.ring.Tail()
		lastDesc, _, _, ok := c.ring.LocatePreviousLast(tail, prevBlocks)
		if !ok {
			return fmt.Errorf("atctx: SubmitChain: could not locate previous chain's LAST descriptor")
		}
		ring.FenceStore()
		descriptor.PatchBranchAlways(lastDesc, commandPtr)
		ring.FenceStore()
		c.regs.WriteRegister(c.base+RegContextControlSet, ctrlWake)
	}

	newTail := (startIndex + int(zBlocks)) % c.ring.Capacity()
	c.ring.SetTail(newTail)
	c.ring.SetPrevLastBlocks(zBlocks)
	return nil
}

// ReserveSlots returns the ring index the next chain of zBlocks should
// occupy, without mutating ring state — callers build descriptor contents
// at this index before calling SubmitChain.
func (c *Context) ReserveSlots(zBlocks uint8) (startIndex int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring.Size()+int(zBlocks) > c.ring.Capacity()-1 {
		return 0, fmt.Errorf("atctx: ReserveSlots: ring full")
	}
	return c.ring.Tail(), nil
}
