// Package dma implements the scoped DMA allocation for block payloads
// (spec.md §3's Payload Context): a buffer copied from caller data, exposing
// a 32-bit device-visible address, released once the transaction it backs
// is terminal. Every Create/CreateForRead call allocates a fresh buffer from
// the HardwareInterface; buffers are not pooled or reused.
package dma

import (
	"fmt"
	"sync"

	"github.com/mrmidi/asfw/internal/constants"
	"github.com/mrmidi/asfw/internal/hwiface"
)

// Context is an owned DMA buffer: unique ownership transferred explicitly
// (no shared_ptr/refcounting — spec.md §9's re-architecture note), released
// exactly once when the completion engine drops the slot's reference.
type Context struct {
	hw       hwiface.HardwareInterface
	handle   hwiface.DMAHandle
	hostVirt []byte
	deviceIOVA uint32
	released bool
	mu       sync.Mutex
}

// Create allocates a DMA buffer at least len(data) bytes, copies data into
// it, and returns an owned Context. OHCI only supports 32-bit physical
// addresses, so deviceIOVA must fit in uint32 (AllocDMA enforces this).
func Create(hw hwiface.HardwareInterface, data []byte) (*Context, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("dma: Create requires non-empty data")
	}
	if len(data) > constants.MaxBlockPayload {
		return nil, fmt.Errorf("dma: payload %d exceeds max block payload %d", len(data), constants.MaxBlockPayload)
	}
	hostVirt, iova, handle, err := hw.AllocDMA(len(data), hwiface.ToDevice)
	if err != nil {
		return nil, fmt.Errorf("dma: AllocDMA failed: %w", err)
	}
	copy(hostVirt, data)
	return &Context{hw: hw, handle: handle, hostVirt: hostVirt, deviceIOVA: iova}, nil
}

// CreateForRead allocates a DMA buffer for the inbound-data direction
// (reads and lock responses), with no copy-in.
func CreateForRead(hw hwiface.HardwareInterface, length int) (*Context, error) {
	if length <= 0 || length > constants.MaxBlockPayload {
		return nil, fmt.Errorf("dma: CreateForRead length %d out of range", length)
	}
	hostVirt, iova, handle, err := hw.AllocDMA(length, hwiface.FromDevice)
	if err != nil {
		return nil, fmt.Errorf("dma: AllocDMA failed: %w", err)
	}
	return &Context{hw: hw, handle: handle, hostVirt: hostVirt, deviceIOVA: iova}, nil
}

// DeviceAddress returns the 32-bit device-visible address of the buffer.
func (c *Context) DeviceAddress() uint32 { return c.deviceIOVA }

// Bytes returns the host-visible view of the buffer.
func (c *Context) Bytes() []byte { return c.hostVirt }

// Release drops the DMA allocation. Safe to call more than once; only the
// first call has effect. Invariant #4 (spec.md §3): callers must only call
// this after the owning transaction's terminal callback has run.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.hw.ReleaseDMA(c.handle)
}
