// Package ring implements the fixed-capacity circular slab of 16-byte OHCI
// descriptors, ported from the original driver's DescriptorRing: atomic
// head/tail with acquire/release ordering, previous-last-block bookkeeping
// for append-time branch-word patching, and CommandPtr word math.
package ring

import (
	"encoding/binary"
	"unsafe"
)

// OHCIDescriptor is the 16-byte, 16-byte-aligned OHCI descriptor: a control
// word (cmd/key/interrupt/branch/reqCount, packed by internal/descriptor),
// a data address, a branch word linking the next descriptor, and a status
// word the hardware writes. Fields are kept in host byte order; marshaling
// to the wire/DMA layout happens at the boundary (internal/wire).
type OHCIDescriptor struct {
	ControlWord uint32
	DataAddress uint32
	BranchWord  uint32
	StatusWord  uint32
}

const DescriptorSize = 16

// compile-time size assertion, mirroring the teacher's uapi size-check
// pattern (var _ [N]byte = [unsafe.Sizeof(T{})]byte{}).
var _ [DescriptorSize]byte = [unsafeSizeofOHCIDescriptor]byte{}

const unsafeSizeofOHCIDescriptor = unsafe.Sizeof(OHCIDescriptor{})

// MarshalTo writes the descriptor into buf (len(buf) >= DescriptorSize) in
// the little-endian layout the controller expects in DMA memory.
func (d *OHCIDescriptor) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], d.ControlWord)
	binary.LittleEndian.PutUint32(buf[4:8], d.DataAddress)
	binary.LittleEndian.PutUint32(buf[8:12], d.BranchWord)
	binary.LittleEndian.PutUint32(buf[12:16], d.StatusWord)
}

// UnmarshalFrom reads a descriptor's fields back out of DMA memory,
// typically to observe the hardware-written StatusWord after completion.
func (d *OHCIDescriptor) UnmarshalFrom(buf []byte) {
	d.ControlWord = binary.LittleEndian.Uint32(buf[0:4])
	d.DataAddress = binary.LittleEndian.Uint32(buf[4:8])
	d.BranchWord = binary.LittleEndian.Uint32(buf[8:12])
	d.StatusWord = binary.LittleEndian.Uint32(buf[12:16])
}

// IsImmediate reports whether this descriptor's control word encodes an
// OUTPUT_MORE-immediate / OUTPUT_LAST-immediate block (key field == 2),
// meaning it is followed by 16 bytes of inline packet header rather than a
// separate payload descriptor.
func IsImmediate(d *OHCIDescriptor) bool {
	const keyMask = 0x7 << 24
	const keyImmediate = 0x2 << 24
	return d.ControlWord&keyMask == keyImmediate
}
