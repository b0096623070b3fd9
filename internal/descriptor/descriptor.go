// Package descriptor assembles OHCI AT descriptor chains (spec.md §4.3):
// either a 2-block chain (IMMEDIATE+LAST, no payload — read requests) or a
// 3-block chain (IMMEDIATE+MORE+LAST, payload — write/lock requests).
// Control words are all constructed through BuildControl, which masks
// fields per OHCI 1.2 positions, keeping all descriptor-field packing in
// one helper rather than scattering bit math across call sites.
package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/mrmidi/asfw/internal/ring"
)

// Descriptor control-word field values. Key and branch positions match
// internal/ring's IsImmediate check (key at bits[26:24]).
const (
	CmdOutputMore         = 0x0
	CmdOutputLast         = 0x1
	CmdOutputMoreImmediate = 0x2
	CmdOutputLastImmediate = 0x3

	KeyNormal    = 0x0
	KeyImmediate = 0x2

	IntNever  = 0x0
	IntAlways = 0x3

	BranchNever  = 0x0
	BranchAlways = 0x3
)

// BuildControl masks reqCount/cmd/key/int/branch/ping into a 32-bit OHCI
// descriptor control word:
//
//	bits[31:28] cmd
//	bits[26:24] key
//	bits[21:20] interrupt
//	bits[19:18] branch
//	bit[17]     ping
//	bits[15:0]  reqCount
func BuildControl(reqCount uint16, cmd, key, intr, branch uint8, ping bool) uint32 {
	word := (uint32(cmd&0xF) << 28) |
		(uint32(key&0x7) << 24) |
		(uint32(intr&0x3) << 20) |
		(uint32(branch&0x3) << 18) |
		uint32(reqCount)
	if ping {
		word |= 1 << 17
	}
	return word
}

func writeRawHeader(d *ring.OHCIDescriptor, header []byte) {
	var buf [16]byte
	copy(buf[:], header)
	d.ControlWord = binary.LittleEndian.Uint32(buf[0:4])
	d.DataAddress = binary.LittleEndian.Uint32(buf[4:8])
	d.BranchWord = binary.LittleEndian.Uint32(buf[8:12])
	d.StatusWord = binary.LittleEndian.Uint32(buf[12:16])
}

// BuildNoPayloadChain fills a 2-slot chain (read-quadlet/read-block
// requests, and any response with no data): slot 0 is the immediate
// control descriptor, slot 1 carries the raw 12- or 16-byte packet header
// produced by internal/packet. Returns Z=2.
func BuildNoPayloadChain(slots []ring.OHCIDescriptor, header []byte) (z uint8, err error) {
	if len(slots) < 2 {
		return 0, fmt.Errorf("descriptor: BuildNoPayloadChain requires 2 slots, got %d", len(slots))
	}
	if len(header) == 0 || len(header) > 16 {
		return 0, fmt.Errorf("descriptor: BuildNoPayloadChain header must be 1..16 bytes, got %d", len(header))
	}
	slots[0] = ring.OHCIDescriptor{
		ControlWord: BuildControl(uint16(len(header)), CmdOutputLastImmediate, KeyImmediate, IntAlways, BranchNever, false),
	}
	writeRawHeader(&slots[1], header)
	return 2, nil
}

// BuildPayloadChain fills a 3-slot chain (write/lock requests): slot 0 is
// the immediate control descriptor, slot 1 the raw packet header, slot 2
// the OUTPUT_LAST descriptor pointing at the payload's device address.
// Returns Z=3.
func BuildPayloadChain(slots []ring.OHCIDescriptor, header []byte, payloadIOVA uint32, payloadLen int) (z uint8, err error) {
	if len(slots) < 3 {
		return 0, fmt.Errorf("descriptor: BuildPayloadChain requires 3 slots, got %d", len(slots))
	}
	if len(header) == 0 || len(header) > 16 {
		return 0, fmt.Errorf("descriptor: BuildPayloadChain header must be 1..16 bytes, got %d", len(header))
	}
	if payloadLen <= 0 || payloadLen > 0xFFFF {
		return 0, fmt.Errorf("descriptor: BuildPayloadChain payload length %d out of range", payloadLen)
	}
	slots[0] = ring.OHCIDescriptor{
		ControlWord: BuildControl(uint16(len(header)), CmdOutputMoreImmediate, KeyImmediate, IntNever, BranchNever, false),
	}
	writeRawHeader(&slots[1], header)
	slots[2] = ring.OHCIDescriptor{
		ControlWord: BuildControl(uint16(payloadLen), CmdOutputLast, KeyNormal, IntAlways, BranchNever, false),
		DataAddress: payloadIOVA,
	}
	return 3, nil
}

// PatchBranchAlways rewires a previously-terminal descriptor so the
// controller follows the link to the next chain instead of stopping: sets
// its branchWord to nextIOVA|Z and flips its branch-control field to
// "always". Per spec.md §4.4, callers must issue a release fence after this
// write and before signalling WAKE.
func PatchBranchAlways(last *ring.OHCIDescriptor, nextCommandPtr uint32) {
	last.BranchWord = nextCommandPtr
	last.ControlWord = (last.ControlWord &^ (uint32(0x3) << 18)) | (uint32(BranchAlways) << 18)
}
