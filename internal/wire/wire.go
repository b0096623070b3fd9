// Package wire converts between the three byte-order domains this engine
// touches: OHCI-internal (host order), IEEE-1394 wire (big-endian,
// controller-translated), and AR DMA memory (quadlets stored little-endian).
// The engine's internals speak only in host order; conversions happen at
// these boundaries. See spec.md §9's "mixed host/wire byte order" note.
package wire

import (
	"encoding/binary"
	"math/bits"
)

// ToBigEndian32 byte-swaps a host-order (little-endian machine) quadlet so
// that storing the result via a native (little-endian) write produces the
// big-endian wire byte pattern. Used for PHY packet control quadlets, which
// bypass the controller's normal header translation.
func ToBigEndian32(v uint32) uint32 {
	return bits.ReverseBytes32(v)
}

// ToBigEndian16 is the 16-bit analogue of ToBigEndian32.
func ToBigEndian16(v uint16) uint16 {
	return bits.ReverseBytes16(v)
}

// PutQuadletLE writes a host-order quadlet into buf[off:off+4] in the
// little-endian layout AR DMA buffers use in memory.
func PutQuadletLE(buf []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], v)
}

// QuadletLE reads a little-endian quadlet out of an AR DMA buffer.
func QuadletLE(buf []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(buf[off : off+4])
}

// PutQuadletBE writes a big-endian (wire-order) quadlet, used for PHY
// packets which are not controller-translated.
func PutQuadletBE(buf []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(buf[off:off+4], v)
}
