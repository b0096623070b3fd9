// Package packet builds IEEE-1394 request headers in OHCI internal (host
// byte order) format, ported from
// original_source/ASFWDriver/Async/Tx/PacketBuilder.cpp. The controller
// translates host-order quadlets to wire format on transmit; PHY packets are
// the one exception and are built big-endian here directly.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/mrmidi/asfw/internal/wire"
)

// tCode values per IEEE-1394 Table 6-2 / OHCI 1.1 §7 (spec.md §4.5's header
// table uses the same set).
const (
	TCodeWriteQuadlet    = 0x0
	TCodeWriteBlock      = 0x1
	TCodeWriteResponse   = 0x2
	TCodeReadQuadlet     = 0x4
	TCodeReadBlock       = 0x5
	TCodeReadQuadletResp = 0x6
	TCodeReadBlockResp   = 0x7
	TCodeLock            = 0x9
	TCodeLockResp        = 0xB
	TCodeAsyncStream     = 0xA
	TCodePHY             = 0xE
)

const (
	retryX          = 0b01
	nodeIDMask      = 0xFFFF
	nodeNumberMask  = 0x3F
	busNumberMask   = 0x3FF
	HeaderSizeNoData   = 12
	HeaderSizeQuadlet  = 16
	HeaderSizeBlock    = 16
	HeaderSizePhy      = 4
)

// Context mirrors PacketContext: the local node's identity and default
// speed, shared across every Build call for a given AT context.
type Context struct {
	SourceNodeID uint16
	Generation   uint8
	SpeedCode    uint8
}

func (c Context) validate(op string) error {
	if c.SourceNodeID&nodeIDMask == 0 {
		return fmt.Errorf("packet: %s: source node ID missing", op)
	}
	return nil
}

func destinationID(ctx Context, destinationNode uint16) uint16 {
	busNumber := (ctx.SourceNodeID >> 6) & busNumberMask
	node := destinationNode & nodeNumberMask
	return (busNumber << 6) | node
}

func resolveSpeed(requested, contextDefault uint8) uint8 {
	if requested != 0xFF {
		return requested & 0x07
	}
	return contextDefault & 0x07
}

// quadlet0 packs the OHCI internal AT quadlet-0 layout: srcBusID:1 at bit23,
// speed:3 at bits[18:16], tLabel:6 at bits[15:10], retry:2 at bits[9:8],
// tCode:4 at bits[7:4], priority:4 at bits[3:0]. tLabel's position here must
// match internal/arrx's extraction exactly — see spec.md §6's wire-format
// note.
func quadlet0(label uint8, speedCode uint8, tCode uint8) uint32 {
	const srcBusID = 0
	return (uint32(srcBusID&0x1) << 23) |
		(uint32(speedCode&0x7) << 16) |
		(uint32(label&0x3F) << 10) |
		(uint32(retryX) << 8) |
		(uint32(tCode&0xF) << 4)
}

// ReadParams describes a read-quadlet or read-block request.
type ReadParams struct {
	DestinationNode uint16
	AddressHigh     uint32
	AddressLow      uint32
	Length          uint16
	SpeedCode       uint8
}

// WriteParams describes a write-quadlet or write-block request.
type WriteParams struct {
	DestinationNode uint16
	AddressHigh     uint32
	AddressLow      uint32
	Payload         []byte
}

// LockParams describes a lock request; ExtendedTCode selects the lock op
// (e.g. CompareSwap).
type LockParams struct {
	DestinationNode uint16
	AddressHigh     uint32
	AddressLow      uint32
	Length          uint16
	ExtendedTCode   uint16
	SpeedCode       uint8
}

// PhyParams describes a PHY-layer control packet.
type PhyParams struct {
	Control uint32
}

func validateAddressHigh(addressHigh uint32) error {
	if addressHigh > 0xFFFF {
		return fmt.Errorf("packet: addressHigh 0x%x exceeds 16 bits", addressHigh)
	}
	return nil
}

// BuildReadQuadlet writes a 12-byte read-quadlet request header.
func BuildReadQuadlet(params ReadParams, label uint8, ctx Context, buf []byte) (int, error) {
	if len(buf) < HeaderSizeNoData {
		return 0, fmt.Errorf("packet: BuildReadQuadlet: buffer too small")
	}
	if params.Length != 0 && params.Length != 4 {
		return 0, fmt.Errorf("packet: BuildReadQuadlet: invalid length %d", params.Length)
	}
	if err := validateAddressHigh(params.AddressHigh); err != nil {
		return 0, err
	}
	if err := ctx.validate("BuildReadQuadlet"); err != nil {
		return 0, err
	}

	speed := resolveSpeed(params.SpeedCode, ctx.SpeedCode)
	destID := destinationID(ctx, params.DestinationNode)

	q0 := quadlet0(label, speed, TCodeReadQuadlet)
	q1 := (uint32(destID) << 16) | (params.AddressHigh & 0xFFFF)
	q2 := params.AddressLow

	binary.LittleEndian.PutUint32(buf[0:4], q0)
	binary.LittleEndian.PutUint32(buf[4:8], q1)
	binary.LittleEndian.PutUint32(buf[8:12], q2)
	return HeaderSizeNoData, nil
}

// BuildReadBlock writes a 16-byte read-block request header.
func BuildReadBlock(params ReadParams, label uint8, ctx Context, buf []byte) (int, error) {
	if len(buf) < HeaderSizeBlock {
		return 0, fmt.Errorf("packet: BuildReadBlock: buffer too small")
	}
	if params.Length == 0 {
		return 0, fmt.Errorf("packet: BuildReadBlock: length must be nonzero")
	}
	if err := validateAddressHigh(params.AddressHigh); err != nil {
		return 0, err
	}
	if err := ctx.validate("BuildReadBlock"); err != nil {
		return 0, err
	}

	speed := resolveSpeed(params.SpeedCode, ctx.SpeedCode)
	destID := destinationID(ctx, params.DestinationNode)

	q0 := quadlet0(label, speed, TCodeReadBlock)
	q1 := (uint32(destID) << 16) | (params.AddressHigh & 0xFFFF)
	q2 := params.AddressLow
	q3 := uint32(params.Length) << 16

	binary.LittleEndian.PutUint32(buf[0:4], q0)
	binary.LittleEndian.PutUint32(buf[4:8], q1)
	binary.LittleEndian.PutUint32(buf[8:12], q2)
	binary.LittleEndian.PutUint32(buf[12:16], q3)
	return HeaderSizeBlock, nil
}

// BuildWriteQuadlet writes a 16-byte write-quadlet request header; the
// payload quadlet is copied from params.Payload (exactly 4 bytes).
func BuildWriteQuadlet(params WriteParams, label uint8, ctx Context, buf []byte) (int, error) {
	if len(buf) < HeaderSizeQuadlet {
		return 0, fmt.Errorf("packet: BuildWriteQuadlet: buffer too small")
	}
	if len(params.Payload) != 4 {
		return 0, fmt.Errorf("packet: BuildWriteQuadlet: payload must be 4 bytes")
	}
	if err := validateAddressHigh(params.AddressHigh); err != nil {
		return 0, err
	}
	if err := ctx.validate("BuildWriteQuadlet"); err != nil {
		return 0, err
	}

	speed := resolveSpeed(0xFF, ctx.SpeedCode)
	destID := destinationID(ctx, params.DestinationNode)

	q0 := quadlet0(label, speed, TCodeWriteQuadlet)
	q1 := (uint32(destID) << 16) | (params.AddressHigh & 0xFFFF)
	q2 := params.AddressLow
	q3 := binary.LittleEndian.Uint32(params.Payload)

	binary.LittleEndian.PutUint32(buf[0:4], q0)
	binary.LittleEndian.PutUint32(buf[4:8], q1)
	binary.LittleEndian.PutUint32(buf[8:12], q2)
	binary.LittleEndian.PutUint32(buf[12:16], q3)
	return HeaderSizeQuadlet, nil
}

// BuildWriteBlock writes a 16-byte write-block request header. Payload bytes
// themselves travel in the DMA payload context, not this header.
func BuildWriteBlock(params WriteParams, label uint8, ctx Context, buf []byte) (int, error) {
	if len(buf) < HeaderSizeBlock {
		return 0, fmt.Errorf("packet: BuildWriteBlock: buffer too small")
	}
	if len(params.Payload) == 0 || len(params.Payload) > 0xFFFF {
		return 0, fmt.Errorf("packet: BuildWriteBlock: invalid payload length %d", len(params.Payload))
	}
	if err := validateAddressHigh(params.AddressHigh); err != nil {
		return 0, err
	}
	if err := ctx.validate("BuildWriteBlock"); err != nil {
		return 0, err
	}

	speed := resolveSpeed(0xFF, ctx.SpeedCode)
	destID := destinationID(ctx, params.DestinationNode)

	q0 := quadlet0(label, speed, TCodeWriteBlock)
	q1 := (uint32(destID) << 16) | (params.AddressHigh & 0xFFFF)
	q2 := params.AddressLow
	q3 := uint32(len(params.Payload)) << 16

	binary.LittleEndian.PutUint32(buf[0:4], q0)
	binary.LittleEndian.PutUint32(buf[4:8], q1)
	binary.LittleEndian.PutUint32(buf[8:12], q2)
	binary.LittleEndian.PutUint32(buf[12:16], q3)
	return HeaderSizeBlock, nil
}

// BuildLock writes a 16-byte lock request header.
func BuildLock(params LockParams, label uint8, ctx Context, buf []byte) (int, error) {
	if len(buf) < HeaderSizeBlock {
		return 0, fmt.Errorf("packet: BuildLock: buffer too small")
	}
	if params.Length == 0 || params.Length > 0xFFFF {
		return 0, fmt.Errorf("packet: BuildLock: invalid length %d", params.Length)
	}
	if err := validateAddressHigh(params.AddressHigh); err != nil {
		return 0, err
	}
	if err := ctx.validate("BuildLock"); err != nil {
		return 0, err
	}

	speed := resolveSpeed(params.SpeedCode, ctx.SpeedCode)
	destID := destinationID(ctx, params.DestinationNode)

	q0 := quadlet0(label, speed, TCodeLock)
	q1 := (uint32(destID) << 16) | (params.AddressHigh & 0xFFFF)
	q2 := params.AddressLow
	q3 := (uint32(params.Length) << 16) | uint32(params.ExtendedTCode)

	binary.LittleEndian.PutUint32(buf[0:4], q0)
	binary.LittleEndian.PutUint32(buf[4:8], q1)
	binary.LittleEndian.PutUint32(buf[8:12], q2)
	binary.LittleEndian.PutUint32(buf[12:16], q3)
	return HeaderSizeBlock, nil
}

// ResponseParams describes a WrResp/RdResp this host sends back for an
// inbound AR request it serviced locally (e.g. a peer reading this host's
// Config-ROM), ported from
// original_source/ASFWDriver/Async/Tx/ResponseSender.hpp's SendWriteResponse,
// generalized to the three other response tCodes its ARPacketView/
// PacketRouter plumbing already names (ReadQuadletResp/ReadBlockResp/
// LockResp) but whose builders the original stubbed out.
type ResponseParams struct {
	DestinationNode uint16 // the original requester's node, now our destination
	RCode           uint8  // IEEE-1394 Table 6-3 response code
}

// responseQ1 packs destID:16 | rcode:4, the layout internal/arrx's
// isResponseTCode branch expects when parsing a response packet.
func responseQ1(destID uint16, rcode uint8) uint32 {
	return (uint32(destID) << 16) | (uint32(rcode&0xF) << 12)
}

// BuildWriteResponse writes a 12-byte write-response (WrResp) header
// acknowledging a write request this host serviced.
func BuildWriteResponse(params ResponseParams, label uint8, ctx Context, buf []byte) (int, error) {
	if len(buf) < HeaderSizeNoData {
		return 0, fmt.Errorf("packet: BuildWriteResponse: buffer too small")
	}
	if err := ctx.validate("BuildWriteResponse"); err != nil {
		return 0, err
	}
	destID := destinationID(ctx, params.DestinationNode)
	q0 := quadlet0(label, ctx.SpeedCode, TCodeWriteResponse)
	q1 := responseQ1(destID, params.RCode)

	binary.LittleEndian.PutUint32(buf[0:4], q0)
	binary.LittleEndian.PutUint32(buf[4:8], q1)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	return HeaderSizeNoData, nil
}

// BuildReadQuadletResponse writes a 16-byte read-quadlet response header.
// data is ignored (left as zero) when RCode is not Complete.
func BuildReadQuadletResponse(params ResponseParams, data uint32, label uint8, ctx Context, buf []byte) (int, error) {
	if len(buf) < HeaderSizeQuadlet {
		return 0, fmt.Errorf("packet: BuildReadQuadletResponse: buffer too small")
	}
	if err := ctx.validate("BuildReadQuadletResponse"); err != nil {
		return 0, err
	}
	destID := destinationID(ctx, params.DestinationNode)
	q0 := quadlet0(label, ctx.SpeedCode, TCodeReadQuadletResp)
	q1 := responseQ1(destID, params.RCode)
	q3 := uint32(0)
	if params.RCode == 0 {
		q3 = data
	}

	binary.LittleEndian.PutUint32(buf[0:4], q0)
	binary.LittleEndian.PutUint32(buf[4:8], q1)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], q3)
	return HeaderSizeQuadlet, nil
}

// BuildReadBlockResponse writes a 16-byte read-block response header; the
// payload bytes themselves travel through the DMA payload context, not
// this header. length is 0 when RCode is not Complete.
func BuildReadBlockResponse(params ResponseParams, length uint16, label uint8, ctx Context, buf []byte) (int, error) {
	if len(buf) < HeaderSizeBlock {
		return 0, fmt.Errorf("packet: BuildReadBlockResponse: buffer too small")
	}
	if err := ctx.validate("BuildReadBlockResponse"); err != nil {
		return 0, err
	}
	destID := destinationID(ctx, params.DestinationNode)
	q0 := quadlet0(label, ctx.SpeedCode, TCodeReadBlockResp)
	q1 := responseQ1(destID, params.RCode)
	q3 := uint32(length) << 16

	binary.LittleEndian.PutUint32(buf[0:4], q0)
	binary.LittleEndian.PutUint32(buf[4:8], q1)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], q3)
	return HeaderSizeBlock, nil
}

// BuildLockResponse writes a 16-byte lock-response header; the result
// payload travels through the DMA payload context.
func BuildLockResponse(params ResponseParams, length uint16, label uint8, ctx Context, buf []byte) (int, error) {
	if len(buf) < HeaderSizeBlock {
		return 0, fmt.Errorf("packet: BuildLockResponse: buffer too small")
	}
	if err := ctx.validate("BuildLockResponse"); err != nil {
		return 0, err
	}
	destID := destinationID(ctx, params.DestinationNode)
	q0 := quadlet0(label, ctx.SpeedCode, TCodeLockResp)
	q1 := responseQ1(destID, params.RCode)
	q3 := uint32(length) << 16

	binary.LittleEndian.PutUint32(buf[0:4], q0)
	binary.LittleEndian.PutUint32(buf[4:8], q1)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], q3)
	return HeaderSizeBlock, nil
}

// BuildPhyPacket writes a single big-endian control quadlet. PHY packets
// carry no destination/tLabel and go out as-is (no controller translation).
func BuildPhyPacket(params PhyParams, buf []byte) (int, error) {
	if len(buf) < HeaderSizePhy {
		return 0, fmt.Errorf("packet: BuildPhyPacket: buffer too small")
	}
	be := wire.ToBigEndian32(params.Control)
	binary.LittleEndian.PutUint32(buf[0:4], be)
	return HeaderSizePhy, nil
}

// ExtractTLabel reads back the 6-bit label from a quadlet-0 built above,
// matching the receive-side extraction in internal/arrx and proving the
// TX/RX bit position agreement spec.md §6 calls load-bearing.
func ExtractTLabel(q0 uint32) uint8 {
	return uint8((q0 >> 10) & 0x3F)
}

// ExtractTCode reads back the tCode nibble from a quadlet-0 built above.
func ExtractTCode(q0 uint32) uint8 {
	return uint8((q0 >> 4) & 0xF)
}
