// Package arrx implements the AR (Asynchronous Receive) parser and router
// (spec.md §4.5): walks the AR DMA byte stream packet-by-packet and
// dispatches each to a tCode-indexed handler table, the receive-side
// analogue of internal/packet's transmit-side builders.
package arrx

import (
	"encoding/binary"
)

// tCode values, shared with internal/packet's header-length table
// (spec.md §4.5). Duplicated rather than imported to keep this package
// independent of internal/packet (both are leaves imported by the root
// package).
const (
	TCodeWriteQuadletReq = 0x0
	TCodeWriteBlockReq   = 0x1
	TCodeWriteResponse   = 0x2
	TCodeReadQuadletReq  = 0x4
	TCodeReadBlockReq    = 0x5
	TCodeReadQuadletResp = 0x6
	TCodeReadBlockResp   = 0x7
	TCodeLockReq         = 0x9
	TCodeAsyncStream     = 0xA
	TCodeLockResp        = 0xB
	TCodePHY             = 0xE

	numTCodes = 16
)

// headerLengthByTCode is spec.md §4.5's table: header bytes (12 or 16) and
// whether the data-length field lives in Q3[31:16] (true), Q1[31:16]
// (async stream only), or is absent (data is inline in the header itself,
// or there simply is no payload).
type headerShape struct {
	valid         bool
	headerBytes   int
	lengthInQ3    bool
	lengthInQ1    bool
	dataInHeader  bool // write-quadlet req / read-quadlet resp: payload is Q3 itself
}

var headerTable = [numTCodes]headerShape{
	TCodeWriteQuadletReq: {valid: true, headerBytes: 16, dataInHeader: true},
	TCodeWriteBlockReq:   {valid: true, headerBytes: 16, lengthInQ3: true},
	TCodeWriteResponse:   {valid: true, headerBytes: 12},
	TCodeReadQuadletReq:  {valid: true, headerBytes: 12},
	TCodeReadBlockReq:    {valid: true, headerBytes: 16, lengthInQ3: true},
	TCodeReadQuadletResp: {valid: true, headerBytes: 16, dataInHeader: true},
	TCodeReadBlockResp:   {valid: true, headerBytes: 16, lengthInQ3: true},
	TCodeLockReq:         {valid: true, headerBytes: 16, lengthInQ3: true},
	TCodeAsyncStream:     {valid: true, headerBytes: 8, lengthInQ1: true},
	TCodeLockResp:        {valid: true, headerBytes: 16, lengthInQ3: true},
	TCodePHY:             {valid: true, headerBytes: 12},
}

// PacketInfo is ParseNext's result: offsets and metadata describing one AR
// packet within the stream, with no payload copy.
type PacketInfo struct {
	PacketStart  int
	HeaderLength int
	DataLength   int
	TotalLength  int
	TCode        uint8
	RCode        uint8
	XferStatus   uint16
	TimeStamp    uint16
	DestID       uint16
	SourceID     uint16
	TLabel       uint8
}

const trailerLength = 4

// ParseNext reads one packet starting at offset in buffer. Returns
// (info, true) on success, (zero, false) if tCode is unknown, the header or
// payload would run past the buffer, or the header+trailer region is all
// zero (garbage / unfilled DMA memory).
func ParseNext(buffer []byte, offset int) (PacketInfo, bool) {
	if offset < 0 || offset+8 > len(buffer) {
		return PacketInfo{}, false
	}
	q0 := binary.LittleEndian.Uint32(buffer[offset : offset+4])
	q1 := binary.LittleEndian.Uint32(buffer[offset+4 : offset+8])

	tCode := uint8((q0 >> 4) & 0xF)
	shape := headerTable[tCode]
	if !shape.valid {
		return PacketInfo{}, false
	}

	if offset+shape.headerBytes > len(buffer) {
		return PacketInfo{}, false
	}

	dataLength := 0
	switch {
	case shape.lengthInQ3:
		q3 := binary.LittleEndian.Uint32(buffer[offset+12 : offset+16])
		dataLength = int(q3 >> 16)
	case shape.lengthInQ1:
		dataLength = int(q1 >> 16)
	case shape.dataInHeader:
		dataLength = 4
	}

	// Payload is quadlet-aligned and follows the header directly.
	paddedData := (dataLength + 3) &^ 3
	if shape.dataInHeader {
		paddedData = 0 // the 4 data bytes are already inside headerBytes
	}

	total := shape.headerBytes + paddedData
	if offset+total > len(buffer) {
		return PacketInfo{}, false
	}

	if isAllZero(buffer[offset : offset+shape.headerBytes]) {
		if offset+total+trailerLength > len(buffer) || isAllZero(buffer[offset+total:offset+total+trailerLength]) {
			return PacketInfo{}, false
		}
	}

	var rCode uint8
	var xferStatus, timeStamp uint16
	if isResponseTCode(tCode) {
		rCode = uint8((q1 >> 12) & 0xF)
	}
	if offset+total+trailerLength <= len(buffer) {
		trailer := binary.LittleEndian.Uint32(buffer[offset+total : offset+total+trailerLength])
		xferStatus = uint16(trailer >> 16)
		timeStamp = uint16(trailer & 0xFFFF)
	}

	return PacketInfo{
		PacketStart:  offset,
		HeaderLength: shape.headerBytes,
		DataLength:   dataLength,
		TotalLength:  total,
		TCode:        tCode,
		RCode:        rCode,
		XferStatus:   xferStatus,
		TimeStamp:    timeStamp,
		DestID:       uint16(q0 >> 16),
		SourceID:     uint16(q1 >> 16),
		TLabel:       uint8((q0 >> 10) & 0x3F),
	}, true
}

func isResponseTCode(tCode uint8) bool {
	switch tCode {
	case TCodeWriteResponse, TCodeReadQuadletResp, TCodeReadBlockResp, TCodeLockResp:
		return true
	default:
		return false
	}
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// ExtractDestID, ExtractSourceID and ExtractTLabel pull the routing fields
// out of a packet's first 8 bytes, read as little-endian quadlets Q0/Q1 per
// the AR DMA memory format: Q0 = [destID:16][tLabel:6][rt:2][tCode:4]
// [pri:4], Q1 = [sourceID:16][rCode:4 in responses][...]. This mirrors
// original_source/ASFWDriver/Async/Rx/ARPacketParser.cpp's le32_at-then-
// shift approach rather than slicing header bytes directly, which would
// silently disagree with the quadlet's actual byte order.
func ExtractDestID(header []byte) uint16 {
	q0 := binary.LittleEndian.Uint32(header[0:4])
	return uint16(q0 >> 16)
}

func ExtractSourceID(header []byte) uint16 {
	if len(header) < 8 {
		return 0
	}
	q1 := binary.LittleEndian.Uint32(header[4:8])
	return uint16(q1 >> 16)
}

func ExtractTLabel(header []byte) uint8 {
	q0 := binary.LittleEndian.Uint32(header[0:4])
	return uint8((q0 >> 10) & 0x3F)
}

// RequestHandler and ResponseHandler process a routed packet. header is the
// packet's header bytes (no trailer); payload is the packet's data bytes,
// if any (for write-quadlet requests and read-quadlet responses, the
// header's fourth quadlet). Both slices alias the AR DMA buffer and must
// not be retained past the call.
type RequestHandler func(header, payload []byte, tCode, sourceID, destID uint16, tLabel uint8)
type ResponseHandler func(header, payload []byte, tCode, sourceID, destID uint16, tLabel uint8, rCode uint8)

// Router dispatches parsed AR packets to tCode-indexed handler tables.
type Router struct {
	requestHandlers  [numTCodes]RequestHandler
	responseHandlers [numTCodes]ResponseHandler
}

// NewRouter returns an empty router; unregistered tCodes are silently
// dropped by RoutePacket.
func NewRouter() *Router {
	return &Router{}
}

func (r *Router) RegisterRequestHandler(tCode uint8, fn RequestHandler) {
	if int(tCode) < numTCodes {
		r.requestHandlers[tCode] = fn
	}
}

func (r *Router) RegisterResponseHandler(tCode uint8, fn ResponseHandler) {
	if int(tCode) < numTCodes {
		r.responseHandlers[tCode] = fn
	}
}

// RoutePacket loops ParseNext over buffer, invoking the matching handler
// for every successfully parsed packet. Handlers run synchronously on the
// caller's goroutine and must not block.
func (r *Router) RoutePacket(buffer []byte) {
	offset := 0
	for {
		info, ok := ParseNext(buffer, offset)
		if !ok {
			return
		}
		header := buffer[info.PacketStart : info.PacketStart+info.HeaderLength]
		payloadStart := info.PacketStart + info.HeaderLength
		payloadEnd := info.PacketStart + info.TotalLength
		var payload []byte
		if payloadEnd > payloadStart {
			payload = buffer[payloadStart:payloadEnd]
		} else if headerTable[info.TCode].dataInHeader {
			payload = header[12:16]
		}

		if isResponseTCode(info.TCode) {
			if h := r.responseHandlers[info.TCode]; h != nil {
				h(header, payload, uint16(info.TCode), info.SourceID, info.DestID, info.TLabel, info.RCode)
			}
		} else {
			if h := r.requestHandlers[info.TCode]; h != nil {
				h(header, payload, uint16(info.TCode), info.SourceID, info.DestID, info.TLabel)
			}
		}

		offset = info.PacketStart + info.TotalLength + trailerLength
		if offset >= len(buffer) {
			return
		}
	}
}
