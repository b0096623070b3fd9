package arrx

import (
	"encoding/binary"
	"testing"
)

// putQuadlet writes one host-order quadlet of a test AR packet. AR buffers
// store each quadlet little-endian in memory per spec.md §4.5, so the
// quadlet is packed little-endian, matching what the hardware would leave
// behind.
func putQuadlet(buf []byte, offset int, v uint32) {
	binary.LittleEndian.PutUint32(buf[offset:offset+4], v)
}

func TestParseNextReadQuadletRequest(t *testing.T) {
	buf := make([]byte, 16+4)
	q0 := uint32(TCodeReadQuadletReq) << 4
	putQuadlet(buf, 0, q0)
	putQuadlet(buf, 4, 0)
	putQuadlet(buf, 8, 0)
	putQuadlet(buf, 12, 0)
	putQuadlet(buf, 16, 0x1234) // trailer

	info, ok := ParseNext(buf, 0)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if info.HeaderLength != 12 {
		t.Errorf("HeaderLength = %d, want 12", info.HeaderLength)
	}
	if info.TCode != TCodeReadQuadletReq {
		t.Errorf("TCode = 0x%x, want 0x%x", info.TCode, TCodeReadQuadletReq)
	}
}

func TestParseNextWriteBlockLengthFromQ3(t *testing.T) {
	buf := make([]byte, 16+24+4)
	q0 := uint32(TCodeWriteBlockReq) << 4
	putQuadlet(buf, 0, q0)
	putQuadlet(buf, 4, 0xAAAA)
	putQuadlet(buf, 8, 0)
	putQuadlet(buf, 12, uint32(24)<<16)
	for i := 0; i < 24; i++ {
		buf[16+i] = byte(i + 1)
	}
	putQuadlet(buf, 16+24, 0x5678)

	info, ok := ParseNext(buf, 0)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if info.DataLength != 24 {
		t.Errorf("DataLength = %d, want 24", info.DataLength)
	}
	if info.TotalLength != 40 {
		t.Errorf("TotalLength = %d, want 40", info.TotalLength)
	}
}

func TestParseNextRejectsUnknownTCode(t *testing.T) {
	buf := make([]byte, 16)
	putQuadlet(buf, 0, uint32(0x3)<<4) // 0x3 is not in the table
	if _, ok := ParseNext(buf, 0); ok {
		t.Error("expected failure for unknown tCode")
	}
}

func TestParseNextRejectsTruncatedBuffer(t *testing.T) {
	buf := make([]byte, 8)
	putQuadlet(buf, 0, uint32(TCodeReadBlockReq)<<4)
	if _, ok := ParseNext(buf, 0); ok {
		t.Error("expected failure when header would exceed buffer")
	}
}

func TestParseNextRejectsAllZeroGarbage(t *testing.T) {
	buf := make([]byte, 16+4)
	// All zero: tCode 0 decodes as write-quadlet-req, but header+trailer
	// being entirely zero must be rejected as garbage.
	if _, ok := ParseNext(buf, 0); ok {
		t.Error("expected all-zero header+trailer to be rejected as garbage")
	}
}

func TestParseNextExtractsRCodeForResponses(t *testing.T) {
	buf := make([]byte, 12+4)
	q0 := uint32(TCodeWriteResponse) << 4
	q1 := uint32(0x4) << 12 // rCode=conflict
	putQuadlet(buf, 0, q0)
	putQuadlet(buf, 4, q1)
	putQuadlet(buf, 8, 0)
	putQuadlet(buf, 12, 0x1)

	info, ok := ParseNext(buf, 0)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if info.RCode != 0x4 {
		t.Errorf("RCode = 0x%x, want 0x4", info.RCode)
	}
}

func TestExtractDestSourceTLabel(t *testing.T) {
	header := make([]byte, 12)
	q0 := (uint32(0xFFC1) << 16) | (uint32(0x15) << 10)
	q1 := uint32(0xFFC2) << 16
	putQuadlet(header, 0, q0)
	putQuadlet(header, 4, q1)

	if got := ExtractDestID(header); got != 0xFFC1 {
		t.Errorf("ExtractDestID = 0x%x, want 0xFFC1", got)
	}
	if got := ExtractSourceID(header); got != 0xFFC2 {
		t.Errorf("ExtractSourceID = 0x%x, want 0xFFC2", got)
	}
	if got := ExtractTLabel(header); got != 0x15 {
		t.Errorf("ExtractTLabel = 0x%x, want 0x15", got)
	}
}

func TestRoutePacketDispatchesToRegisteredHandler(t *testing.T) {
	r := NewRouter()
	var gotTCode uint16
	var gotLabel uint8
	r.RegisterRequestHandler(TCodeReadQuadletReq, func(header, payload []byte, tCode, sourceID, destID uint16, tLabel uint8) {
		gotTCode = tCode
		gotLabel = tLabel
	})

	buf := make([]byte, 12+4)
	q0 := (uint32(TCodeReadQuadletReq) << 4) | (uint32(0x2A) << 10)
	putQuadlet(buf, 0, q0)
	putQuadlet(buf, 4, uint32(0xFFC3)<<16)
	putQuadlet(buf, 8, 0)
	putQuadlet(buf, 12, 0x1)

	r.RoutePacket(buf)

	if gotTCode != TCodeReadQuadletReq {
		t.Errorf("handler invoked with tCode 0x%x, want 0x%x", gotTCode, TCodeReadQuadletReq)
	}
	if gotLabel != 0x2A {
		t.Errorf("handler invoked with tLabel 0x%x, want 0x2A", gotLabel)
	}
}

func TestRoutePacketSkipsUnregisteredTCode(t *testing.T) {
	r := NewRouter()
	buf := make([]byte, 12+4)
	putQuadlet(buf, 0, uint32(TCodeReadQuadletReq)<<4)
	putQuadlet(buf, 4, 0xFFFF)
	putQuadlet(buf, 8, 0)
	putQuadlet(buf, 12, 0x1)
	r.RoutePacket(buf) // must not panic with no handler registered
}
