package packet

import (
	"encoding/binary"
	"testing"
)

func testContext() Context {
	return Context{SourceNodeID: 0xFFC1, Generation: 1, SpeedCode: 0}
}

func TestBuildReadQuadletLayout(t *testing.T) {
	buf := make([]byte, HeaderSizeNoData)
	n, err := BuildReadQuadlet(ReadParams{DestinationNode: 1, AddressHigh: 0xFFFF, AddressLow: 0xF0000400}, 5, testContext(), buf)
	if err != nil {
		t.Fatalf("BuildReadQuadlet error: %v", err)
	}
	if n != HeaderSizeNoData {
		t.Fatalf("expected %d bytes written, got %d", HeaderSizeNoData, n)
	}
	q0 := binary.LittleEndian.Uint32(buf[0:4])
	if tCode := ExtractTCode(q0); tCode != TCodeReadQuadlet {
		t.Errorf("expected tCode 0x%x, got 0x%x", TCodeReadQuadlet, tCode)
	}
	if label := ExtractTLabel(q0); label != 5 {
		t.Errorf("expected label 5, got %d", label)
	}
	q1 := binary.LittleEndian.Uint32(buf[4:8])
	if q1&0xFFFF != 0xFFFF {
		t.Errorf("expected addressHigh 0xFFFF in quadlet1, got 0x%x", q1&0xFFFF)
	}
	q2 := binary.LittleEndian.Uint32(buf[8:12])
	if q2 != 0xF0000400 {
		t.Errorf("expected addressLow 0xF0000400, got 0x%x", q2)
	}
}

func TestBuildReadQuadletRejectsBadAddressHigh(t *testing.T) {
	buf := make([]byte, HeaderSizeNoData)
	if _, err := BuildReadQuadlet(ReadParams{AddressHigh: 0x10000}, 0, testContext(), buf); err == nil {
		t.Error("expected error for addressHigh exceeding 16 bits")
	}
}

func TestBuildReadQuadletRejectsMissingSourceNode(t *testing.T) {
	buf := make([]byte, HeaderSizeNoData)
	ctx := Context{SourceNodeID: 0}
	if _, err := BuildReadQuadlet(ReadParams{}, 0, ctx, buf); err == nil {
		t.Error("expected error for missing source node ID")
	}
}

func TestBuildWriteBlockQuadlet3Length(t *testing.T) {
	buf := make([]byte, HeaderSizeBlock)
	payload := make([]byte, 24)
	n, err := BuildWriteBlock(WriteParams{DestinationNode: 2, AddressHigh: 0xECC0, AddressLow: 0, Payload: payload}, 1, testContext(), buf)
	if err != nil {
		t.Fatalf("BuildWriteBlock error: %v", err)
	}
	if n != HeaderSizeBlock {
		t.Fatalf("expected %d bytes, got %d", HeaderSizeBlock, n)
	}
	q3 := binary.LittleEndian.Uint32(buf[12:16])
	if want := uint32(0x00180000); q3 != want {
		t.Errorf("quadlet3 = 0x%08x, want 0x%08x", q3, want)
	}
}

func TestBuildWriteQuadletCopiesPayload(t *testing.T) {
	buf := make([]byte, HeaderSizeQuadlet)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if _, err := BuildWriteQuadlet(WriteParams{DestinationNode: 1, Payload: payload}, 2, testContext(), buf); err != nil {
		t.Fatalf("BuildWriteQuadlet error: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf[12:16]); got != binary.LittleEndian.Uint32(payload) {
		t.Errorf("payload quadlet mismatch: got 0x%08x", got)
	}
}

func TestBuildWriteQuadletRejectsWrongPayloadLength(t *testing.T) {
	buf := make([]byte, HeaderSizeQuadlet)
	if _, err := BuildWriteQuadlet(WriteParams{Payload: []byte{1, 2, 3}}, 0, testContext(), buf); err == nil {
		t.Error("expected error for non-4-byte payload")
	}
}

func TestBuildLockQuadlet3LengthAndExtendedTCode(t *testing.T) {
	buf := make([]byte, HeaderSizeBlock)
	n, err := BuildLock(LockParams{DestinationNode: 0x3F, AddressHigh: 0xFFFF, AddressLow: 0xF0000234, Length: 8, ExtendedTCode: 2}, 0, testContext(), buf)
	if err != nil {
		t.Fatalf("BuildLock error: %v", err)
	}
	if n != HeaderSizeBlock {
		t.Fatalf("expected %d bytes, got %d", HeaderSizeBlock, n)
	}
	q3 := binary.LittleEndian.Uint32(buf[12:16])
	if want := uint32(0x00080002); q3 != want {
		t.Errorf("quadlet3 = 0x%08x, want 0x%08x", q3, want)
	}
	q0 := binary.LittleEndian.Uint32(buf[0:4])
	if tCode := ExtractTCode(q0); tCode != TCodeLock {
		t.Errorf("expected tCode 0x%x, got 0x%x", TCodeLock, tCode)
	}
}

func TestBuildPhyPacketIsBigEndian(t *testing.T) {
	buf := make([]byte, HeaderSizePhy)
	if _, err := BuildPhyPacket(PhyParams{Control: 0x01020304}, buf); err != nil {
		t.Fatalf("BuildPhyPacket error: %v", err)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("BuildPhyPacket byte order mismatch: got %v, want %v", buf, want)
		}
	}
}

func TestTLabelRoundTripAllLabels(t *testing.T) {
	ctx := testContext()
	buf := make([]byte, HeaderSizeNoData)
	for label := uint8(0); label < 64; label++ {
		if _, err := BuildReadQuadlet(ReadParams{DestinationNode: 1}, label, ctx, buf); err != nil {
			t.Fatalf("BuildReadQuadlet(label=%d) error: %v", label, err)
		}
		q0 := binary.LittleEndian.Uint32(buf[0:4])
		if got := ExtractTLabel(q0); got != label {
			t.Errorf("label round trip failed: built %d, extracted %d", label, got)
		}
	}
}
