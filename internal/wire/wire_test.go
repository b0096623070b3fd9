package wire

import "testing"

func TestToBigEndian32(t *testing.T) {
	got := ToBigEndian32(0x01020304)
	want := uint32(0x04030201)
	if got != want {
		t.Errorf("ToBigEndian32(0x01020304) = 0x%08x, want 0x%08x", got, want)
	}
}

func TestToBigEndian16(t *testing.T) {
	got := ToBigEndian16(0x0102)
	want := uint16(0x0201)
	if got != want {
		t.Errorf("ToBigEndian16(0x0102) = 0x%04x, want 0x%04x", got, want)
	}
}

func TestQuadletRoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	PutQuadletLE(buf, 0, 0xdeadbeef)
	if got := QuadletLE(buf, 0); got != 0xdeadbeef {
		t.Errorf("QuadletLE round trip = 0x%08x, want 0xdeadbeef", got)
	}
}

func TestPutQuadletBE(t *testing.T) {
	buf := make([]byte, 4)
	PutQuadletBE(buf, 0, 0x01020304)
	want := []byte{0x01, 0x02, 0x03, 0x04}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("PutQuadletBE byte %d = 0x%02x, want 0x%02x", i, buf[i], want[i])
		}
	}
}
