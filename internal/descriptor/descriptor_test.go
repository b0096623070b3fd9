package descriptor

import (
	"testing"

	"github.com/mrmidi/asfw/internal/ring"
)

func TestBuildControlFieldPositions(t *testing.T) {
	word := BuildControl(12, CmdOutputLastImmediate, KeyImmediate, IntAlways, BranchNever, false)
	if reqCount := word & 0xFFFF; reqCount != 12 {
		t.Errorf("reqCount = %d, want 12", reqCount)
	}
	if key := (word >> 24) & 0x7; key != KeyImmediate {
		t.Errorf("key = %d, want %d", key, KeyImmediate)
	}
	if cmd := (word >> 28) & 0xF; cmd != CmdOutputLastImmediate {
		t.Errorf("cmd = %d, want %d", cmd, CmdOutputLastImmediate)
	}
}

func TestBuildNoPayloadChainMarksImmediate(t *testing.T) {
	slots := make([]ring.OHCIDescriptor, 2)
	header := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	z, err := BuildNoPayloadChain(slots, header)
	if err != nil {
		t.Fatalf("BuildNoPayloadChain error: %v", err)
	}
	if z != 2 {
		t.Errorf("z = %d, want 2", z)
	}
	if !ring.IsImmediate(&slots[0]) {
		t.Error("expected slot 0 to be flagged immediate")
	}
	if reqCount := slots[0].ControlWord & 0xFFFF; reqCount != uint32(len(header)) {
		t.Errorf("reqCount = %d, want %d", reqCount, len(header))
	}
}

func TestBuildPayloadChainSetsDataAddress(t *testing.T) {
	slots := make([]ring.OHCIDescriptor, 3)
	header := make([]byte, 16)
	z, err := BuildPayloadChain(slots, header, 0x2000, 24)
	if err != nil {
		t.Fatalf("BuildPayloadChain error: %v", err)
	}
	if z != 3 {
		t.Errorf("z = %d, want 3", z)
	}
	if !ring.IsImmediate(&slots[0]) {
		t.Error("expected slot 0 to be flagged immediate")
	}
	if slots[2].DataAddress != 0x2000 {
		t.Errorf("payload DataAddress = 0x%x, want 0x2000", slots[2].DataAddress)
	}
	if reqCount := slots[2].ControlWord & 0xFFFF; reqCount != 24 {
		t.Errorf("payload reqCount = %d, want 24", reqCount)
	}
}

func TestBuildPayloadChainRejectsOversizedPayload(t *testing.T) {
	slots := make([]ring.OHCIDescriptor, 3)
	if _, err := BuildPayloadChain(slots, make([]byte, 16), 0, 0x10000); err == nil {
		t.Error("expected error for payload length exceeding 16 bits")
	}
}

func TestPatchBranchAlwaysFlipsField(t *testing.T) {
	d := ring.OHCIDescriptor{ControlWord: BuildControl(12, CmdOutputLastImmediate, KeyImmediate, IntAlways, BranchNever, false)}
	PatchBranchAlways(&d, 0x30002)
	if d.BranchWord != 0x30002 {
		t.Errorf("BranchWord = 0x%x, want 0x30002", d.BranchWord)
	}
	if branch := (d.ControlWord >> 18) & 0x3; branch != BranchAlways {
		t.Errorf("branch field = %d, want %d", branch, BranchAlways)
	}
}
