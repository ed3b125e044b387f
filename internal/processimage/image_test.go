package processimage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevinKickass/OpenPNIO/internal/types"
)

func testProfile() []types.Submodule {
	return []types.Submodule{
		{Slot: 9, Subslot: 1, ModuleIdent: 0x90, SubmoduleIdent: 0x91, Direction: types.DirectionOutput, DataLength: 1},
		{Slot: 1, Subslot: 1, ModuleIdent: 0x10, SubmoduleIdent: 0x11, Direction: types.DirectionInput, DataLength: 4},
		{Slot: 2, Subslot: 1, ModuleIdent: 0x20, SubmoduleIdent: 0x21, Direction: types.DirectionBidirectional, DataLength: 2},
	}
}

func TestRegionLayout(t *testing.T) {
	im, err := Open("", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer im.Close()

	r, err := im.Allocate("rtu-1", testProfile())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	// 1/1: 4+1, 2/1: 2+1 + 2+1+1, 9/1: 1+1+1
	if r.Size() != 5+7+3 {
		t.Fatalf("region size %d", r.Size())
	}

	second, err := im.Allocate("rtu-2", testProfile())
	if err != nil {
		t.Fatalf("Allocate second: %v", err)
	}
	if second.Offset() != r.Size() {
		t.Fatalf("second region at %d", second.Offset())
	}

	again, err := im.Allocate("rtu-1", testProfile())
	if err != nil || again != r {
		t.Fatalf("reallocation must return the same region: %v", err)
	}
	if _, err := im.Allocate("rtu-1", testProfile()[:1]); err == nil {
		t.Fatal("expected error for changed profile")
	}
}

func TestInputsAndOutputs(t *testing.T) {
	im, _ := Open("", 0)
	defer im.Close()
	r, err := im.Allocate("rtu-1", testProfile())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if _, q, _ := r.Input(1, 1); q != IOxSBad {
		t.Fatalf("fresh input quality 0x%02X", q)
	}
	if err := r.PublishInput(1, 1, []byte{1, 2, 3, 4}, IOxSGood); err != nil {
		t.Fatalf("PublishInput: %v", err)
	}
	v, q, err := r.Input(1, 1)
	if err != nil || q != IOxSGood || !bytes.Equal(v, []byte{1, 2, 3, 4}) {
		t.Fatalf("Input = % X, 0x%02X, %v", v, q, err)
	}

	dst := make([]byte, 1)
	if good, _ := r.ReadOutput(9, 1, dst); good {
		t.Fatal("unwritten output must not be good")
	}
	if err := r.WriteOutput(9, 1, []byte{0x5A}); err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}
	good, err := r.ReadOutput(9, 1, dst)
	if err != nil || !good || dst[0] != 0x5A {
		t.Fatalf("ReadOutput = %v % X %v", good, dst, err)
	}

	tests := []struct {
		name string
		err  error
	}{
		{"wrong length", r.WriteOutput(9, 1, []byte{1, 2})},
		{"input only", r.WriteOutput(1, 1, []byte{1, 2, 3, 4})},
		{"output only", r.PublishInput(9, 1, []byte{1}, IOxSGood)},
	}
	for _, tt := range tests {
		if tt.err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
	if err := r.PublishInput(3, 1, nil, IOxSGood); !errors.Is(err, ErrUnknownSubmodule) {
		t.Fatalf("unknown submodule: %v", err)
	}

	r.InvalidateInputs()
	if _, q, _ := r.Input(1, 1); q != IOxSBad {
		t.Fatal("invalidate must mark inputs bad")
	}
	if good, _ := r.ReadOutput(9, 1, dst); !good {
		t.Fatal("invalidate must not touch commanded outputs")
	}
}

func TestValues(t *testing.T) {
	im, _ := Open("", 0)
	defer im.Close()
	r, _ := im.Allocate("rtu-1", testProfile())
	r.PublishInput(2, 1, []byte{0xAA, 0xBB}, IOxSGood)
	r.PublishIOCS(2, 1, IOxSGood)

	vals := r.Values()
	if len(vals) != 3 || vals[0].Slot != 1 || vals[1].Slot != 2 || vals[2].Slot != 9 {
		t.Fatalf("values not in slot order: %+v", vals)
	}
	bidi := vals[1]
	if !bytes.Equal(bidi.Input, []byte{0xAA, 0xBB}) || *bidi.InputIOPS != IOxSGood || *bidi.OutputIOCS != IOxSGood {
		t.Fatalf("bidirectional value %+v", bidi)
	}
	if vals[0].Output != nil || vals[2].Input != nil {
		t.Fatal("absent directions must be empty")
	}
}

func TestMmapBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pi.bin")
	im, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r, err := im.Allocate("rtu-1", testProfile())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := r.PublishInput(1, 1, []byte{0xDE, 0xAD, 0xBE, 0xEF}, IOxSGood); err != nil {
		t.Fatalf("PublishInput: %v", err)
	}
	if err := im.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := im.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(raw) != 4096 {
		t.Fatalf("file size %d", len(raw))
	}
	if !bytes.Equal(raw[:5], []byte{0xDE, 0xAD, 0xBE, 0xEF, IOxSGood}) {
		t.Fatalf("file content % X", raw[:5])
	}
}

func TestImageFull(t *testing.T) {
	im, _ := Open("", 8)
	defer im.Close()
	if _, err := im.Allocate("rtu-1", testProfile()); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("got %v, want ErrNoSpace", err)
	}
}
