package memmap

import (
	"errors"
	"os"
	"testing"

	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
)

func writeCore(t *testing.T, contents []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "core-*.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(contents); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func TestReadPhysExactBoundary(t *testing.T) {
	data := make([]byte, 0x2000)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeCore(t, data)

	m, err := New(path, []Segment{{PhysStart: 0x0, FileOffset: 0, Length: 0x1000}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	b, err := m.ReadPhys(0x0, 0x1000)
	if err != nil {
		t.Fatalf("ReadPhys(0,0x1000): %v", err)
	}
	if len(b) != 0x1000 || b[0] != 0 || b[0xfff] != 0xff {
		t.Fatalf("unexpected contents")
	}

	if _, err := m.ReadPhys(0x1000, 1); err == nil {
		t.Fatalf("ReadPhys(0x1000,1) should fail: out of map")
	} else {
		var pf *errkind.PageFaultError
		if !errors.As(err, &pf) {
			t.Fatalf("expected PageFaultError, got %v", err)
		}
		if pf.Kind != errkind.PageFaultOutOfMap {
			t.Fatalf("expected OutOfMap, got %v", pf.Kind)
		}
	}
}

func TestReadPhysSingleByte(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	path := writeCore(t, data)
	m, err := New(path, []Segment{{PhysStart: 0x100, FileOffset: 0, Length: 4}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	b, err := m.ReadPhys(0x102, 1)
	if err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if b[0] != 0xCC {
		t.Fatalf("got 0x%x want 0xCC", b[0])
	}
}

func TestOverlappingSegmentsRejected(t *testing.T) {
	path := writeCore(t, make([]byte, 0x2000))
	_, err := New(path, []Segment{
		{PhysStart: 0x0, FileOffset: 0, Length: 0x1001},
		{PhysStart: 0x1000, FileOffset: 0x1000, Length: 0x1000},
	})
	if err == nil {
		t.Fatalf("expected overlap rejection")
	}
}

func TestSpanningTwoSegmentsFails(t *testing.T) {
	path := writeCore(t, make([]byte, 0x3000))
	m, err := New(path, []Segment{
		{PhysStart: 0x0, FileOffset: 0, Length: 0x1000},
		{PhysStart: 0x1000, FileOffset: 0x1000, Length: 0x1000},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if _, err := m.ReadPhys(0xffc, 8); err == nil {
		t.Fatalf("expected failure spanning two physically adjacent segments")
	}
}
