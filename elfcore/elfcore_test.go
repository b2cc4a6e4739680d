package elfcore

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	_ "github.com/PaulMarron/xen-crashdump-analyser/archx86" // registers x86_64
)

const (
	ptLoad = 1
	ptNote = 4

	emX8664    = 62
	elfClass64 = 2
	elfData2LSB = 1
)

// loadSpec describes one synthetic PT_LOAD for buildCore.
type loadSpec struct {
	paddr, vaddr uint64
	data         []byte
}

// noteSpec describes one synthetic ELF note for buildCore.
type noteSpec struct {
	name string
	typ  uint32
	desc []byte
}

func padNote(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func encodeNote(t *testing.T, n noteSpec) []byte {
	t.Helper()
	var buf bytes.Buffer
	nameBytes := append([]byte(n.name), 0) // NUL-terminated
	descBytes := n.desc

	binary.Write(&buf, binary.LittleEndian, uint32(len(nameBytes)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(descBytes)))
	binary.Write(&buf, binary.LittleEndian, n.typ)
	buf.Write(padNote(nameBytes))
	buf.Write(padNote(descBytes))
	return buf.Bytes()
}

// buildCore assembles a minimal well-formed ELF64 little-endian
// EM_X86_64 ET_CORE file: one ELF header, one program header per
// load/note segment, and the corresponding payloads. Grounded on the
// ELF64 object format itself (there is no ELF-writer anywhere in the
// retrieved corpus to follow; the wire layout is a standard, not an
// idiom borrowed from a teacher file).
func buildCore(t *testing.T, loads []loadSpec, notes []noteSpec) string {
	t.Helper()

	const (
		ehsize = 64
		phentsz = 56
	)

	var noteBlob []byte
	for _, n := range notes {
		noteBlob = append(noteBlob, encodeNote(t, n)...)
	}

	numPhdrs := len(loads)
	if len(notes) > 0 {
		numPhdrs++
	}
	phoff := uint64(ehsize)
	dataOff := phoff + uint64(numPhdrs)*phentsz

	var body bytes.Buffer
	type placed struct {
		typ          uint32
		paddr, vaddr uint64
		off, size    uint64
	}
	var placements []placed

	off := dataOff
	for _, l := range loads {
		body.Write(l.data)
		placements = append(placements, placed{typ: ptLoad, paddr: l.paddr, vaddr: l.vaddr, off: off, size: uint64(len(l.data))})
		off += uint64(len(l.data))
	}
	if len(notes) > 0 {
		body.Write(noteBlob)
		placements = append(placements, placed{typ: ptNote, off: off, size: uint64(len(noteBlob))})
		off += uint64(len(noteBlob))
	}

	var f bytes.Buffer

	// e_ident
	f.Write([]byte{0x7f, 'E', 'L', 'F', elfClass64, elfData2LSB, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.Write(&f, binary.LittleEndian, uint16(4))  // e_type = ET_CORE
	binary.Write(&f, binary.LittleEndian, uint16(emX8664))
	binary.Write(&f, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(&f, binary.LittleEndian, uint64(0)) // e_entry
	binary.Write(&f, binary.LittleEndian, phoff)      // e_phoff
	binary.Write(&f, binary.LittleEndian, uint64(0))  // e_shoff
	binary.Write(&f, binary.LittleEndian, uint32(0))  // e_flags
	binary.Write(&f, binary.LittleEndian, uint16(ehsize))
	binary.Write(&f, binary.LittleEndian, uint16(phentsz))
	binary.Write(&f, binary.LittleEndian, uint16(numPhdrs))
	binary.Write(&f, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&f, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&f, binary.LittleEndian, uint16(0)) // e_shstrndx

	for _, p := range placements {
		binary.Write(&f, binary.LittleEndian, p.typ)
		binary.Write(&f, binary.LittleEndian, uint32(5)) // p_flags: R+X
		binary.Write(&f, binary.LittleEndian, p.off)
		binary.Write(&f, binary.LittleEndian, p.vaddr)
		binary.Write(&f, binary.LittleEndian, p.paddr)
		binary.Write(&f, binary.LittleEndian, p.size)
		binary.Write(&f, binary.LittleEndian, p.size)
		binary.Write(&f, binary.LittleEndian, uint64(0x1000)) // p_align
	}

	f.Write(body.Bytes())

	path := writeTempFile(t, f.Bytes())
	return path
}

func writeTempFile(t *testing.T, contents []byte) string {
	t.Helper()
	tf, err := os.CreateTemp(t.TempDir(), "core-*.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer tf.Close()
	if _, err := tf.Write(contents); err != nil {
		t.Fatal(err)
	}
	return tf.Name()
}

func anchorDesc(cpuCount, major, minor, extra uint32, idleVCPU, ptBase, ringVA, ringSize uint64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, major)
	binary.Write(&buf, binary.LittleEndian, minor)
	binary.Write(&buf, binary.LittleEndian, extra)
	binary.Write(&buf, binary.LittleEndian, cpuCount)
	binary.Write(&buf, binary.LittleEndian, idleVCPU)
	binary.Write(&buf, binary.LittleEndian, ptBase)
	binary.Write(&buf, binary.LittleEndian, ringVA)
	binary.Write(&buf, binary.LittleEndian, ringSize)
	return buf.Bytes()
}

func TestOpenMinimalCore(t *testing.T) {
	path := buildCore(t,
		[]loadSpec{{paddr: 0x0, vaddr: 0, data: make([]byte, 0x1000)}},
		[]noteSpec{{name: anchorNoteName, typ: anchorNoteType, desc: anchorDesc(1, 4, 4, 0, 0, 0, 0, 0)}},
	)

	core, backend, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected a resolved backend")
	}
	if len(core.LoadSegments) != 1 {
		t.Fatalf("got %d load segments, want 1", len(core.LoadSegments))
	}
	if core.Anchor == nil {
		t.Fatalf("expected anchor note to be decoded")
	}
	if core.Anchor.VersionMajor != 4 || core.Anchor.VersionMinor != 4 {
		t.Fatalf("got version %d.%d, want 4.4", core.Anchor.VersionMajor, core.Anchor.VersionMinor)
	}
	if core.Anchor.CPUCount != 1 {
		t.Fatalf("got cpu_count=%d, want 1", core.Anchor.CPUCount)
	}
}

func TestOverlappingLoadsRejected(t *testing.T) {
	path := buildCore(t, []loadSpec{
		{paddr: 0x0, vaddr: 0, data: make([]byte, 0x1001)},
		{paddr: 0x1000, vaddr: 0, data: make([]byte, 0x1000)},
	}, nil)

	if _, _, err := Open(path); err == nil {
		t.Fatalf("expected overlap to be rejected")
	}
}

func TestNoLoadSegmentsIsFatal(t *testing.T) {
	path := buildCore(t, nil, nil)
	if _, _, err := Open(path); err == nil {
		t.Fatalf("expected zero PT_LOADs to be fatal")
	}
}
