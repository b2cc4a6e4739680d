// Package memmap indexes the PT_LOAD segments of a captured CORE file
// by physical address range, serves physical reads against them, and
// composes physical reads with an architecture-specific page-table
// walk (provided by the caller) to resolve virtual addresses.
//
// A Map is constructed once from the segment list produced by elfcore,
// is immutable thereafter, and is thread-compatible but not
// thread-safe: every read serialises through the single mmap'd CORE
// file.
package memmap

import (
	"fmt"
	"sort"

	"golang.org/x/exp/constraints"
	"golang.org/x/sys/unix"

	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
)

// Segment describes one PT_LOAD: a contiguous range of physical
// addresses backed by bytes at a given file offset, optionally
// carrying the virtual address the hypervisor mapped it at.
type Segment struct {
	PhysStart  uint64
	FileOffset uint64
	Length     uint64
	VirtStart  uint64 // 0 if absent; VirtValid distinguishes "absent" from "mapped at 0"
	VirtValid  bool
}

func (s Segment) containsPhys(addr uint64) bool {
	return addr >= s.PhysStart && addr < s.PhysStart+s.Length
}

// AccessKind is the kind of access being attempted on a virtual
// address translation, passed through to the architecture page-table
// walker so it can enforce permission bits.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExec
)

// ReadPhysFunc reads n bytes at a physical address; it is
// (*Map).ReadPhys, passed down so architecture backends can walk page
// tables without importing memmap themselves.
type ReadPhysFunc func(phys uint64, n int) ([]byte, error)

// PageTableWalker is implemented by an architecture backend
// (archdispatch.Backend declares the same method) to translate a virtual address to
// a physical address by walking captured page tables. It is supplied
// the Map's ReadPhys so the walk can read page-table entries without
// the architecture package depending on memmap in the other direction.
type PageTableWalker interface {
	WalkPageTable(readPhys ReadPhysFunc, root, virt uint64, access AccessKind) (phys uint64, err error)
}

// Map is a sorted, immutable index over a CORE file's PT_LOAD
// segments.
type Map struct {
	path     string
	data     []byte // mmap'd CORE file contents
	segments []Segment
}

// New opens corePath for random reads and builds a Map over segments.
// segments need not be pre-sorted; New sorts them and rejects any pair
// with overlapping physical ranges.
func New(corePath string, segments []Segment) (*Map, error) {
	f, err := unix.Open(corePath, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("memmap: open %s: %w: %v", corePath, errkind.ErrIO, err)
	}
	defer unix.Close(f)

	var st unix.Stat_t
	if err := unix.Fstat(f, &st); err != nil {
		return nil, fmt.Errorf("memmap: stat %s: %w: %v", corePath, errkind.ErrIO, err)
	}
	size := st.Size
	if size <= 0 {
		return nil, fmt.Errorf("memmap: %s: %w: empty CORE file", corePath, errkind.ErrInvalidFormat)
	}

	data, err := unix.Mmap(f, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memmap: mmap %s: %w: %v", corePath, errkind.ErrIO, err)
	}

	sorted := append([]Segment(nil), segments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PhysStart < sorted[j].PhysStart })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Length == 0 {
			_ = unix.Munmap(data)
			return nil, fmt.Errorf("memmap: %w: segment at 0x%x has zero length", errkind.ErrInvalidFormat, prev.PhysStart)
		}
		if prev.PhysStart+prev.Length > cur.PhysStart {
			_ = unix.Munmap(data)
			return nil, fmt.Errorf("memmap: %w: segment [0x%x,0x%x) overlaps [0x%x,0x%x)",
				errkind.ErrInvalidFormat, prev.PhysStart, prev.PhysStart+prev.Length, cur.PhysStart, cur.PhysStart+cur.Length)
		}
	}
	if len(sorted) > 0 && sorted[len(sorted)-1].Length == 0 {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("memmap: %w: zero-length segment", errkind.ErrInvalidFormat)
	}

	return &Map{path: corePath, data: data, segments: sorted}, nil
}

// Close releases the mmap'd CORE file.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// findSegment returns the segment containing phys, if any.
func (m *Map) findSegment(phys uint64) (Segment, bool) {
	segs := m.segments
	i := sort.Search(len(segs), func(i int) bool { return segs[i].PhysStart > phys })
	if i == 0 {
		return Segment{}, false
	}
	s := segs[i-1]
	if s.containsPhys(phys) {
		return s, true
	}
	return Segment{}, false
}

// ReadPhys reads exactly n bytes starting at physical address phys.
// The read must lie entirely within one segment; spanning two
// segments is an error even if they are physically adjacent, since
// segments are contiguous only by coincidence, never by guarantee.
func (m *Map) ReadPhys(phys uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("memmap: %w: negative read length", errkind.ErrInvalidFormat)
	}
	seg, ok := m.findSegment(phys)
	if !ok {
		return nil, &errkind.PageFaultError{Kind: errkind.PageFaultOutOfMap, Addr: phys}
	}
	end := phys + uint64(n)
	if end > seg.PhysStart+seg.Length || end < phys /* overflow */ {
		return nil, &errkind.PageFaultError{Kind: errkind.PageFaultOutOfMap, Addr: phys}
	}
	fileOff := seg.FileOffset + (phys - seg.PhysStart)
	if fileOff+uint64(n) > uint64(len(m.data)) {
		return nil, fmt.Errorf("memmap: %w: file offset 0x%x+%d exceeds CORE size", errkind.ErrTruncated, fileOff, n)
	}
	out := make([]byte, n)
	copy(out, m.data[fileOff:fileOff+uint64(n)])
	return out, nil
}

// VirtToPhys translates virt to a physical address by delegating the
// page-table walk to walker, starting at root (the architecture's
// page-table base register, e.g. CR3 for x86_64).
func (m *Map) VirtToPhys(walker PageTableWalker, root, virt uint64, access AccessKind) (uint64, error) {
	return walker.WalkPageTable(m.ReadPhys, root, virt, access)
}

// ReadVirt composes VirtToPhys with ReadPhys, splitting the read at
// page boundaries as needed. A fault on any page aborts the entire
// read.
func (m *Map) ReadVirt(walker PageTableWalker, root, virt uint64, n int) ([]byte, error) {
	const pageSize = 4096
	if n < 0 {
		return nil, fmt.Errorf("memmap: %w: negative read length", errkind.ErrInvalidFormat)
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		remainingInPage := int(pageSize - (virt+uint64(len(out)))%pageSize)
		chunk := n - len(out)
		if chunk > remainingInPage {
			chunk = remainingInPage
		}
		phys, err := m.VirtToPhys(walker, root, virt+uint64(len(out)), AccessRead)
		if err != nil {
			return nil, err
		}
		b, err := m.ReadPhys(phys, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// AlignDown rounds v down to the nearest multiple of align, which must
// be a power of two. Grounded on the generic integer-alignment idiom
// used for page-table rounding.
func AlignDown[T constraints.Integer](v, align T) T {
	return v &^ (align - 1)
}
