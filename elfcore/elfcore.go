// Package elfcore reads an ELF CORE file captured by kdump: the ELF
// identification selects an architecture backend, PT_LOAD program
// headers become memmap.Segments, and PT_NOTE segments are decoded
// into typed CORE notes (per-CPU register snapshots and the
// hypervisor anchor note).
//
// Grounded on corefile/open_elf.go's readELF/readELFCoreNotes: the
// same sort-then-scan program-header loop and the same elfNote{
// Namesz,Descsz,Ntype} walking loop, with note headers and payloads
// decoded as little-endian. Where corefile/open_elf.go merges
// adjacent same-permission PT_LOADs (it only cares about readable
// bytes), this package rejects overlapping PT_LOADs as fatal: an
// overlap in a hypervisor crash dump is corruption, not a benign
// segment boundary.
package elfcore

import (
	"fmt"
	"sort"

	xelf "golang.org/x/debug/elf"

	"github.com/PaulMarron/xen-crashdump-analyser/archdispatch"
	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
	"github.com/PaulMarron/xen-crashdump-analyser/memmap"
)

// AnchorNote carries the hypervisor-specific descriptor note that
// anchors symbolic decoding.
type AnchorNote struct {
	CPUCount        uint32
	VersionMajor    int
	VersionMinor    int
	VersionExtra    int
	IdleVCPU        uint64
	PageTableBase   uint64
	ConsoleRingVA   uint64
	ConsoleRingSize uint64
}

// Note is an unrecognised CORE note, recorded but not interpreted.
type Note struct {
	Name string
	Type uint32
	Desc []byte
}

// PCPURegisterNote is one NT_PRSTATUS-family note: the raw register
// blob for one physical CPU online at crash time, in the order the
// notes appeared in the CORE file.
type PCPURegisterNote struct {
	Index uint32
	Raw   []byte
}

// Core is the materialised result of parsing one ELF CORE file:
// program headers turned into memmap.Segments, and notes turned into
// typed records.
type Core struct {
	LoadSegments []memmap.Segment
	PCPUNotes    []PCPURegisterNote
	Anchor       *AnchorNote
	OtherNotes   []Note
}

// anchorNoteName is the ELF note "owner" name the hypervisor stamps
// on its descriptor note.
const anchorNoteName = "Xen"

// anchorNoteType is the note type carrying the {cpu_count,
// version_major, version_minor, version_extra, idle_vcpu,
// page_table_base, console_ring_va, console_ring_size} payload.
const anchorNoteType = 0x58454e01 // "XEN" + a sub-type tag

const ntPRStatus = 1 // linux/elfcore.h NT_PRSTATUS

// Open inspects path's ELF identification, selects an architecture
// backend via archdispatch, and parses all program headers and CORE
// notes. 64-bit little-endian EM_X86_64 is the only identification
// with a registered backend today; anything else fails fast with
// errkind.ErrUnsupportedArch.
func Open(path string) (*Core, archdispatch.Backend, error) {
	f, err := xelf.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("elfcore: open %s: %w: %v", path, errkind.ErrIO, err)
	}
	defer f.Close()

	ident := archdispatch.Ident{
		Class:   byte(f.Class),
		Data:    byte(f.Data),
		Machine: uint16(f.Machine),
	}
	backend, err := archdispatch.Lookup(ident)
	if err != nil {
		return nil, nil, fmt.Errorf("elfcore: %s: %w", path, err)
	}

	core, err := parse(f)
	if err != nil {
		return nil, nil, err
	}
	return core, backend, nil
}

func parse(f *xelf.File) (*Core, error) {
	core := &Core{}

	var loads []xelf.ProgHeader
	for _, ph := range f.Progs {
		switch ph.Type {
		case xelf.PT_LOAD:
			if ph.Memsz == 0 {
				continue
			}
			loads = append(loads, ph.ProgHeader)
		case xelf.PT_NOTE:
			if err := parseNotes(ph, core); err != nil {
				return nil, err
			}
		}
	}

	if len(loads) == 0 {
		return nil, fmt.Errorf("elfcore: %w: no PT_LOAD segments", errkind.ErrInvalidFormat)
	}

	sort.Slice(loads, func(i, j int) bool { return loads[i].Paddr < loads[j].Paddr })
	for i, ph := range loads {
		if i > 0 {
			prev := loads[i-1]
			if prev.Paddr+prev.Filesz > ph.Paddr {
				return nil, fmt.Errorf("elfcore: %w: PT_LOAD [0x%x,0x%x) overlaps [0x%x,0x%x)",
					errkind.ErrInvalidFormat, prev.Paddr, prev.Paddr+prev.Filesz, ph.Paddr, ph.Paddr+ph.Filesz)
			}
		}
		seg := memmap.Segment{
			PhysStart:  ph.Paddr,
			FileOffset: ph.Off,
			Length:     ph.Filesz,
		}
		if ph.Vaddr != 0 {
			seg.VirtStart = ph.Vaddr
			seg.VirtValid = true
		}
		core.LoadSegments = append(core.LoadSegments, seg)
	}

	return core, nil
}
