// Package archdispatch replaces the virtual-method architecture
// hierarchy of the original analyser with a tagged variant over
// supported ISAs, selected once by inspecting the ELF identification
// and then matched exhaustively by every downstream component.
//
// Architecture packages (e.g. archx86) register themselves from an
// init() function, the same registry idiom as
// github.com/wnxd/microdbg/debugger's Register/New.
package archdispatch

import (
	"encoding/binary"
	"fmt"

	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
	"github.com/PaulMarron/xen-crashdump-analyser/memmap"
)

// Ident is the ELF identification triple that selects an architecture
// backend: class (32/64-bit), data encoding (endianness), and machine
// type.
type Ident struct {
	Class   byte // elf.ELFCLASS32 / elf.ELFCLASS64
	Data    byte // elf.ELFDATA2LSB / elf.ELFDATA2MSB
	Machine uint16
}

func (id Ident) String() string {
	return fmt.Sprintf("class=%d data=%d machine=%d", id.Class, id.Data, id.Machine)
}

// RegisterFrame is the architecture-neutral view of a decoded register
// set: a name-keyed map of register values plus the canonical
// instruction-pointer and stack-pointer values (pulled out for the
// stack unwinder, which needs them architecture-generically).
type RegisterFrame struct {
	Values map[string]uint64
	PC     uint64
	SP     uint64
	FP     uint64 // frame pointer, 0 if the architecture/ABI has none
}

// StackFrame is one symbolised frame of an unwound call stack.
type StackFrame struct {
	PC         uint64
	Symbol     string
	Offset     uint64
	Symbolised bool
}

// GuestKind discriminates how a vCPU's guest-register save area is
// laid out.
type GuestKind int

const (
	GuestUnknown GuestKind = iota
	GuestHVM               // hardware-virtualised: VMCS-mirrored register block
	GuestPV                // paravirtualised: pt_regs-shaped area
)

// Backend is the capability set one per supported architecture must
// implement.
type Backend interface {
	// Ident reports the ELF identification this backend handles.
	Ident() Ident

	// ByteOrder is this architecture's byte order, used throughout the
	// pipeline to decode struct-shaped memory regions.
	ByteOrder() binary.ByteOrder

	// PointerSize is the architecture's native pointer width in bytes.
	PointerSize() int

	// DecodePCPURegisters decodes a raw NT_PRSTATUS-family register
	// blob into a RegisterFrame.
	DecodePCPURegisters(raw []byte) (RegisterFrame, error)

	// WalkPageTable implements memmap.PageTableWalker: translate virt
	// to a physical address by walking captured page tables rooted at
	// root, using readPhys for every page-table-entry read.
	WalkPageTable(readPhys memmap.ReadPhysFunc, root, virt uint64, access memmap.AccessKind) (uint64, error)

	// DecodeVCPUFrame reads the guest register save area embedded in
	// the hypervisor's vCPU structure at vcpuAddr, distinguishing HVM
	// from PV guests by a discriminator field. hvVersion parameterises
	// struct offsets that drift across hypervisor minor versions;
	// versionKnown reports whether hvVersion exactly matched a known
	// layout (false means a best-effort fallback layout was used: the
	// newest known layout not newer than hvVersion, or the oldest known
	// layout if hvVersion predates them all; callers should log this at
	// DEBUG).
	DecodeVCPUFrame(readPhys memmap.ReadPhysFunc, root, vcpuAddr uint64, hvVersion Version) (frame RegisterFrame, kind GuestKind, versionKnown bool, err error)

	// StackUnwind walks a frame-pointer-based call stack starting from
	// frame, symbolising each return address with symbolise. It stops
	// at maxDepth frames or when it detects the frame pointer no longer
	// advances monotonically (a cycle).
	StackUnwind(readPhys memmap.ReadPhysFunc, root uint64, frame RegisterFrame, maxDepth int, symbolise func(addr uint64) (name string, offset uint64, ok bool)) ([]StackFrame, error)
}

// Version is the hypervisor version read from the CORE file's anchor
// note: vCPU struct layouts are parameterised by this so the decoder
// can adapt to minor structural drift.
type Version struct {
	Major, Minor, Extra int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Extra)
}

// Less reports whether v predates o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Extra < o.Extra
}

type factory func() Backend

var registry = make(map[Ident]factory)

// Register associates an Ident with a Backend constructor. Called
// from architecture packages' init() functions, mirroring
// github.com/wnxd/microdbg/debugger.Register. Returns false (and does
// not overwrite) if ident is already registered.
func Register(ident Ident, ctor func() Backend) bool {
	if _, ok := registry[ident]; ok {
		return false
	}
	registry[ident] = ctor
	return true
}

// Lookup resolves the Backend registered for ident, the way
// github.com/wnxd/microdbg/debugger.New resolves dbgMap[emu.Arch()].
func Lookup(ident Ident) (Backend, error) {
	ctor, ok := registry[ident]
	if !ok {
		return nil, fmt.Errorf("archdispatch: %w: %s", errkind.ErrUnsupportedArch, ident)
	}
	return ctor(), nil
}
