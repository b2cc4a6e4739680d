// Package host orchestrates decoding once memmap and symtab are
// ready: it locates the hypervisor's per-CPU array, console ring
// buffer and domain list, walks the domain linked list following
// each domain's vCPUs, and emits human-readable reports.
//
// Grounded on corefile/program.go's Program/Goroutine/StackFrame: the
// same flat-ownership idiom (Program.Goroutines []*Goroutine) rather
// than an ownership tree, with cross-entity links expressed as
// addresses instead of native references, since the graph in captured
// memory may be corrupt and native pointers would let a cycle there
// become a cycle in the owned representation.
package host

import (
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/PaulMarron/xen-crashdump-analyser/archdispatch"
	"github.com/PaulMarron/xen-crashdump-analyser/elfcore"
	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
	"github.com/PaulMarron/xen-crashdump-analyser/memmap"
	"github.com/PaulMarron/xen-crashdump-analyser/symtab"
)

// maxDomains bounds domain-list traversal so a corrupt or cyclic list
// cannot loop forever.
const maxDomains = 32768

// maxUnwindDepth caps frame-pointer stack unwinding.
const maxUnwindDepth = 32

// ControlDomainName is the well-known output name for domain 0.
const ControlDomainName = "dom0"

// PCPU is one physical CPU's state at crash time.
type PCPU struct {
	Index          uint32
	Registers      archdispatch.RegisterFrame
	CurrentVCPU    uint64
	HasCurrentVCPU bool
	Flags          uint64
}

// Host owns every decoded PCPU, Domain, and VCPU. Cross-entity
// references inside the decoded graph are plain uint64 addresses,
// never native pointers, which structurally rules out cycles in the
// owned representation even when the source graph in captured memory
// is corrupt.
type Host struct {
	core     *elfcore.Core
	backend  archdispatch.Backend
	mm       *memmap.Map
	xenSyms  *symtab.Table
	dom0Syms *symtab.Table
	logger   *log.Logger

	hvRoot   uint64 // hypervisor page-table root (anchor.PageTableBase)
	version  archdispatch.Version
	outdirFD int

	domainListAddr   uint64
	idleVCPUAddr     uint64
	perCPUOffsetAddr uint64
	currentTplAddr   uint64
	consoleRingVA    uint64
	consoleRingSize  uint64

	PCPUs       []*PCPU
	Domains     []*Domain
	consoleText string

	cycleDetected bool
	cycleAfter    int
}

// Option configures a Host at construction.
type Option func(*Host)

// WithLogger overrides the package default logger: an explicit
// context value rather than a process-wide singleton.
func WithLogger(l *log.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithOutdirFD sets the directory file descriptor PrintDomains writes
// per-domain reports into. The output-directory descriptor is held
// open for the process lifetime by the caller. Defaults to
// unix.AT_FDCWD (the process's current directory) when
// not set, which keeps Host usable in tests without an open directory
// descriptor.
func WithOutdirFD(fd int) Option {
	return func(h *Host) { h.outdirFD = fd }
}

func defaultLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// New constructs a Host over an already-parsed Core, architecture
// backend, memory map and symbol tables. Nothing is decoded until
// Setup/DecodeXen are called.
func New(core *elfcore.Core, backend archdispatch.Backend, mm *memmap.Map, xenSyms, dom0Syms *symtab.Table, opts ...Option) *Host {
	h := &Host{core: core, backend: backend, mm: mm, xenSyms: xenSyms, dom0Syms: dom0Syms, outdirFD: unix.AT_FDCWD}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = defaultLogger()
	}
	return h
}

// Setup resolves the anchor note and the hypervisor symbols that
// anchor decoding: domain_list, idle_vcpu, the per-CPU offset table,
// and the console ring.
func (h *Host) Setup() error {
	if h.core.Anchor == nil {
		return fmt.Errorf("host: %w: no hypervisor anchor note in CORE file", errkind.ErrInvalidFormat)
	}
	anchor := h.core.Anchor
	h.hvRoot = anchor.PageTableBase
	h.version = archdispatch.Version{Major: anchor.VersionMajor, Minor: anchor.VersionMinor, Extra: anchor.VersionExtra}
	h.consoleRingVA = anchor.ConsoleRingVA
	h.consoleRingSize = anchor.ConsoleRingSize

	addr, ok := h.xenSyms.LookupName("domain_list")
	if !ok {
		return fmt.Errorf("host: %w: symbol domain_list", errkind.ErrMissingSymbol)
	}
	h.domainListAddr = addr

	if addr, ok := h.xenSyms.LookupName("idle_vcpu"); ok {
		h.idleVCPUAddr = addr
	} else {
		h.idleVCPUAddr = anchor.IdleVCPU
	}

	if addr, ok := h.xenSyms.LookupName("__per_cpu_offset"); ok {
		h.perCPUOffsetAddr = addr
	}
	if addr, ok := h.xenSyms.LookupName("per_cpu__current"); ok {
		h.currentTplAddr = addr
	}

	if h.consoleRingVA == 0 {
		if addr, ok := h.xenSyms.LookupName("console_ring"); ok {
			h.consoleRingVA = addr
		}
	}
	if h.consoleRingSize == 0 {
		h.consoleRingSize = 16 * 1024
	}

	return nil
}

// readVirt reads n bytes at virt through the hypervisor root,
// surfacing memmap/page-fault errors to the caller unchanged.
func (h *Host) readVirt(virt uint64, n int) ([]byte, error) {
	return h.mm.ReadVirt(h.backend, h.hvRoot, virt, n)
}

func (h *Host) readUint64(virt uint64) (uint64, error) {
	b, err := h.readVirt(virt, 8)
	if err != nil {
		return 0, err
	}
	return h.backend.ByteOrder().Uint64(b), nil
}

func (h *Host) readUint32(virt uint64) (uint32, error) {
	b, err := h.readVirt(virt, 4)
	if err != nil {
		return 0, err
	}
	return h.backend.ByteOrder().Uint32(b), nil
}

// DecodeXen decodes PCPU register state, locates each PCPU's current
// vCPU, and reassembles the console ring buffer into chronological
// order.
func (h *Host) DecodeXen() error {
	for _, note := range h.core.PCPUNotes {
		regs, err := h.backend.DecodePCPURegisters(note.Raw)
		if err != nil {
			h.logger.Printf("WARN host: pcpu %d: %v", note.Index, err)
			continue
		}
		pcpu := &PCPU{Index: note.Index, Registers: regs}
		if h.perCPUOffsetAddr != 0 && h.currentTplAddr != 0 {
			if cur, ok := h.decodeCurrentVCPU(note.Index); ok {
				pcpu.CurrentVCPU = cur
				pcpu.HasCurrentVCPU = true
			}
		}
		h.PCPUs = append(h.PCPUs, pcpu)
	}

	if h.consoleRingVA != 0 && h.consoleRingSize != 0 {
		text, err := h.decodeConsoleRing()
		if err != nil {
			h.logger.Printf("WARN host: console ring decode failed: %v", err)
		} else {
			h.consoleText = text
		}
	}

	return nil
}

// decodeCurrentVCPU resolves the per-CPU "current" pointer for cpu:
// the hypervisor's per-CPU area for this CPU is the fixed template
// address plus this CPU's entry in the offset table.
func (h *Host) decodeCurrentVCPU(cpu uint32) (uint64, bool) {
	offVal, err := h.readUint64(h.perCPUOffsetAddr + uint64(cpu)*8)
	if err != nil {
		return 0, false
	}
	cur, err := h.readUint64(h.currentTplAddr + offVal)
	if err != nil {
		return 0, false
	}
	return cur, true
}

// PrintXen writes hypervisor-level information to w: version,
// per-PCPU summary with symbolised RIP, and the console ring.
func (h *Host) PrintXen(w io.Writer) error {
	anchor := h.core.Anchor
	if _, err := fmt.Fprintf(w, "Xen version %s\n\n", h.version); err != nil {
		return err
	}
	if anchor != nil {
		if _, err := fmt.Fprintf(w, "CPUs online: %d\n\n", anchor.CPUCount); err != nil {
			return err
		}
	}

	for _, p := range h.PCPUs {
		name, offset, ok := h.xenSyms.Symbolise(p.Registers.PC)
		if ok {
			fmt.Fprintf(w, "PCPU%d: rip=0x%x (%s+0x%x)\n", p.Index, p.Registers.PC, name, offset)
		} else {
			fmt.Fprintf(w, "PCPU%d: rip=0x%x (unsymbolised)\n", p.Index, p.Registers.PC)
		}
		if p.HasCurrentVCPU {
			fmt.Fprintf(w, "  current vcpu: 0x%x\n", p.CurrentVCPU)
		}
	}

	if h.consoleText != "" {
		fmt.Fprintf(w, "\n== Console ring ==\n%s\n", h.consoleText)
	}

	return nil
}
