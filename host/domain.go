package host

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/PaulMarron/xen-crashdump-analyser/archdispatch"
	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
)

// DomainState is the lifecycle state of a Domain.
type DomainState int

const (
	DomainRunning DomainState = iota
	DomainBlocked
	DomainPaused
	DomainDying
	DomainShutdown
)

func (s DomainState) String() string {
	switch s {
	case DomainRunning:
		return "running"
	case DomainBlocked:
		return "blocked"
	case DomainPaused:
		return "paused"
	case DomainDying:
		return "dying"
	case DomainShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// VCPURunstate mirrors the hypervisor's vcpu_runstate_info states.
type VCPURunstate int

const (
	RunstateRunning VCPURunstate = iota
	RunstateRunnable
	RunstateBlocked
	RunstateOffline
)

func (s VCPURunstate) String() string {
	switch s {
	case RunstateRunning:
		return "running"
	case RunstateRunnable:
		return "runnable"
	case RunstateBlocked:
		return "blocked"
	case RunstateOffline:
		return "offline"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Domain is one entry of the hypervisor's domain list.
type Domain struct {
	Addr            uint64 // address of the owning struct domain, used for the cycle guard
	ID              uint16
	IsControlDomain bool
	VCPUCount       uint32
	Handle          [16]byte
	PageTableBase   uint64
	State           DomainState
	VCPUs           []*VCPU
}

// VCPU is one virtual CPU belonging to a Domain. The owning Domain is
// referenced by ID, not by pointer, since VCPU is also reachable
// independently while Host walks the domain list.
type VCPU struct {
	VCPUID       uint32
	DomainID     uint16
	Runstate     VCPURunstate
	PauseFlags   uint32
	Frame        archdispatch.RegisterFrame
	GuestKind    archdispatch.GuestKind
	VersionKnown bool
	StackTrace   []archdispatch.StackFrame
	DecodeErr    error // set when the frame could not be decoded; report carries a placeholder
}

// PrintDomains iterates the domain linked list starting at
// domain_list, following next_in_list pointers, bounded by maxDomains
// to defeat cycles in corrupt memory. Each domain is decoded and
// written to its own file under outdirFD; a single domain's decode
// failure is reported and traversal continues.
func (h *Host) PrintDomains() (int, error) {
	count := 0
	next, err := h.readUint64(h.domainListAddr)
	if err != nil {
		return 0, fmt.Errorf("host: reading domain_list head: %w", err)
	}

	seen := make(map[uint64]bool)
	for next != 0 && next != h.domainListAddr && count < maxDomains {
		if seen[next] {
			h.cycleDetected = true
			h.cycleAfter = count
			h.logger.Printf("ADVISORY host: CycleDetected after N=%d entries", count)
			break
		}
		seen[next] = true

		dom, err := h.decodeDomain(next)
		if err != nil {
			h.logger.Printf("WARN host: domain at 0x%x: entity-fatal: %v", next, err)
			nxt, nerr := h.readUint64(next + domainNextInListOffset)
			if nerr != nil {
				break
			}
			next = nxt
			continue
		}
		h.Domains = append(h.Domains, dom)
		count++

		if err := h.writeDomainReport(dom); err != nil {
			h.logger.Printf("WARN host: domain %d: failed to write report: %v", dom.ID, err)
		}

		next, err = h.readUint64(next + domainNextInListOffset)
		if err != nil {
			break
		}
	}

	if count >= maxDomains {
		h.logger.Printf("ADVISORY host: stopped after safety cap of %d domains", maxDomains)
	}

	return count, nil
}

// decodeDomain reads one struct domain at addr and every one of its
// vCPUs. A failure decoding an individual vCPU is entity-fatal only
// for that vCPU: the domain is still emitted with a placeholder in
// that vCPU's slot.
func (h *Host) decodeDomain(addr uint64) (*Domain, error) {
	id, err := h.readUint32(addr + domainIDOffset)
	if err != nil {
		return nil, fmt.Errorf("reading domain id: %w", err)
	}
	handleBytes, err := h.readVirt(addr+domainHandleOffset, domainHandleSize)
	if err != nil {
		return nil, fmt.Errorf("reading domain handle: %w", err)
	}
	ptBase, err := h.readUint64(addr + domainPageTableBaseOffset)
	if err != nil {
		return nil, fmt.Errorf("reading domain page table base: %w", err)
	}
	vcpuCount, err := h.readUint32(addr + domainVCPUCountOffset)
	if err != nil {
		return nil, fmt.Errorf("reading domain vcpu count: %w", err)
	}
	stateRaw, err := h.readUint32(addr + domainStateOffset)
	if err != nil {
		return nil, fmt.Errorf("reading domain state: %w", err)
	}

	dom := &Domain{
		Addr:            addr,
		ID:              uint16(id),
		IsControlDomain: id == 0,
		VCPUCount:       vcpuCount,
		PageTableBase:   ptBase,
		State:           DomainState(stateRaw),
	}
	copy(dom.Handle[:], handleBytes)

	for i := uint32(0); i < vcpuCount; i++ {
		vcpuPtr, err := h.readUint64(addr + domainVCPUArrayOffset + uint64(i)*pointerSize)
		if err != nil {
			dom.VCPUs = append(dom.VCPUs, &VCPU{VCPUID: i, DomainID: dom.ID, DecodeErr: err})
			continue
		}
		if vcpuPtr == 0 {
			continue
		}
		vcpu, err := h.decodeVCPU(dom, vcpuPtr)
		if err != nil {
			vcpu = &VCPU{VCPUID: i, DomainID: dom.ID, DecodeErr: err}
		}
		dom.VCPUs = append(dom.VCPUs, vcpu)
	}

	return dom, nil
}

func (h *Host) decodeVCPU(dom *Domain, addr uint64) (*VCPU, error) {
	vcpuID, err := h.readUint32(addr + vcpuIDOffset)
	if err != nil {
		return nil, fmt.Errorf("reading vcpu id: %w", err)
	}
	runstateRaw, err := h.readUint32(addr + vcpuRunstateOffset)
	if err != nil {
		return nil, fmt.Errorf("reading vcpu runstate: %w", err)
	}
	pauseFlags, err := h.readUint32(addr + vcpuPauseFlagsOffset)
	if err != nil {
		return nil, fmt.Errorf("reading vcpu pause flags: %w", err)
	}

	vcpu := &VCPU{
		VCPUID:     vcpuID,
		DomainID:   dom.ID,
		Runstate:   VCPURunstate(runstateRaw),
		PauseFlags: pauseFlags,
	}

	frame, kind, versionKnown, err := h.backend.DecodeVCPUFrame(h.mm.ReadPhys, h.hvRoot, addr, h.version)
	if err != nil {
		vcpu.DecodeErr = err
		return vcpu, nil
	}
	vcpu.Frame = frame
	vcpu.GuestKind = kind
	vcpu.VersionKnown = versionKnown
	if !versionKnown {
		h.logger.Printf("DEBUG host: domain %d vcpu %d: hypervisor version %s has no exactly matching vcpu layout, using closest known layout", dom.ID, vcpuID, h.version)
	}

	symbolise := h.symboliseForDomain(dom)
	trace, err := h.backend.StackUnwind(h.mm.ReadPhys, h.hvRoot, frame, maxUnwindDepth, symbolise)
	if err != nil {
		h.logger.Printf("ADVISORY host: domain %d vcpu %d: stack unwind truncated: %v", dom.ID, vcpuID, err)
	}
	vcpu.StackTrace = trace

	return vcpu, nil
}

// symboliseForDomain returns a symboliser that uses the control
// domain's symbol table for addresses inside its kernel text range
// and the hypervisor's symbol table otherwise.
func (h *Host) symboliseForDomain(dom *Domain) func(uint64) (string, uint64, bool) {
	return func(addr uint64) (string, uint64, bool) {
		if dom.IsControlDomain && h.dom0Syms != nil {
			if name, offset, ok := h.dom0Syms.Symbolise(addr); ok {
				return name, offset, ok
			}
		}
		return h.xenSyms.Symbolise(addr)
	}
}

func (h *Host) domainFileName(dom *Domain) string {
	if dom.IsControlDomain {
		return ControlDomainName + ".log"
	}
	return fmt.Sprintf("domain-%d.log", dom.ID)
}

// writeDomainReport writes one domain's decoded state to
// domain-<id>.log (dom0.log additionally for the control domain).
// Every file handle is closed deterministically on every return path.
func (h *Host) writeDomainReport(dom *Domain) error {
	names := []string{h.domainFileName(dom)}
	if dom.IsControlDomain {
		names = []string{fmt.Sprintf("domain-%d.log", dom.ID), ControlDomainName + ".log"}
	}

	for _, name := range names {
		if err := h.writeReportFile(name, dom); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) writeReportFile(name string, dom *Domain) (err error) {
	fd, oerr := unix.Openat(h.outdirFD, name, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if oerr != nil {
		return fmt.Errorf("host: %w: open %s: %v", errkind.ErrIO, name, oerr)
	}
	f := os.NewFile(uintptr(fd), filepath.Join("outdir", name))
	defer func() {
		cerr := f.Close()
		if err == nil {
			err = cerr
		}
	}()

	return h.printDomain(f, dom)
}

func (h *Host) printDomain(w io.Writer, dom *Domain) error {
	fmt.Fprintf(w, "Domain %d%s\n", dom.ID, controlDomainSuffix(dom))
	fmt.Fprintf(w, "  UUID: %x\n", dom.Handle)
	fmt.Fprintf(w, "  State: %s\n", dom.State)
	fmt.Fprintf(w, "  Page table base: 0x%x\n", dom.PageTableBase)
	fmt.Fprintf(w, "  VCPUs: %d\n\n", dom.VCPUCount)

	for _, v := range dom.VCPUs {
		fmt.Fprintf(w, "VCPU%d:\n", v.VCPUID)
		if v.DecodeErr != nil {
			var pf *errkind.PageFaultError
			if errors.As(v.DecodeErr, &pf) {
				fmt.Fprintf(w, "  PageFault(%s) at va=0x%x\n\n", pf.Kind, pf.Addr)
			} else {
				fmt.Fprintf(w, "  decode failed: %v\n\n", v.DecodeErr)
			}
			continue
		}
		fmt.Fprintf(w, "  runstate: %s, pause_flags: 0x%x, guest: %s\n", v.Runstate, v.PauseFlags, guestKindString(v.GuestKind))
		fmt.Fprintf(w, "  rip=0x%x rsp=0x%x rflags=0x%x\n", v.Frame.PC, v.Frame.SP, v.Frame.Values["rflags"])
		fmt.Fprintf(w, "  Stack trace:\n")
		for _, sf := range v.StackTrace {
			if sf.Symbolised {
				fmt.Fprintf(w, "    0x%016x %s+0x%x\n", sf.PC, sf.Symbol, sf.Offset)
			} else {
				fmt.Fprintf(w, "    0x%016x (unsymbolised)\n", sf.PC)
			}
		}
		fmt.Fprintln(w)
	}

	return nil
}

func controlDomainSuffix(dom *Domain) string {
	if dom.IsControlDomain {
		return " (control domain)"
	}
	return ""
}

func guestKindString(k archdispatch.GuestKind) string {
	switch k {
	case archdispatch.GuestHVM:
		return "HVM"
	case archdispatch.GuestPV:
		return "PV"
	default:
		return "unknown"
	}
}
