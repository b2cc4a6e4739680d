package host

import (
	"bytes"
	"encoding/binary"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/PaulMarron/xen-crashdump-analyser/archdispatch"
	_ "github.com/PaulMarron/xen-crashdump-analyser/archx86" // registers x86_64
	"github.com/PaulMarron/xen-crashdump-analyser/elfcore"
	"github.com/PaulMarron/xen-crashdump-analyser/memmap"
	"github.com/PaulMarron/xen-crashdump-analyser/symtab"
)

func newBufLogger(buf *bytes.Buffer) *log.Logger {
	return log.New(buf, "", 0)
}

const (
	pml4Phys = 0x1000
	pdptPhys = 0x2000
	pdPhys   = 0x3000
	memSize  = 0x400000 // 4 MiB, enough for two PD entries (4 MiB of VA)
)

// newIdentityMappedMem builds a flat physical-memory image with a
// three-level (PML4, PDPT, PD) x86_64 page table identity-mapping virtual
// [0,0x200000) to the same physical range via one 2 MiB page, and
// deliberately leaving virtual [0x200000,0x400000) unmapped so a
// translation into that range faults with PageFaultNonPresent.
func newIdentityMappedMem() []byte {
	mem := make([]byte, memSize)
	put64 := func(phys uint64, v uint64) { binary.LittleEndian.PutUint64(mem[phys:phys+8], v) }

	put64(pml4Phys, pdptPhys|1)      // PML4[0] -> PDPT, present
	put64(pdptPhys, pdPhys|1)        // PDPT[0] -> PD, present
	put64(pdPhys, 0|1|(1<<7))        // PD[0]: 2 MiB page, present, PS, phys=0 (identity)
	// PD[1] left zero: not present, covers virt [0x200000,0x400000)

	return mem
}

func writeMemFile(t *testing.T, mem []byte) string {
	t.Helper()
	tf, err := os.CreateTemp(t.TempDir(), "phys-*.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer tf.Close()
	if _, err := tf.Write(mem); err != nil {
		t.Fatal(err)
	}
	return tf.Name()
}

func newTestSymtab(t *testing.T, extra ...string) *symtab.Table {
	t.Helper()
	lines := []string{
		"0000000000000000 T _stext",
		"0000000000010000 D domain_list",
	}
	lines = append(lines, extra...)
	tf, err := os.CreateTemp(t.TempDir(), "symtab-*.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer tf.Close()
	if _, err := tf.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		t.Fatal(err)
	}
	tbl, err := symtab.Parse(tf.Name(), true, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return tbl
}

func newTestHost(t *testing.T, mem []byte) *Host {
	t.Helper()
	path := writeMemFile(t, mem)
	mm, err := memmap.New(path, []memmap.Segment{{PhysStart: 0, FileOffset: 0, Length: uint64(len(mem))}})
	if err != nil {
		t.Fatalf("memmap.New: %v", err)
	}
	t.Cleanup(func() { mm.Close() })

	backend, err := archdispatch.Lookup(archdispatch.Ident{Class: 2, Data: 1, Machine: 62})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	xenSyms := newTestSymtab(t)

	core := &elfcore.Core{
		Anchor: &elfcore.AnchorNote{
			CPUCount:      1,
			VersionMajor:  4,
			VersionMinor:  4,
			VersionExtra:  0,
			PageTableBase: pml4Phys,
		},
	}

	h := New(core, backend, mm, xenSyms, nil)
	if err := h.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return h
}

// writeDomainHeader writes a Domain struct's fixed fields at phys/virt
// addr (identity-mapped region).
func writeDomainHeader(mem []byte, addr uint64, next uint64, id uint16, vcpuCount uint32) {
	binary.LittleEndian.PutUint64(mem[addr+domainNextInListOffset:], next)
	binary.LittleEndian.PutUint32(mem[addr+domainIDOffset:], uint32(id))
	binary.LittleEndian.PutUint64(mem[addr+domainPageTableBaseOffset:], 0)
	binary.LittleEndian.PutUint32(mem[addr+domainVCPUCountOffset:], vcpuCount)
	binary.LittleEndian.PutUint32(mem[addr+domainStateOffset:], 0)
}

func TestPrintDomainsSelfCycleStopsAfterOne(t *testing.T) {
	mem := newIdentityMappedMem()

	const domainListVar = 0x10000
	const domainAddr = 0x11000

	binary.LittleEndian.PutUint64(mem[domainListVar:], domainAddr)
	writeDomainHeader(mem, domainAddr, domainAddr /* points back to itself */, 0, 0)

	var logBuf bytes.Buffer
	h := newTestHost(t, mem)
	h.logger = newBufLogger(&logBuf)
	h.outdirFD = int(mustOpenDir(t).Fd())

	count, err := h.PrintDomains()
	if err != nil {
		t.Fatalf("PrintDomains: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d domains, want exactly 1", count)
	}
	if !h.cycleDetected {
		t.Fatalf("expected cycle to be detected")
	}
	if !strings.Contains(logBuf.String(), "CycleDetected after N=1") {
		t.Fatalf("expected advisory cycle log, got: %s", logBuf.String())
	}
}

func TestDecodeVCPUFramePageFaultIsReportedNotFatal(t *testing.T) {
	mem := newIdentityMappedMem()

	const domainListVar = 0x10000
	const domainAddr = 0x11000
	const vcpuAddr = 0x1FFD00 // vcpuAddr+HVMRegsOffset(0x318) lands at 0x200018, unmapped

	binary.LittleEndian.PutUint64(mem[domainListVar:], domainAddr)
	writeDomainHeader(mem, domainAddr, 0, 7, 1)
	binary.LittleEndian.PutUint64(mem[domainAddr+domainVCPUArrayOffset:], vcpuAddr)

	binary.LittleEndian.PutUint32(mem[vcpuAddr+vcpuIDOffset:], 0)
	binary.LittleEndian.PutUint32(mem[vcpuAddr+vcpuRunstateOffset:], 0)
	binary.LittleEndian.PutUint32(mem[vcpuAddr+vcpuPauseFlagsOffset:], 0)
	mem[vcpuAddr+0x28] = 1 // GuestKindOffset for version 4.4.0: discriminator=HVM

	h := newTestHost(t, mem)
	dir := mustOpenDir(t)
	h.outdirFD = int(dir.Fd())

	count, err := h.PrintDomains()
	if err != nil {
		t.Fatalf("PrintDomains: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d domains, want 1", count)
	}
	if len(h.Domains) != 1 || len(h.Domains[0].VCPUs) != 1 {
		t.Fatalf("expected exactly one domain with one vcpu slot")
	}
	vcpu := h.Domains[0].VCPUs[0]
	if vcpu.DecodeErr == nil {
		t.Fatalf("expected a page fault decode error")
	}

	contents, err := os.ReadFile(dir.Name() + "/domain-7.log")
	if err != nil {
		t.Fatalf("reading domain-7.log: %v", err)
	}
	if !strings.Contains(string(contents), "PageFault(NonPresent)") {
		t.Fatalf("expected a PageFault(NonPresent) line, got:\n%s", contents)
	}
}

func mustOpenDir(t *testing.T) *os.File {
	t.Helper()
	dir := t.TempDir()
	f, err := os.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}
