// Package archx86 is the x86_64 realisation of archdispatch.Backend:
// NT_PRSTATUS-family register decode, a 4-level (PML4/PDPT/PD/PT)
// page-table walker with 1 GiB/2 MiB large-page short circuits, an
// HVM/PV vCPU frame decoder, and a frame-pointer stack unwinder.
//
// Register layouts are grounded on the Linux x86_64 NT_PRSTATUS
// GP-register layout (struct user_regs_struct / elf_gregset_t); the
// page-walk/unwind style follows the "read a struct-shaped region at
// an architecture-parameterised offset" idiom used throughout the
// runtime-structure decoder this package is modelled on.
package archx86

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/debug/arch"

	"github.com/PaulMarron/xen-crashdump-analyser/archdispatch"
	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
	"github.com/PaulMarron/xen-crashdump-analyser/memmap"
)

const (
	elfClass64     = 2  // elf.ELFCLASS64
	elfData2LSB    = 1  // elf.ELFDATA2LSB
	emX86_64       = 62 // elf.EM_X86_64
	pointerSize    = 8
	maxUnwindDepth = 32
)

func ident() archdispatch.Ident {
	return archdispatch.Ident{Class: elfClass64, Data: elfData2LSB, Machine: emX86_64}
}

func init() {
	archdispatch.Register(ident(), func() archdispatch.Backend { return &Backend{} })
}

// Backend implements archdispatch.Backend for x86_64.
type Backend struct{}

func (b *Backend) Ident() archdispatch.Ident { return ident() }

func (b *Backend) ByteOrder() binary.ByteOrder { return goArch().ByteOrder }

func (b *Backend) PointerSize() int { return goArch().PointerSize }

// goArch returns the golang.org/x/debug/arch description of this
// architecture. DecodePCPURegisters decodes the raw register blob
// against it rather than against a hardcoded byte order, so a second
// Backend for a big-endian or 32-bit target only needs a different
// goArch.
func goArch() arch.Architecture {
	return arch.Architecture{ByteOrder: binary.LittleEndian, PointerSize: pointerSize}
}

// prstatusGPRegs64 mirrors the Linux x86_64 elf_gregset_t layout
// embedded in NT_PRSTATUS notes (see linux/arch/x86/include/uapi/asm/ptrace.h).
type prstatusGPRegs64 struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	OrigRax  uint64
	Rip      uint64
	Cs       uint64
	Rflags   uint64
	Rsp      uint64
	Ss       uint64
	FsBase   uint64
	GsBase   uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// xenControlRegisters carries the hypervisor-specific register
// extension appended after the generic GP-register block in the
// per-PCPU note: CR0/CR2/CR3/CR4, MSR_GS_BASE, MSR_KERNEL_GS_BASE.
type xenControlRegisters struct {
	Cr0         uint64
	Cr2         uint64
	Cr3         uint64
	Cr4         uint64
	MsrGsBase   uint64
	MsrKernelGs uint64
}

// DecodePCPURegisters decodes a raw register blob consisting of a
// prstatusGPRegs64 immediately followed by an (optional)
// xenControlRegisters extension.
func (b *Backend) DecodePCPURegisters(raw []byte) (archdispatch.RegisterFrame, error) {
	const gpSize = 27 * 8 // 27 8-byte GP/segment registers, matching elf_gregset_t
	if len(raw) < gpSize {
		return archdispatch.RegisterFrame{}, fmt.Errorf("archx86: %w: register blob too short (%d bytes)", errkind.ErrTruncated, len(raw))
	}
	a := goArch()

	var gp prstatusGPRegs64
	if err := binary.Read(bytes.NewReader(raw[:gpSize]), a.ByteOrder, &gp); err != nil {
		return archdispatch.RegisterFrame{}, fmt.Errorf("archx86: %w: %v", errkind.ErrStructLayoutMismatch, err)
	}

	values := map[string]uint64{
		"r15": gp.R15, "r14": gp.R14, "r13": gp.R13, "r12": gp.R12,
		"rbp": gp.Rbp, "rbx": gp.Rbx, "r11": gp.R11, "r10": gp.R10,
		"r9": gp.R9, "r8": gp.R8, "rax": gp.Rax, "rcx": gp.Rcx,
		"rdx": gp.Rdx, "rsi": gp.Rsi, "rdi": gp.Rdi, "orig_rax": gp.OrigRax,
		"rip": gp.Rip, "cs": gp.Cs, "rflags": gp.Rflags, "rsp": gp.Rsp,
		"ss": gp.Ss, "fs_base": gp.FsBase, "gs_base": gp.GsBase,
		"ds": gp.Ds, "es": gp.Es, "fs": gp.Fs, "gs": gp.Gs,
	}

	if len(raw) >= gpSize+6*8 {
		var ext xenControlRegisters
		if err := binary.Read(bytes.NewReader(raw[gpSize:gpSize+6*8]), a.ByteOrder, &ext); err == nil {
			values["cr0"] = ext.Cr0
			values["cr2"] = ext.Cr2
			values["cr3"] = ext.Cr3
			values["cr4"] = ext.Cr4
			values["msr_gs_base"] = ext.MsrGsBase
			values["msr_kernel_gs_base"] = ext.MsrKernelGs
		}
	}

	return archdispatch.RegisterFrame{
		Values: values,
		PC:     values["rip"],
		SP:     values["rsp"],
		FP:     values["rbp"],
	}, nil
}
