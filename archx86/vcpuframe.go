package archx86

import (
	"encoding/binary"
	"fmt"

	"github.com/PaulMarron/xen-crashdump-analyser/archdispatch"
	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
	"github.com/PaulMarron/xen-crashdump-analyser/memmap"
)

// vcpuLayout describes the byte offsets, within a hypervisor vcpu
// struct, of the fields DecodeVCPUFrame needs. Offsets drift across
// hypervisor minor versions; layoutFor picks the closest known layout
// and reports whether the requested version was an exact match.
type vcpuLayout struct {
	GuestKindOffset uint64 // discriminator: 0 = PV, 1 = HVM
	PVRegsOffset    uint64 // offset of the pt_regs-shaped save area (PV guests)
	HVMRegsOffset   uint64 // offset of the VMCS-mirrored save area (HVM guests)
}

// knownLayouts is ordered oldest-to-newest; layoutFor returns the
// newest layout whose version does not exceed the requested one, or
// the newest known layout if the requested version is newer than
// anything known. An unknown version is reported via the exact flag
// so decoding can proceed with a best-effort layout instead of
// failing outright.
var knownLayouts = []struct {
	since  archdispatch.Version
	layout vcpuLayout
}{
	{archdispatch.Version{Major: 4, Minor: 0, Extra: 0}, vcpuLayout{
		GuestKindOffset: 0x20, PVRegsOffset: 0x100, HVMRegsOffset: 0x300,
	}},
	{archdispatch.Version{Major: 4, Minor: 4, Extra: 0}, vcpuLayout{
		GuestKindOffset: 0x28, PVRegsOffset: 0x108, HVMRegsOffset: 0x318,
	}},
}

func layoutFor(v archdispatch.Version) (vcpuLayout, bool) {
	best := knownLayouts[0].layout
	exact := false
	for _, kl := range knownLayouts {
		if kl.since.Less(v) || kl.since == v {
			best = kl.layout
		}
		if kl.since == v {
			exact = true
		}
	}
	return best, exact
}

const pvRegsSize = 21 * 8  // pt_regs-shaped: r15..ss, same field count as prstatusGPRegs64 minus the trailing fs_base/gs_base/ds/es/fs/gs
const hvmRegsSize = 27 * 8 // VMCS-mirrored block: same canonical field set as a full GP register dump

// DecodeVCPUFrame reads the guest register save area embedded in the
// vcpu structure at vcpuAddr.
func (b *Backend) DecodeVCPUFrame(readPhys memmap.ReadPhysFunc, root, vcpuAddr uint64, hvVersion archdispatch.Version) (archdispatch.RegisterFrame, archdispatch.GuestKind, bool, error) {
	layout, exact := layoutFor(hvVersion)

	kindBytes, err := readViaWalk(b, readPhys, root, vcpuAddr+layout.GuestKindOffset, 1)
	if err != nil {
		return archdispatch.RegisterFrame{}, archdispatch.GuestUnknown, exact, err
	}

	var (
		frame archdispatch.RegisterFrame
		kind  archdispatch.GuestKind
	)
	switch kindBytes[0] {
	case 0:
		kind = archdispatch.GuestPV
		raw, err := readViaWalk(b, readPhys, root, vcpuAddr+layout.PVRegsOffset, pvRegsSize)
		if err != nil {
			return archdispatch.RegisterFrame{}, kind, exact, err
		}
		frame, err = decodeGPBlob(binary.LittleEndian, raw)
		if err != nil {
			return archdispatch.RegisterFrame{}, kind, exact, fmt.Errorf("archx86: PV vcpu at 0x%x: %w", vcpuAddr, err)
		}
	case 1:
		kind = archdispatch.GuestHVM
		raw, err := readViaWalk(b, readPhys, root, vcpuAddr+layout.HVMRegsOffset, hvmRegsSize)
		if err != nil {
			return archdispatch.RegisterFrame{}, kind, exact, err
		}
		frame, err = decodeGPBlob(binary.LittleEndian, raw)
		if err != nil {
			return archdispatch.RegisterFrame{}, kind, exact, fmt.Errorf("archx86: HVM vcpu at 0x%x: %w", vcpuAddr, err)
		}
	default:
		return archdispatch.RegisterFrame{}, archdispatch.GuestUnknown, exact,
			fmt.Errorf("archx86: vcpu at 0x%x: %w: unrecognised guest-kind discriminator %d", vcpuAddr, errkind.ErrStructLayoutMismatch, kindBytes[0])
	}

	return frame, kind, exact, nil
}

// readViaWalk composes a virtual-address read with the page walker,
// handling page-boundary splits the same way memmap.ReadVirt does —
// duplicated narrowly here because Backend methods receive only a
// memmap.ReadPhysFunc, not a *memmap.Map to call ReadVirt on.
func readViaWalk(b *Backend, readPhys memmap.ReadPhysFunc, root, virt uint64, n int) ([]byte, error) {
	const pageSize = 4096
	out := make([]byte, 0, n)
	for len(out) < n {
		cur := virt + uint64(len(out))
		remaining := int(pageSize - cur%pageSize)
		chunk := n - len(out)
		if chunk > remaining {
			chunk = remaining
		}
		phys, err := b.WalkPageTable(readPhys, root, cur, memmap.AccessRead)
		if err != nil {
			return nil, err
		}
		chunkBytes, err := readPhys(phys, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, chunkBytes...)
	}
	return out, nil
}

// decodeGPBlob decodes a GP-register-shaped memory blob into a
// RegisterFrame, reusing the field layout/order of prstatusGPRegs64
// truncated to however many 8-byte registers raw actually contains.
func decodeGPBlob(order binary.ByteOrder, raw []byte) (archdispatch.RegisterFrame, error) {
	names := []string{
		"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10",
		"r9", "r8", "rax", "rcx", "rdx", "rsi", "rdi", "orig_rax",
		"rip", "cs", "rflags", "rsp", "ss", "fs_base", "gs_base",
		"ds", "es", "fs", "gs",
	}
	if len(raw) < 21*8 {
		return archdispatch.RegisterFrame{}, fmt.Errorf("%w: blob has %d bytes, need at least %d", errkind.ErrTruncated, len(raw), 21*8)
	}
	values := make(map[string]uint64, len(names))
	for i, name := range names {
		off := i * 8
		if off+8 > len(raw) {
			break
		}
		values[name] = order.Uint64(raw[off : off+8])
	}
	return archdispatch.RegisterFrame{
		Values: values,
		PC:     values["rip"],
		SP:     values["rsp"],
		FP:     values["rbp"],
	}, nil
}
