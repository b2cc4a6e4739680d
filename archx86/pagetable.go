package archx86

import (
	"encoding/binary"

	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
	"github.com/PaulMarron/xen-crashdump-analyser/memmap"
)

// x86_64 4-level paging geometry. Each table has 512 8-byte entries
// covering 9 bits of the virtual address per level.
const (
	pteShift  = 12
	pmdShift  = 21
	pudShift  = 30
	pgdShift  = 39
	entryMask = 0x1ff

	pePresent  = 1 << 0
	pePageSize = 1 << 7 // PS bit: PDPT -> 1GiB page, PD -> 2MiB page
	peNX       = 1 << 63

	physAddrMask = 0x000f_ffff_ffff_f000 // bits 12-51, ignoring flag bits
)

func tableIndex(virt uint64, shift uint) uint64 {
	return (virt >> shift) & entryMask
}

func pageOffset(virt uint64, shift uint) uint64 {
	return virt & ((1 << shift) - 1)
}

// readEntry reads the 8-byte page-table entry at index idx within the
// table rooted at tableRoot.
func readEntry(readPhys memmap.ReadPhysFunc, tableRoot, idx uint64) (uint64, error) {
	b, err := readPhys(tableRoot+idx*8, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WalkPageTable performs the x86_64 4-level walk: PML4 (PGD) -> PDPT
// (PUD) -> PD -> PT, short-circuiting at the PDPT (1 GiB pages) or PD
// (2 MiB pages) level when the entry's page-size bit is set. Both
// large-page cases round the resolved frame address down to its page
// size via memmap.AlignDown before adding the intra-page offset.
func (b *Backend) WalkPageTable(readPhys memmap.ReadPhysFunc, root, virt uint64, access memmap.AccessKind) (uint64, error) {
	pml4e, err := readEntry(readPhys, root&physAddrMask, tableIndex(virt, pgdShift))
	if err != nil {
		return 0, err
	}
	if pml4e&pePresent == 0 {
		return 0, &errkind.PageFaultError{Kind: errkind.PageFaultNonPresent, Addr: virt}
	}

	pdpt := pml4e & physAddrMask
	pdpte, err := readEntry(readPhys, pdpt, tableIndex(virt, pudShift))
	if err != nil {
		return 0, err
	}
	if pdpte&pePresent == 0 {
		return 0, &errkind.PageFaultError{Kind: errkind.PageFaultNonPresent, Addr: virt}
	}
	if pdpte&pePageSize != 0 {
		// 1 GiB page. The frame bits below the page-size boundary are
		// architecturally required to be zero; round down defensively
		// rather than trust a possibly-malformed entry.
		frame := memmap.AlignDown(pdpte&physAddrMask, uint64(1)<<pudShift)
		return frame + pageOffset(virt, pudShift), nil
	}

	pd := pdpte & physAddrMask
	pde, err := readEntry(readPhys, pd, tableIndex(virt, pmdShift))
	if err != nil {
		return 0, err
	}
	if pde&pePresent == 0 {
		return 0, &errkind.PageFaultError{Kind: errkind.PageFaultNonPresent, Addr: virt}
	}
	if pde&pePageSize != 0 {
		// 2 MiB page, same defensive rounding as the 1 GiB case above.
		frame := memmap.AlignDown(pde&physAddrMask, uint64(1)<<pmdShift)
		return frame + pageOffset(virt, pmdShift), nil
	}

	pt := pde & physAddrMask
	pte, err := readEntry(readPhys, pt, tableIndex(virt, pteShift))
	if err != nil {
		return 0, err
	}
	if pte&pePresent == 0 {
		return 0, &errkind.PageFaultError{Kind: errkind.PageFaultNonPresent, Addr: virt}
	}
	if access == memmap.AccessExec && pte&peNX != 0 {
		return 0, &errkind.PageFaultError{Kind: errkind.PageFaultReserved, Addr: virt}
	}

	return (pte & physAddrMask) + pageOffset(virt, pteShift), nil
}

