package elfcore

import (
	"encoding/binary"
	"fmt"
	"io"

	xelf "golang.org/x/debug/elf"

	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
)

// noteHeader mirrors corefile/open_elf.go's elfNote{Namesz,Descsz,Ntype}:
// every ELF note begins with three 4-byte fields, followed by the
// 4-byte-aligned name and descriptor.
type noteHeader struct {
	Namesz uint32
	Descsz uint32
	Ntype  uint32
}

func align4(n uint32) uint32 {
	if n%4 != 0 {
		n += 4 - n%4
	}
	return n
}

// parseNotes walks every note in one PT_NOTE program header, the same
// loop shape as corefile/open_elf.go's readELFCoreNotes: read a
// fixed-size header, skip the (padded) name, read the (padded)
// descriptor. A single unparseable note is a warning (recorded as an
// OtherNotes entry with whatever was read) rather than a fatal error;
// a truncated note header, name or descriptor ends the walk with an
// error, since there is no way to resynchronise, and parse then fails
// the whole CORE file.
func parseNotes(ph *xelf.Prog, core *Core) error {
	r := ph.Open()
	pcpuIndex := uint32(0)

	for {
		var hdr noteHeader
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("elfcore: %w: truncated note header at PT_NOTE offset %d", errkind.ErrTruncated, ph.Off)
		}

		name, err := readPadded(r, hdr.Namesz)
		if err != nil {
			return fmt.Errorf("elfcore: %w: truncated note name", errkind.ErrTruncated)
		}
		desc, err := readPadded(r, hdr.Descsz)
		if err != nil {
			return fmt.Errorf("elfcore: %w: truncated note descriptor", errkind.ErrTruncated)
		}

		name = trimNUL(name[:hdr.Namesz])
		desc = desc[:hdr.Descsz]

		switch {
		case hdr.Ntype == ntPRStatus:
			core.PCPUNotes = append(core.PCPUNotes, PCPURegisterNote{Index: pcpuIndex, Raw: desc})
			pcpuIndex++
		case hdr.Ntype == anchorNoteType && name == anchorNoteName:
			anchor, err := decodeAnchor(desc)
			if err != nil {
				// Advisory: keep the raw note, drop the decoded anchor.
				core.OtherNotes = append(core.OtherNotes, Note{Name: name, Type: hdr.Ntype, Desc: desc})
				continue
			}
			core.Anchor = anchor
		default:
			core.OtherNotes = append(core.OtherNotes, Note{Name: name, Type: hdr.Ntype, Desc: desc})
		}
	}
}

// readPadded reads n bytes, then discards the alignment padding up to
// the next 4-byte boundary, returning the un-padded n bytes.
func readPadded(r io.Reader, n uint32) ([]byte, error) {
	padded := align4(n)
	buf := make([]byte, padded)
	if padded > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf[:n], nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// anchorPayload is the wire layout of the hypervisor anchor note's
// descriptor: three version words for major/minor/extra, followed by
// the CPU count and four pointer-sized fields.
type anchorPayload struct {
	VersionMajor    uint32
	VersionMinor    uint32
	VersionExtra    uint32
	CPUCount        uint32
	IdleVCPU        uint64
	PageTableBase   uint64
	ConsoleRingVA   uint64
	ConsoleRingSize uint64
}

const anchorPayloadSize = 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8

func decodeAnchor(desc []byte) (*AnchorNote, error) {
	if len(desc) < anchorPayloadSize {
		return nil, fmt.Errorf("elfcore: %w: anchor note too short (%d bytes)", errkind.ErrTruncated, len(desc))
	}
	order := binary.LittleEndian
	var p anchorPayload
	p.VersionMajor = order.Uint32(desc[0:4])
	p.VersionMinor = order.Uint32(desc[4:8])
	p.VersionExtra = order.Uint32(desc[8:12])
	p.CPUCount = order.Uint32(desc[12:16])
	p.IdleVCPU = order.Uint64(desc[16:24])
	p.PageTableBase = order.Uint64(desc[24:32])
	p.ConsoleRingVA = order.Uint64(desc[32:40])
	p.ConsoleRingSize = order.Uint64(desc[40:48])

	return &AnchorNote{
		CPUCount:        p.CPUCount,
		VersionMajor:    int(p.VersionMajor),
		VersionMinor:    int(p.VersionMinor),
		VersionExtra:    int(p.VersionExtra),
		IdleVCPU:        p.IdleVCPU,
		PageTableBase:   p.PageTableBase,
		ConsoleRingVA:   p.ConsoleRingVA,
		ConsoleRingSize: p.ConsoleRingSize,
	}, nil
}
