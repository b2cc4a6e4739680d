package archx86

import (
	"encoding/binary"

	"github.com/PaulMarron/xen-crashdump-analyser/archdispatch"
	"github.com/PaulMarron/xen-crashdump-analyser/memmap"
)

// savedFrame is the classic x86_64 frame-pointer prologue layout:
// [rbp] = saved caller rbp, [rbp+8] = return address.
type savedFrame struct {
	CallerFP uint64
	RetAddr  uint64
}

// StackUnwind walks a frame-pointer-based call stack starting at
// frame.PC/frame.FP, symbolising each return address with symbolise.
// It stops at maxDepth frames or when the frame pointer (RBP) stops
// advancing upward,
// so a corrupt or cyclic chain terminates instead of looping forever.
func (b *Backend) StackUnwind(readPhys memmap.ReadPhysFunc, root uint64, frame archdispatch.RegisterFrame, maxDepth int, symbolise func(addr uint64) (name string, offset uint64, ok bool)) ([]archdispatch.StackFrame, error) {
	var frames []archdispatch.StackFrame

	pc := frame.PC
	fp := frame.FP
	lastFP := uint64(0)

	for depth := 0; depth < maxDepth; depth++ {
		name, offset, ok := symbolise(pc)
		frames = append(frames, archdispatch.StackFrame{
			PC:         pc,
			Symbol:     name,
			Offset:     offset,
			Symbolised: ok,
		})

		if fp == 0 {
			break
		}
		// A frame pointer must advance monotonically up the stack; a
		// non-increasing fp indicates a cycle or corrupt chain.
		if lastFP != 0 && fp <= lastFP {
			break
		}
		lastFP = fp

		raw, err := readViaWalk(b, readPhys, root, fp, 16)
		if err != nil {
			// A fault mid-unwind truncates the trace rather than
			// failing the whole walk; a partial stack is still useful.
			break
		}
		saved := savedFrame{
			CallerFP: binary.LittleEndian.Uint64(raw[0:8]),
			RetAddr:  binary.LittleEndian.Uint64(raw[8:16]),
		}
		if saved.RetAddr == 0 {
			break
		}

		pc = saved.RetAddr
		fp = saved.CallerFP
	}

	return frames, nil
}
