package modules

import (
	"encoding/binary"

	"binpart/internal/disasm"
	"binpart/internal/partition"
)

const (
	armNop     = 0xD503201F
	armPACIASP = 0xD503233F
	armBTIC    = 0xD503245F
)

func readWord(c *partition.CFG, addr uint64) (uint32, bool) {
	b := c.Memory().Read(addr, 4)
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// isFrameRecord matches stp x29, x30, [sp, #-N]!
func isFrameRecord(w uint32) bool {
	return w&0xFFC07FFF == 0xA9807BFD && (w>>21)&1 == 1
}

// isSubSP matches sub sp, sp, #imm (optionally shifted).
func isSubSP(w uint32) bool {
	return w&0xFF8003FF == 0xD10003FF
}

// arm64Boundary reports whether the word before addr ends a previous
// function or is padding.
func arm64Boundary(c *partition.CFG, addr uint64) bool {
	if segmentStart(c, addr) || endsWithoutFallthrough(c, addr) {
		return true
	}
	prev, ok := readWord(c, addr-4)
	if !ok {
		return true
	}
	if prev == armNop || prev == 0 {
		return true
	}
	bi := disasm.DecodeBranch(prev, addr-4)
	return bi.Terminates() && !bi.Conditional()
}

func arm64FrameRecord(c *partition.CFG, anchor uint64) bool {
	w, ok := readWord(c, anchor)
	if !ok {
		return false
	}
	if w == armPACIASP || w == armBTIC {
		next, ok := readWord(c, anchor+4)
		return ok && isFrameRecord(next)
	}
	return isFrameRecord(w)
}

func arm64StackAlloc(c *partition.CFG, anchor uint64) bool {
	w, ok := readWord(c, anchor)
	return ok && isSubSP(w) && arm64Boundary(c, anchor)
}

// arm64Padding returns the start of the nop/zero word run ending at entry.
func arm64Padding(c *partition.CFG, entry uint64) (uint64, bool) {
	if entry%4 != 0 {
		return entry, false
	}
	start := entry
	for start >= 4 && !c.IsOwned(start-1) {
		w, ok := readWord(c, start-4)
		if !ok || (w != armNop && w != 0) || c.IsOwned(start-4) {
			break
		}
		start -= 4
	}
	return start, start < entry
}
