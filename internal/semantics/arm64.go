package semantics

import (
	"fmt"
	"sort"

	"binpart/internal/disasm"
)

// ARM64 evaluates AArch64 blocks from raw encodings. It tracks constants
// materialized by MOVZ/MOVN/MOVK/ADRP/ADD and register moves, which is
// enough to resolve CBZ/TBZ on known registers and BR to known targets.
type ARM64 struct{}

const regZR = 31

type armRegs struct {
	val   [31]uint64
	known [31]bool
}

func (r *armRegs) get(n uint32) (uint64, bool) {
	if n == regZR {
		return 0, true
	}
	return r.val[n], r.known[n]
}

func (r *armRegs) set(n uint32, v uint64, sf bool) {
	if n == regZR {
		return
	}
	if !sf {
		v &= 0xFFFFFFFF
	}
	r.val[n], r.known[n] = v, true
}

func (r *armRegs) kill(n uint32) {
	if n < regZR {
		r.known[n] = false
	}
}

func (ARM64) Evaluate(insts []*disasm.Inst) Result {
	var res Result
	var regs armRegs
	var sp stackTracker
	for i, inst := range insts {
		succs, call, ret := armStep(inst, &regs, &sp, &res.Ghosts)
		if i == len(insts)-1 {
			res.Successors = succs
			res.IsFunctionCall = call
			res.IsFunctionReturn = ret
		}
	}
	res.StackDelta = sp.expr()
	sort.Slice(res.Ghosts, func(i, j int) bool { return res.Ghosts[i] < res.Ghosts[j] })
	return res
}

// armStep applies one instruction to the register state and returns its
// successors.
func armStep(inst *disasm.Inst, regs *armRegs, sp *stackTracker, ghosts *[]uint64) ([]Successor, bool, bool) {
	raw := inst.Word()
	pc := inst.Addr
	next := inst.End()
	fall := []Successor{{Const(next), EdgeNormal}}

	// Two-way branches that may be resolved by a known register.
	resolve := func(target uint64, taken, known bool) []Successor {
		if !known {
			return []Successor{{Const(target), EdgeNormal}, {Const(next), EdgeNormal}}
		}
		if taken {
			*ghosts = addGhost(*ghosts, next)
			return []Successor{{Const(target), EdgeNormal}}
		}
		*ghosts = addGhost(*ghosts, target)
		return fall
	}

	switch br := disasm.DecodeBranch(raw, pc); br.Kind {
	case disasm.BranchReturn:
		return []Successor{{Unknown("x30"), EdgeFunctionReturn}}, false, true
	case disasm.BranchJump:
		return []Successor{{Const(br.Target), EdgeNormal}}, false, false
	case disasm.BranchCond:
		switch {
		case raw&0xFF000010 == 0x54000000:
			// B.AL and B.NV are unconditional.
			if c := raw & 0xF; c == 0xE || c == 0xF {
				return []Successor{{Const(br.Target), EdgeNormal}}, false, false
			}
			return resolve(br.Target, false, false), false, false
		case raw&0x7E000000 == 0x34000000: // CBZ/CBNZ
			v, ok := regs.get(raw & 0x1F)
			if raw>>31 == 0 {
				v &= 0xFFFFFFFF
			}
			zero := v == 0
			if raw&0x01000000 != 0 {
				zero = !zero
			}
			return resolve(br.Target, zero, ok), false, false
		default: // TBZ/TBNZ
			v, ok := regs.get(raw & 0x1F)
			bit := (raw>>31)<<5 | (raw>>19)&0x1F
			clear := v&(1<<bit) == 0
			if raw&0x01000000 != 0 {
				clear = !clear
			}
			return resolve(br.Target, clear, ok), false, false
		}
	case disasm.BranchCall:
		armKillCallerSaved(regs)
		return []Successor{
			{Const(br.Target), EdgeFunctionCall},
			{Const(next), EdgeCallReturn},
		}, true, false
	case disasm.BranchCallReg:
		target := armRegTarget(regs, br.Reg)
		armKillCallerSaved(regs)
		return []Successor{{target, EdgeFunctionCall}, {Const(next), EdgeCallReturn}}, true, false
	case disasm.BranchJumpReg:
		return []Successor{{armRegTarget(regs, br.Reg), EdgeNormal}}, false, false
	}

	switch {
	case raw&0xFFE0001F == 0xD4200000, // BRK
		raw&0xFFE0001F == 0xD4400000, // HLT
		raw&0xFFFF0000 == 0:          // UDF
		return nil, false, false
	}

	armUpdate(raw, pc, regs, sp)
	return fall, false, false
}

func armRegTarget(regs *armRegs, n uint32) Expr {
	if v, ok := regs.get(n); ok && n != regZR {
		return Const(v)
	}
	return Unknown(fmt.Sprintf("x%d", n))
}

func armKillCallerSaved(regs *armRegs) {
	for n := uint32(0); n <= 18; n++ {
		regs.kill(n)
	}
	regs.kill(30)
}

func armUpdate(raw uint32, pc uint64, regs *armRegs, sp *stackTracker) {
	rd := raw & 0x1F
	rn := (raw >> 5) & 0x1F
	sf := raw>>31 == 1

	if armWriteback(raw) {
		regs.kill(rn)
	}

	switch {
	case raw&0xFFE0001C == 0xD4000000 && raw&3 != 0: // SVC, HVC, SMC
		for n := uint32(0); n <= 18; n++ {
			regs.kill(n)
		}
	case raw&0xFFF00000 == 0xD5300000: // MRS
		regs.kill(rd)
	case raw&0x7F800000 == 0x52800000: // MOVZ
		imm := uint64((raw>>5)&0xFFFF) << (16 * ((raw >> 21) & 3))
		regs.set(rd, imm, sf)
	case raw&0x7F800000 == 0x12800000: // MOVN
		imm := uint64((raw>>5)&0xFFFF) << (16 * ((raw >> 21) & 3))
		regs.set(rd, ^imm, sf)
	case raw&0x7F800000 == 0x72800000: // MOVK
		shift := 16 * ((raw >> 21) & 3)
		if v, ok := regs.get(rd); ok {
			v = v&^(0xFFFF<<shift) | uint64((raw>>5)&0xFFFF)<<shift
			regs.set(rd, v, sf)
		} else {
			regs.kill(rd)
		}
	case raw&0x7FE0FFE0 == 0x2A0003E0: // MOV Rd, Rm (ORR Rd, ZR, Rm)
		if v, ok := regs.get((raw >> 16) & 0x1F); ok {
			regs.set(rd, v, sf)
		} else {
			regs.kill(rd)
		}
	case raw&0x9F000000 == 0x90000000: // ADRP
		immlo := (raw >> 29) & 3
		immhi := (raw >> 5) & 0x7FFFF
		off := int64(signExtend21(immhi<<2|immlo)) << 12
		regs.set(rd, uint64(int64(pc&^0xFFF)+off), true)
	case raw&0x1F800000 == 0x11000000: // ADD/ADDS/SUB/SUBS imm
		imm := uint64((raw >> 10) & 0xFFF)
		if (raw>>22)&1 == 1 {
			imm <<= 12
		}
		sub := raw&0x40000000 != 0
		if raw&0x20000000 != 0 { // ADDS/SUBS: rd may be ZR, no SP
			if v, ok := regs.get(rn); ok && rn != regZR {
				regs.set(rd, armAddSub(v, imm, sub), sf)
			} else {
				regs.kill(rd)
			}
			return
		}
		if rd == regZR {
			if rn == regZR && sf {
				if sub {
					sp.add(-int64(imm))
				} else {
					sp.add(int64(imm))
				}
			} else {
				sp.lose()
			}
			return
		}
		if v, ok := regs.get(rn); ok && rn != regZR {
			regs.set(rd, armAddSub(v, imm, sub), sf)
		} else {
			regs.kill(rd)
		}
	case raw&0xFFC00000 == 0xA9800000, raw&0xFFC00000 == 0xA8800000,
		raw&0xFFC00000 == 0xA9C00000, raw&0xFFC00000 == 0xA8C00000: // STP/LDP pre/post
		if raw&0x00400000 != 0 { // loads
			regs.kill(rd)
			regs.kill((raw >> 10) & 0x1F)
		}
		if rn == regZR {
			sp.add(int64(signExtend7((raw>>15)&0x7F)) * 8)
		}
	case raw&0xFFE00C00 == 0xF8000C00, raw&0xFFE00C00 == 0xF8000400,
		raw&0xFFE00C00 == 0xF8400C00, raw&0xFFE00C00 == 0xF8400400: // STR/LDR pre/post
		if raw&0x00400000 != 0 {
			regs.kill(rd)
		}
		if rn == regZR {
			sp.add(int64(signExtend9((raw >> 12) & 0x1FF)))
		}
	case raw&0x3A000000 == 0x28000000: // other load/store pair
		if raw&0x00400000 != 0 {
			regs.kill(rd)
			regs.kill((raw >> 10) & 0x1F)
		}
	case raw&0xFFFFF01F == 0xD503201F: // NOP and hints
	default:
		regs.kill(rd)
	}
}

// armWriteback reports whether raw is a pre- or post-indexed load or store,
// which updates its base register.
func armWriteback(raw uint32) bool {
	return raw&0x3B200400 == 0x38000400 || raw&0x3A800000 == 0x28800000
}

func armAddSub(v, imm uint64, sub bool) uint64 {
	if sub {
		return v - imm
	}
	return v + imm
}

func signExtend7(v uint32) int32  { return int32(v<<25) >> 25 }
func signExtend9(v uint32) int32  { return int32(v<<23) >> 23 }
func signExtend21(v uint32) int32 { return int32(v<<11) >> 11 }
