package semantics

import (
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"binpart/internal/disasm"
)

// AMD64 evaluates x86-64 blocks decoded by x86asm. It tracks general
// purpose register constants and the zero flag, which resolves the common
// opaque predicates (xor eax, eax; test eax, eax; je ...).
type AMD64 struct{}

type x86State struct {
	val    map[x86asm.Reg]uint64
	zf     bool
	zfSet  bool
	sp     stackTracker
	ghosts []uint64
}

func (AMD64) Evaluate(insts []*disasm.Inst) Result {
	var res Result
	st := &x86State{val: make(map[x86asm.Reg]uint64)}
	for i, inst := range insts {
		succs, call, ret := st.step(inst)
		if i == len(insts)-1 {
			res.Successors = succs
			res.IsFunctionCall = call
			res.IsFunctionReturn = ret
		}
	}
	res.Ghosts = st.ghosts
	sort.Slice(res.Ghosts, func(i, j int) bool { return res.Ghosts[i] < res.Ghosts[j] })
	res.StackDelta = st.sp.expr()
	return res
}

// full64 maps any general purpose register to its 64-bit container and
// returns the accessed width in bits.
func full64(r x86asm.Reg) (x86asm.Reg, int, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return x86asm.RAX + (r - x86asm.AL), 8, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return x86asm.RAX + (r - x86asm.AH), 8, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return x86asm.RSP + (r - x86asm.SPB), 8, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return x86asm.RAX + (r - x86asm.AX), 16, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return x86asm.RAX + (r - x86asm.EAX), 32, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return r, 64, true
	}
	return 0, 0, false
}

func (s *x86State) get(r x86asm.Reg) (uint64, bool) {
	full, width, ok := full64(r)
	if !ok {
		return 0, false
	}
	v, ok := s.val[full]
	if !ok || width == 8 && r >= x86asm.AH && r <= x86asm.BH {
		return 0, false
	}
	return v & widthMask(width), true
}

// set writes v to r. Writes to 32-bit registers zero-extend; narrower
// writes leave the container unknown.
func (s *x86State) set(r x86asm.Reg, v uint64) {
	full, width, ok := full64(r)
	if !ok {
		return
	}
	switch width {
	case 64:
		s.val[full] = v
	case 32:
		s.val[full] = v & 0xFFFFFFFF
	default:
		delete(s.val, full)
	}
}

func (s *x86State) kill(a x86asm.Arg) {
	if r, ok := a.(x86asm.Reg); ok {
		if full, _, ok := full64(r); ok {
			delete(s.val, full)
			if full == x86asm.RSP {
				s.sp.lose()
			}
		}
	}
}

func (s *x86State) setZF(v bool) { s.zf, s.zfSet = v, true }

func widthMask(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(bits) - 1
}

func regWidth(r x86asm.Reg) int {
	_, w, _ := full64(r)
	return w
}

// operand returns the value of a register or immediate argument.
func (s *x86State) operand(a x86asm.Arg) (uint64, bool) {
	switch a := a.(type) {
	case x86asm.Reg:
		return s.get(a)
	case x86asm.Imm:
		return uint64(int64(a)), true
	}
	return 0, false
}

func isRSP(a x86asm.Arg) bool {
	r, ok := a.(x86asm.Reg)
	if !ok {
		return false
	}
	full, _, ok := full64(r)
	return ok && full == x86asm.RSP
}

func isCondJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

var x86CallerSaved = []x86asm.Reg{
	x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.RSI, x86asm.RDI,
	x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11,
}

func (s *x86State) step(inst *disasm.Inst) ([]Successor, bool, bool) {
	next := inst.End()
	fall := []Successor{{Const(next), EdgeNormal}}
	xi, ok := disasm.X86(inst)
	if !ok {
		return fall, false, false
	}

	target := func(a x86asm.Arg) Expr {
		switch a := a.(type) {
		case x86asm.Rel:
			return Const(next + uint64(int64(a)))
		case x86asm.Reg:
			if v, ok := s.get(a); ok {
				return Const(v)
			}
		}
		return Unknown(inst.Operands)
	}

	switch op := xi.Op; {
	case op == x86asm.JMP:
		return []Successor{{target(xi.Args[0]), EdgeNormal}}, false, false

	case isCondJump(op):
		dst, _ := target(xi.Args[0]).Value()
		taken, known := false, false
		switch op {
		case x86asm.JE:
			taken, known = s.zf, s.zfSet
		case x86asm.JNE:
			taken, known = !s.zf, s.zfSet
		case x86asm.JRCXZ, x86asm.JECXZ, x86asm.JCXZ:
			if v, ok := s.get(x86asm.RCX); ok {
				taken, known = v == 0, true
			}
		}
		if !known {
			return []Successor{{Const(dst), EdgeNormal}, {Const(next), EdgeNormal}}, false, false
		}
		if taken {
			s.ghosts = addGhost(s.ghosts, next)
			return []Successor{{Const(dst), EdgeNormal}}, false, false
		}
		s.ghosts = addGhost(s.ghosts, dst)
		return fall, false, false

	case op == x86asm.CALL:
		t := target(xi.Args[0])
		for _, r := range x86CallerSaved {
			delete(s.val, r)
		}
		s.zfSet = false
		s.sp.add(-8)
		return []Successor{{t, EdgeFunctionCall}, {Const(next), EdgeCallReturn}}, true, false

	case op == x86asm.RET, op == x86asm.LRET:
		s.sp.add(8)
		if imm, ok := xi.Args[0].(x86asm.Imm); ok {
			s.sp.add(int64(imm))
		}
		return []Successor{{Unknown("[rsp]"), EdgeFunctionReturn}}, false, true

	case op == x86asm.HLT, op == x86asm.UD1, op == x86asm.UD2:
		return nil, false, false

	case op == x86asm.INT:
		if imm, ok := xi.Args[0].(x86asm.Imm); ok && imm == 3 {
			return nil, false, false
		}
		return fall, false, false
	}

	s.update(xi, next)
	return fall, false, false
}

func (s *x86State) update(xi x86asm.Inst, next uint64) {
	dst, src := xi.Args[0], xi.Args[1]
	switch xi.Op {
	case x86asm.NOP, x86asm.PAUSE:
		return

	case x86asm.MOV:
		r, ok := dst.(x86asm.Reg)
		if !ok {
			return
		}
		if v, ok := s.operand(src); ok {
			s.set(r, v)
		} else {
			s.kill(r)
		}
		if isRSP(dst) {
			s.sp.lose()
		}
		return

	case x86asm.LEA:
		r, ok := dst.(x86asm.Reg)
		if !ok {
			return
		}
		m, _ := src.(x86asm.Mem)
		switch {
		case isRSP(r) && m.Index == 0 && m.Base != 0 && isRSP(m.Base):
			s.sp.add(m.Disp)
		case m.Base == x86asm.RIP && m.Index == 0:
			s.set(r, next+uint64(m.Disp))
		default:
			s.kill(r)
		}
		return

	case x86asm.PUSH:
		s.sp.add(-pushSize(xi))
		return

	case x86asm.POP:
		s.kill(dst)
		s.sp.add(pushSize(xi))
		return

	case x86asm.LEAVE:
		delete(s.val, x86asm.RBP)
		s.sp.lose()
		return

	case x86asm.TEST:
		a, aok := s.operand(dst)
		b, bok := s.operand(src)
		if aok && bok {
			s.setZF(a&b == 0)
		} else {
			s.zfSet = false
		}
		return

	case x86asm.CMP:
		if dst == src {
			s.setZF(true)
			return
		}
		a, aok := s.operand(dst)
		b, bok := s.operand(src)
		if r, ok := dst.(x86asm.Reg); ok && aok && bok {
			s.setZF(a&widthMask(regWidth(r)) == b&widthMask(regWidth(r)))
		} else {
			s.zfSet = false
		}
		return

	case x86asm.XOR, x86asm.SUB:
		if r, ok := dst.(x86asm.Reg); ok && dst == src {
			s.set(r, 0)
			s.setZF(true)
			return
		}
		if xi.Op == x86asm.SUB && isRSP(dst) {
			if imm, ok := src.(x86asm.Imm); ok {
				s.sp.add(-int64(imm))
				s.zfSet = false
				return
			}
		}

	case x86asm.ADD:
		if isRSP(dst) {
			if imm, ok := src.(x86asm.Imm); ok {
				s.sp.add(int64(imm))
				s.zfSet = false
				return
			}
		}
	}

	if r, ok := dst.(x86asm.Reg); ok {
		if op := xi.Op; op == x86asm.ADD || op == x86asm.SUB || op == x86asm.XOR ||
			op == x86asm.AND || op == x86asm.OR {
			a, aok := s.get(r)
			b, bok := s.operand(src)
			if aok && bok && !isRSP(r) {
				v := x86Arith(op, a, b) & widthMask(regWidth(r))
				s.set(r, v)
				s.setZF(v == 0)
				return
			}
		}
	}

	// Unmodelled: the written registers and flags become unknown.
	s.zfSet = false
	switch op := xi.Op; {
	case x86NoRegWrite[op]:
	case x86DestOnly[op], op == x86asm.IMUL && src != nil:
		s.kill(dst)
	case op == x86asm.XCHG:
		s.kill(dst)
		s.kill(src)
	case op == x86asm.PUSHF, op == x86asm.PUSHFQ:
		s.sp.add(-pushSize(xi))
	case op == x86asm.POPF, op == x86asm.POPFQ:
		s.sp.add(pushSize(xi))
	case op == x86asm.ENTER:
		delete(s.val, x86asm.RBP)
		s.sp.lose()
	default:
		regs, ok := x86Implicit[op]
		if !ok {
			clear(s.val)
			return
		}
		s.kill(dst)
		for _, r := range regs {
			delete(s.val, r)
		}
	}
}

// x86DestOnly holds the operations whose only register write is their first
// operand.
var x86DestOnly = opSet(
	x86asm.ADC, x86asm.SBB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.ADD, x86asm.SUB,
	x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT,
	x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR, x86asm.RCL, x86asm.RCR,
	x86asm.SHLD, x86asm.SHRD,
	x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD, x86asm.BSF, x86asm.BSR, x86asm.POPCNT,
	x86asm.LZCNT, x86asm.TZCNT, x86asm.BSWAP, x86asm.BTS, x86asm.BTR, x86asm.BTC,
	x86asm.SETA, x86asm.SETAE, x86asm.SETB, x86asm.SETBE, x86asm.SETE, x86asm.SETG,
	x86asm.SETGE, x86asm.SETL, x86asm.SETLE, x86asm.SETNE, x86asm.SETNO, x86asm.SETNP,
	x86asm.SETNS, x86asm.SETO, x86asm.SETP, x86asm.SETS,
	x86asm.CMOVA, x86asm.CMOVAE, x86asm.CMOVB, x86asm.CMOVBE, x86asm.CMOVE, x86asm.CMOVG,
	x86asm.CMOVGE, x86asm.CMOVL, x86asm.CMOVLE, x86asm.CMOVNE, x86asm.CMOVNO, x86asm.CMOVNP,
	x86asm.CMOVNS, x86asm.CMOVO, x86asm.CMOVP, x86asm.CMOVS,
	x86asm.MOVD, x86asm.MOVQ, x86asm.MOVAPS, x86asm.MOVUPS, x86asm.MOVDQA, x86asm.MOVDQU,
	x86asm.MOVSS, x86asm.MOVSD_XMM, x86asm.PXOR, x86asm.XORPS,
)

// x86NoRegWrite holds the operations that write flags or nothing.
var x86NoRegWrite = opSet(
	x86asm.BT, x86asm.CLC, x86asm.STC, x86asm.CMC, x86asm.CLD, x86asm.STD,
	x86asm.LFENCE, x86asm.MFENCE, x86asm.SFENCE,
)

// x86Implicit lists the registers an operation writes besides its first
// operand. Operations in none of the tables clear every known register.
var x86Implicit = map[x86asm.Op][]x86asm.Reg{
	x86asm.MUL:     {x86asm.RAX, x86asm.RDX},
	x86asm.IMUL:    {x86asm.RAX, x86asm.RDX},
	x86asm.DIV:     {x86asm.RAX, x86asm.RDX},
	x86asm.IDIV:    {x86asm.RAX, x86asm.RDX},
	x86asm.RDTSC:   {x86asm.RAX, x86asm.RDX},
	x86asm.CPUID:   {x86asm.RAX, x86asm.RBX, x86asm.RCX, x86asm.RDX},
	x86asm.SYSCALL: {x86asm.RAX, x86asm.RCX, x86asm.R11},
	x86asm.CWD:     {x86asm.RDX},
	x86asm.CDQ:     {x86asm.RDX},
	x86asm.CQO:     {x86asm.RDX},
	x86asm.CBW:     {x86asm.RAX},
	x86asm.CWDE:    {x86asm.RAX},
	x86asm.CDQE:    {x86asm.RAX},
}

func opSet(ops ...x86asm.Op) map[x86asm.Op]bool {
	m := make(map[x86asm.Op]bool, len(ops))
	for _, op := range ops {
		m[op] = true
	}
	return m
}

func x86Arith(op x86asm.Op, a, b uint64) uint64 {
	switch op {
	case x86asm.ADD:
		return a + b
	case x86asm.SUB:
		return a - b
	case x86asm.XOR:
		return a ^ b
	case x86asm.AND:
		return a & b
	}
	return a | b
}

func pushSize(xi x86asm.Inst) int64 {
	if xi.DataSize == 16 {
		return 2
	}
	return 8
}
