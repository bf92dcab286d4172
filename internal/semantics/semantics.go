// Package semantics evaluates the control-flow effect of instruction
// sequences: successors, constant-condition ghosts, call/return status and
// stack pointer deltas.
package semantics

import (
	"fmt"

	"binpart/internal/disasm"
)

// EdgeType classifies a control-flow edge.
type EdgeType int

const (
	EdgeNormal EdgeType = iota
	EdgeFunctionCall
	EdgeFunctionReturn
	EdgeCallReturn // fall-through after a call
)

func (t EdgeType) String() string {
	switch t {
	case EdgeNormal:
		return "normal"
	case EdgeFunctionCall:
		return "call"
	case EdgeFunctionReturn:
		return "return"
	case EdgeCallReturn:
		return "call-return"
	}
	return fmt.Sprintf("edge(%d)", int(t))
}

// IsCallEdge reports whether edges of this type cross a function boundary.
func (t EdgeType) IsCallEdge() bool {
	return t == EdgeFunctionCall || t == EdgeFunctionReturn
}

// Expr is a symbolic address or value: either a known constant or an
// unknown quantity with a descriptive text.
type Expr struct {
	value uint64
	known bool
	text  string
}

func Const(v uint64) Expr { return Expr{value: v, known: true} }

func Unknown(text string) Expr { return Expr{text: text} }

func (e Expr) IsConcrete() bool { return e.known }

// Value returns the constant and whether the expression is concrete.
func (e Expr) Value() (uint64, bool) { return e.value, e.known }

// Signed returns the constant as a two's-complement integer.
func (e Expr) Signed() (int64, bool) { return int64(e.value), e.known }

// Equal is structural equality.
func (e Expr) Equal(o Expr) bool {
	if e.known != o.known {
		return false
	}
	if e.known {
		return e.value == o.value
	}
	return e.text == o.text
}

func (e Expr) String() string {
	if e.known {
		return fmt.Sprintf("0x%x", e.value)
	}
	if e.text == "" {
		return "?"
	}
	return e.text
}

// Successor is a possible control-flow target.
type Successor struct {
	Expr Expr
	Type EdgeType
}

func (s Successor) String() string { return s.Type.String() + ":" + s.Expr.String() }

// Result is the evaluated effect of an instruction sequence.
type Result struct {
	Successors       []Successor
	Ghosts           []uint64 // targets of branches provably not taken
	IsFunctionCall   bool
	IsFunctionReturn bool
	StackDelta       Expr // net stack pointer change
}

// FallsThroughTo reports whether execution can only continue at addr via an
// ordinary fall-through, i.e. a block ending here may keep growing.
func (r Result) FallsThroughTo(addr uint64) bool {
	if r.IsFunctionCall || r.IsFunctionReturn || len(r.Successors) != 1 {
		return false
	}
	s := r.Successors[0]
	v, ok := s.Expr.Value()
	return ok && s.Type == EdgeNormal && v == addr
}

// Evaluator computes the Result of executing insts in order.
type Evaluator interface {
	Evaluate(insts []*disasm.Inst) Result
}

// ForArch returns the evaluator matching arch.
func ForArch(arch disasm.Arch) (Evaluator, error) {
	switch arch {
	case disasm.ArchARM64:
		return ARM64{}, nil
	case disasm.ArchAMD64:
		return AMD64{}, nil
	}
	return nil, fmt.Errorf("%w: %q", disasm.ErrUnknownArch, arch)
}

// stackTracker accumulates a stack delta until it becomes unknown.
type stackTracker struct {
	delta int64
	lost  bool
}

func (s *stackTracker) add(d int64) { s.delta += d }
func (s *stackTracker) lose()       { s.lost = true }

func (s *stackTracker) expr() Expr {
	if s.lost {
		return Unknown("sp")
	}
	return Const(uint64(s.delta))
}

func addGhost(ghosts []uint64, addr uint64) []uint64 {
	for _, g := range ghosts {
		if g == addr {
			return ghosts
		}
	}
	return append(ghosts, addr)
}
