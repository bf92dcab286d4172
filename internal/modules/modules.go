// Package modules provides architecture-specific matchers for the
// partitioner: function prologues, inter-function padding, and basic-block
// callbacks such as jump-table resolution.
package modules

import (
	"errors"
	"fmt"
	"sort"

	"binpart/internal/disasm"
	"binpart/internal/partition"
)

var ErrUnknownModule = errors.New("modules: unknown module")

// Module is a named set of matchers for one architecture. Build returns
// fresh matcher instances, since prologue matchers carry per-match state.
type Module struct {
	Name  string
	Arch  disasm.Arch
	Build func() partition.Matchers
}

func prologue(match partition.PrologueFunc) func() partition.Matchers {
	return func() partition.Matchers {
		return partition.Matchers{Prologues: []partition.FunctionPrologueMatcher{partition.NewPrologueMatcher(match)}}
	}
}

func padding(match partition.PaddingFunc) func() partition.Matchers {
	return func() partition.Matchers {
		return partition.Matchers{Paddings: []partition.FunctionPaddingMatcher{match}}
	}
}

func callback(cb partition.CallbackFunc) func() partition.Matchers {
	return func() partition.Matchers {
		return partition.Matchers{Callbacks: []partition.BasicBlockCallback{cb}}
	}
}

// registry lists modules in the order they are installed by Default.
var registry = []Module{
	{"frame-pointer", disasm.ArchAMD64, prologue(amd64FramePointer)},
	{"endbr64", disasm.ArchAMD64, prologue(amd64Endbr)},
	{"push-rbp", disasm.ArchAMD64, prologue(amd64PushRBP)},
	{"stack-alloc", disasm.ArchAMD64, prologue(amd64StackAlloc)},
	{"padding", disasm.ArchAMD64, padding(amd64Padding)},
	{"jump-table", disasm.ArchAMD64, callback(amd64JumpTable)},

	{"frame-record", disasm.ArchARM64, prologue(arm64FrameRecord)},
	{"stack-alloc", disasm.ArchARM64, prologue(arm64StackAlloc)},
	{"padding", disasm.ArchARM64, padding(arm64Padding)},
}

// Names returns the module names available for arch, in install order.
func Names(arch disasm.Arch) []string {
	var out []string
	for _, m := range registry {
		if m.Arch == arch {
			out = append(out, m.Name)
		}
	}
	return out
}

// Default returns every module registered for arch.
func Default(arch disasm.Arch) partition.Matchers {
	var out partition.Matchers
	for _, m := range registry {
		if m.Arch == arch {
			out = out.Merge(m.Build())
		}
	}
	return out
}

// Select returns the named modules for arch in registry order. Duplicate
// names are installed once.
func Select(arch disasm.Arch, names []string) (partition.Matchers, error) {
	idx := make(map[string]int)
	for i, m := range registry {
		if m.Arch == arch {
			idx[m.Name] = i
		}
	}
	var picked []int
	seen := make(map[int]bool)
	for _, n := range names {
		i, ok := idx[n]
		if !ok {
			return partition.Matchers{}, fmt.Errorf("%w: %s for %s", ErrUnknownModule, n, arch)
		}
		if !seen[i] {
			seen[i] = true
			picked = append(picked, i)
		}
	}
	sort.Ints(picked)
	var out partition.Matchers
	for _, i := range picked {
		out = out.Merge(registry[i].Build())
	}
	return out, nil
}

// endsWithoutFallthrough reports whether a discovered block ends at addr
// and control never continues past it.
func endsWithoutFallthrough(c *partition.CFG, addr uint64) bool {
	bb := c.BlockEndingAt(addr)
	if bb == nil {
		return false
	}
	for _, s := range bb.Successors() {
		if to, ok := s.Expr.Value(); ok && to == addr {
			return false
		}
	}
	return true
}

// segmentStart reports whether addr begins an executable region.
func segmentStart(c *partition.CFG, addr uint64) bool {
	return addr == 0 || !c.Memory().IsExecutable(addr-1)
}
