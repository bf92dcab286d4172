// Package partitiontest partitions a small fixed x86-64 image for tests of
// packages that consume partition results.
//
// The image has two segments:
//
//	0x1000 call 0x1010           main
//	0x1005 ret
//	0x1006 int3 x10              padding
//	0x1010 push rbp              leaf
//	0x1011 mov rbp, rsp
//	0x1014 test eax, eax
//	0x1016 je 0x1019
//	0x1018 nop
//	0x1019 pop rbp
//	0x101a ret
//
//	0x2000 xor eax, eax          opaque
//	0x2002 test eax, eax
//	0x2004 je 0x2007
//	0x2006 nop                   dead code
//	0x2007 ret
package partitiontest

import (
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"

	"binpart/internal/disasm"
	"binpart/internal/memmap"
	"binpart/internal/modules"
	"binpart/internal/partition"
	"binpart/internal/semantics"
)

const (
	MainAddr   = 0x1000
	LeafAddr   = 0x1010
	OpaqueAddr = 0x2000
	DeadAddr   = 0x2006
)

var (
	text = []byte{
		0xe8, 0x0b, 0x00, 0x00, 0x00, // call 0x1010
		0xc3,
		0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc,
		0x55,
		0x48, 0x89, 0xe5,
		0x85, 0xc0,
		0x74, 0x01,
		0x90,
		0x5d,
		0xc3,
	}
	opaque = []byte{0x31, 0xc0, 0x85, 0xc0, 0x74, 0x01, 0x90, 0xc3}
)

// Segments returns fresh copies of the image segments.
func Segments() []memmap.Segment {
	return []memmap.Segment{
		{Name: ".text", Addr: MainAddr, Data: append([]byte(nil), text...), Perm: memmap.PermRead | memmap.PermExec},
		{Name: ".text.opaque", Addr: OpaqueAddr, Data: append([]byte(nil), opaque...), Perm: memmap.PermRead | memmap.PermExec},
	}
}

func Seeds() []partition.Seed {
	return []partition.Seed{
		{Addr: MainAddr, Name: "main", Reason: partition.ReasonEntryPoint},
		{Addr: OpaqueAddr, Name: "opaque", Reason: partition.ReasonSymbol},
	}
}

// QuietLogger discards everything below error level.
func QuietLogger() log.Interface {
	return &log.Logger{Handler: discard.Default, Level: log.ErrorLevel}
}

// Options returns the default engine options with a quiet logger.
func Options() partition.Options {
	o := partition.DefaultOptions()
	o.Logger = QuietLogger()
	return o
}

// Run partitions the image with the default x86-64 modules.
func Run(tb testing.TB) *partition.Result {
	tb.Helper()
	mem, err := memmap.New(Segments()...)
	if err != nil {
		tb.Fatal(err)
	}
	res, err := partition.Partition(mem, disasm.AMD64{}, semantics.AMD64{}, Seeds(), modules.Default(disasm.ArchAMD64), Options())
	if err != nil {
		tb.Fatal(err)
	}
	return res
}
