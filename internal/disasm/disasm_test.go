package disasm

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func armWords(words ...uint32) []byte {
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	return data
}

func TestDisassembleNOP(t *testing.T) {
	mem := Bytes{Base: 0x1000, Data: armWords(0xd503201f, 0xd503201f)}

	insts := Disassemble(mem, ARM64{}, 0x1000, 0x1008, Options{})
	if len(insts) != 2 {
		t.Fatalf("got %d instructions, want 2", len(insts))
	}
	if insts[0].Addr != 0x1000 {
		t.Errorf("addr[0] = 0x%x, want 0x1000", insts[0].Addr)
	}
	if insts[1].Addr != 0x1004 {
		t.Errorf("addr[1] = 0x%x, want 0x1004", insts[1].Addr)
	}
	if !strings.Contains(strings.ToLower(insts[0].Text), "nop") {
		t.Errorf("expected NOP, got: %s", insts[0].Text)
	}
}

func TestDisassembleMaxSteps(t *testing.T) {
	words := make([]uint32, 100)
	for i := range words {
		words[i] = 0xd503201f
	}
	mem := Bytes{Data: armWords(words...)}

	insts := Disassemble(mem, ARM64{}, 0, 400, Options{MaxSteps: 10})
	if len(insts) != 10 {
		t.Fatalf("got %d instructions, want 10", len(insts))
	}
}

func TestDisassembleEmpty(t *testing.T) {
	insts := Disassemble(Bytes{}, ARM64{}, 0, 0x10, Options{})
	if len(insts) != 0 {
		t.Fatalf("got %d instructions for empty memory", len(insts))
	}
}

func TestDisassembleShort(t *testing.T) {
	insts := Disassemble(Bytes{Data: []byte{0x01, 0x02}}, ARM64{}, 0, 2, Options{})
	if len(insts) != 0 {
		t.Fatalf("got %d instructions for 2 bytes", len(insts))
	}
}

func TestDisassembleAMD64(t *testing.T) {
	// push rbp; mov rbp, rsp; (bad) 0x06; ret
	mem := Bytes{Base: 0x401000, Data: []byte{0x55, 0x48, 0x89, 0xe5, 0x06, 0xc3}}
	insts := Disassemble(mem, AMD64{}, 0x401000, 0x401006, Options{})
	if len(insts) != 4 {
		t.Fatalf("got %d instructions, want 4", len(insts))
	}
	wantMn := []string{"push", "mov", ".byte", "ret"}
	for i, w := range wantMn {
		if insts[i].Mnemonic != w {
			t.Errorf("mnemonic[%d] = %q, want %q", i, insts[i].Mnemonic, w)
		}
	}
	if insts[1].Size != 3 || insts[1].Addr != 0x401001 {
		t.Errorf("mov = %d bytes at 0x%x", insts[1].Size, insts[1].Addr)
	}
}

func TestDecodeOneErrors(t *testing.T) {
	arm := Bytes{Base: 0x1000, Data: armWords(0xd503201f)}
	// call rel32 cut after two bytes
	x86 := Bytes{Base: 0x1000, Data: []byte{0xe8, 0x00}}
	tests := []struct {
		name string
		dec  Decoder
		mem  Memory
		addr uint64
		want error
	}{
		{"unmapped", ARM64{}, arm, 0x2000, ErrNotMapped},
		{"misaligned", ARM64{}, arm, 0x1002, ErrMisaligned},
		{"x86-truncated", AMD64{}, x86, 0x1000, ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.dec.DecodeOne(tt.mem, tt.addr)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DecodeError", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if de.Addr != tt.addr {
				t.Errorf("addr = 0x%x, want 0x%x", de.Addr, tt.addr)
			}
		})
	}
}

func TestNewDecoder(t *testing.T) {
	for _, a := range []Arch{ArchARM64, ArchAMD64} {
		d, err := NewDecoder(a)
		if err != nil || d.Arch() != a {
			t.Errorf("NewDecoder(%s) = %v, %v", a, d, err)
		}
	}
	if _, err := NewDecoder("mips"); !errors.Is(err, ErrUnknownArch) {
		t.Errorf("err = %v, want ErrUnknownArch", err)
	}
}

func TestFormat(t *testing.T) {
	mem := Bytes{Base: 0x1000, Data: armWords(0xd503201f)}
	insts := Disassemble(mem, ARM64{}, 0x1000, 0x1004, Options{})

	syms := map[uint64]string{0x1000: "nop_func"}
	text := Format(insts, PlaceholderLookup(syms))
	if !strings.Contains(text, "0x00001000") {
		t.Errorf("missing address in output: %s", text)
	}
	if !strings.Contains(text, "nop_func:") {
		t.Errorf("missing symbol in output: %s", text)
	}
}

func TestFormatTargetAnnotation(t *testing.T) {
	// bl +8; nop; nop
	mem := Bytes{Base: 0x1000, Data: armWords(0x94000002, 0xd503201f, 0xd503201f)}
	insts := Disassemble(mem, ARM64{}, 0x1000, 0x100c, Options{})
	lookup := PlaceholderLookup(map[uint64]string{0x1008: "callee"})
	text := Format(insts, nil, TargetAnnotator(lookup))
	if !strings.Contains(text, "; <callee>") {
		t.Errorf("missing call annotation: %s", text)
	}
}

func TestFormatDeterministic(t *testing.T) {
	mem := Bytes{Base: 0x2000, Data: armWords(0xd503201f, 0xd503201f, 0xd503201f, 0xd503201f, 0xd503201f)}
	insts := Disassemble(mem, ARM64{}, 0x2000, 0x2014, Options{})
	out1 := Format(insts, nil)
	out2 := Format(insts, nil)
	if out1 != out2 {
		t.Error("non-deterministic output")
	}
}
