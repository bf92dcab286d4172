package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrBadEHFrame = errors.New("elfx: malformed .eh_frame")

// DW_EH_PE pointer encodings.
const (
	ehPtrAbs     = 0x00
	ehPtrULEB128 = 0x01
	ehPtrUData2  = 0x02
	ehPtrUData4  = 0x03
	ehPtrUData8  = 0x04
	ehPtrSLEB128 = 0x09
	ehPtrSData2  = 0x0A
	ehPtrSData4  = 0x0B
	ehPtrSData8  = 0x0C

	ehPtrPCRel = 0x10
	ehPtrOmit  = 0xFF
)

// EHFrameStarts returns the initial location of every FDE in .eh_frame,
// sorted and deduplicated. A file without the section yields none. On a
// malformed record the starts read so far are returned with ErrBadEHFrame.
func (f *File) EHFrameStarts() ([]uint64, error) {
	if f.eh == nil {
		starts, err := f.parseEHFrame()
		f.eh = &ehResult{starts: starts, err: err}
	}
	return f.eh.starts, f.eh.err
}

type ehResult struct {
	starts []uint64
	err    error
}

func (f *File) parseEHFrame() ([]uint64, error) {
	sec := f.ELF.Section(".eh_frame")
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEHFrame, err)
	}
	p := &ehParser{data: data, addr: sec.Addr, order: f.ELF.ByteOrder, cies: make(map[int]byte)}
	starts, err := p.fdes()

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	out := starts[:0]
	for i, s := range starts {
		if i == 0 || s != starts[i-1] {
			out = append(out, s)
		}
	}
	return out, err
}

type ehParser struct {
	data  []byte
	addr  uint64
	order binary.ByteOrder
	cies  map[int]byte // CIE offset -> FDE pointer encoding
}

// record reads the length at pos and returns a reader positioned after it,
// limited to the record.
func (p *ehParser) record(pos int) (*ehReader, int, error) {
	r := &ehReader{b: p.data, pos: pos, order: p.order}
	length := uint64(r.u32())
	if length == 0xFFFFFFFF {
		length = r.u64()
	}
	if r.bad || length > uint64(len(p.data)-r.pos) {
		return nil, 0, fmt.Errorf("%w: record at 0x%x", ErrBadEHFrame, p.addr+uint64(pos))
	}
	end := r.pos + int(length)
	r.b = p.data[:end]
	return r, end, nil
}

func (p *ehParser) fdes() ([]uint64, error) {
	var out []uint64
	for pos := 0; pos+4 <= len(p.data); {
		if p.order.Uint32(p.data[pos:]) == 0 {
			break
		}
		r, end, err := p.record(pos)
		if err != nil {
			return out, err
		}
		idPos := r.pos
		if id := r.u32(); id != 0 {
			enc, err := p.cie(idPos - int(id))
			if err != nil {
				return out, err
			}
			if pc, ok := r.pointer(enc, p.addr+uint64(r.pos)); ok && pc != 0 {
				out = append(out, pc)
			}
		}
		pos = end
	}
	return out, nil
}

// cie returns the FDE pointer encoding declared by the CIE at pos.
func (p *ehParser) cie(pos int) (byte, error) {
	if enc, ok := p.cies[pos]; ok {
		return enc, nil
	}
	bad := fmt.Errorf("%w: CIE at 0x%x", ErrBadEHFrame, p.addr+uint64(max(pos, 0)))
	if pos < 0 || pos >= len(p.data) {
		return 0, bad
	}
	r, _, err := p.record(pos)
	if err != nil {
		return 0, err
	}
	if r.u32() != 0 {
		return 0, bad
	}
	version := r.u8()
	aug := r.cstring()
	if strings.Contains(aug, "eh") {
		r.u64()
	}
	r.uleb() // code alignment
	r.sleb() // data alignment
	if version == 1 {
		r.u8()
	} else {
		r.uleb()
	}

	enc := byte(ehPtrAbs)
	if strings.HasPrefix(aug, "z") {
		r.uleb()
	augmentation:
		for _, c := range aug[1:] {
			switch c {
			case 'R':
				enc = r.u8()
			case 'P':
				penc := r.u8()
				r.pointer(penc, p.addr+uint64(r.pos))
			case 'L':
				r.u8()
			case 'S', 'B', 'G':
			default:
				break augmentation
			}
		}
	}
	if r.bad {
		return 0, bad
	}
	p.cies[pos] = enc
	return enc, nil
}

// ehReader reads little fields from a bounded buffer. Reading past the end
// sets bad and yields zeros.
type ehReader struct {
	b     []byte
	pos   int
	order binary.ByteOrder
	bad   bool
}

func (r *ehReader) take(n int) []byte {
	if r.bad || len(r.b)-r.pos < n {
		r.bad = true
		return make([]byte, n)
	}
	s := r.b[r.pos : r.pos+n]
	r.pos += n
	return s
}

func (r *ehReader) u8() byte    { return r.take(1)[0] }
func (r *ehReader) u16() uint16 { return r.order.Uint16(r.take(2)) }
func (r *ehReader) u32() uint32 { return r.order.Uint32(r.take(4)) }
func (r *ehReader) u64() uint64 { return r.order.Uint64(r.take(8)) }

func (r *ehReader) uleb() uint64 {
	var v uint64
	for shift := uint(0); ; shift += 7 {
		b := r.u8()
		if r.bad {
			return 0
		}
		if shift < 64 {
			v |= uint64(b&0x7F) << shift
		}
		if b&0x80 == 0 {
			return v
		}
	}
}

func (r *ehReader) sleb() int64 {
	var v int64
	var shift uint
	for {
		b := r.u8()
		if r.bad {
			return 0
		}
		if shift < 64 {
			v |= int64(b&0x7F) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				v |= -1 << shift
			}
			return v
		}
	}
}

func (r *ehReader) cstring() string {
	if r.bad {
		return ""
	}
	i := bytes.IndexByte(r.b[r.pos:], 0)
	if i < 0 {
		r.bad = true
		return ""
	}
	s := string(r.b[r.pos : r.pos+i])
	r.pos += i + 1
	return s
}

// pointer decodes a DW_EH_PE encoded pointer whose field starts at section
// address at. ok is false for encodings that cannot be resolved statically;
// the field is still consumed when its size is known.
func (r *ehReader) pointer(enc byte, at uint64) (uint64, bool) {
	if enc == ehPtrOmit {
		return 0, false
	}
	var v uint64
	switch enc & 0x0F {
	case ehPtrAbs, ehPtrUData8, ehPtrSData8:
		v = r.u64()
	case ehPtrULEB128:
		v = r.uleb()
	case ehPtrUData2:
		v = uint64(r.u16())
	case ehPtrUData4:
		v = uint64(r.u32())
	case ehPtrSLEB128:
		v = uint64(r.sleb())
	case ehPtrSData2:
		v = uint64(int64(int16(r.u16())))
	case ehPtrSData4:
		v = uint64(int64(int32(r.u32())))
	default:
		r.bad = true
		return 0, false
	}
	if r.bad || enc&0x80 != 0 {
		return 0, false
	}
	switch enc & 0x70 {
	case 0:
		return v, true
	case ehPtrPCRel:
		return at + v, true
	}
	return 0, false
}
