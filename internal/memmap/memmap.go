// Package memmap models the loaded memory image of an executable as a set of
// non-overlapping segments with access permissions.
package memmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrOverlap  = errors.New("memmap: segment overlaps existing segment")
	ErrEmpty    = errors.New("memmap: empty segment")
	ErrWrapping = errors.New("memmap: segment wraps address space")
)

// Perm is a bit set of segment access permissions.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Perm
		ch  byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Interval is a half-open address range [Lo, Hi).
type Interval struct {
	Lo, Hi uint64
}

func (iv Interval) Contains(addr uint64) bool { return addr >= iv.Lo && addr < iv.Hi }
func (iv Interval) Size() uint64              { return iv.Hi - iv.Lo }

// Segment is a contiguous mapped region. Data holds the initialized bytes.
// Size is the mapped length when it exceeds len(Data); the bytes past Data
// read as zero and are never allocated up front.
type Segment struct {
	Name string
	Addr uint64
	Data []byte
	Size uint64
	Perm Perm
}

// Len returns the mapped length of the segment.
func (s *Segment) Len() uint64 { return max(s.Size, uint64(len(s.Data))) }

// End returns the first address past the segment.
func (s *Segment) End() uint64 { return s.Addr + s.Len() }

func (s *Segment) Interval() Interval { return Interval{s.Addr, s.End()} }

// Map is an ordered collection of segments.
type Map struct {
	segs []*Segment // sorted by Addr
}

// New builds a map from segs, rejecting overlapping segments.
func New(segs ...Segment) (*Map, error) {
	m := &Map{}
	for _, s := range segs {
		if err := m.Insert(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Insert adds a segment.
func (m *Map) Insert(s Segment) error {
	if s.Len() == 0 {
		return fmt.Errorf("%w: %q at 0x%x", ErrEmpty, s.Name, s.Addr)
	}
	if s.Addr+s.Len() < s.Addr {
		return fmt.Errorf("%w: %q at 0x%x", ErrWrapping, s.Name, s.Addr)
	}
	seg := &s
	i := sort.Search(len(m.segs), func(i int) bool { return m.segs[i].Addr >= s.Addr })
	if i > 0 && m.segs[i-1].End() > s.Addr {
		return fmt.Errorf("%w: %q [0x%x,0x%x) and %q", ErrOverlap, s.Name, s.Addr, seg.End(), m.segs[i-1].Name)
	}
	if i < len(m.segs) && m.segs[i].Addr < seg.End() {
		return fmt.Errorf("%w: %q [0x%x,0x%x) and %q", ErrOverlap, s.Name, s.Addr, seg.End(), m.segs[i].Name)
	}
	m.segs = append(m.segs, nil)
	copy(m.segs[i+1:], m.segs[i:])
	m.segs[i] = seg
	return nil
}

// Segments returns the segments in address order.
func (m *Map) Segments() []*Segment {
	out := make([]*Segment, len(m.segs))
	copy(out, m.segs)
	return out
}

// Find returns the segment containing addr, or nil.
func (m *Map) Find(addr uint64) *Segment {
	i := sort.Search(len(m.segs), func(i int) bool { return m.segs[i].End() > addr })
	if i < len(m.segs) && m.segs[i].Addr <= addr {
		return m.segs[i]
	}
	return nil
}

// Read returns up to n bytes starting at addr, truncated at the end of the
// containing segment. It returns nil if addr is not mapped. A result within
// Data aliases the segment's storage and must not be modified.
func (m *Map) Read(addr uint64, n int) []byte {
	s := m.Find(addr)
	if s == nil || n <= 0 {
		return nil
	}
	off := addr - s.Addr
	end := min(off+uint64(n), s.Len())
	if end <= uint64(len(s.Data)) {
		return s.Data[off:end]
	}
	out := make([]byte, end-off)
	if off < uint64(len(s.Data)) {
		copy(out, s.Data[off:])
	}
	return out
}

func (m *Map) IsMapped(addr uint64) bool { return m.Find(addr) != nil }

func (m *Map) IsExecutable(addr uint64) bool {
	s := m.Find(addr)
	return s != nil && s.Perm&PermExec != 0
}

// ExecutableRanges returns the executable segments' intervals in address
// order, merging adjacent ones.
func (m *Map) ExecutableRanges() []Interval {
	var out []Interval
	for _, s := range m.segs {
		if s.Perm&PermExec == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Hi == s.Addr {
			out[n-1].Hi = s.End()
			continue
		}
		out = append(out, s.Interval())
	}
	return out
}
