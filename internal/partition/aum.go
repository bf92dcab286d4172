package partition

import (
	"github.com/google/btree"

	"binpart/internal/disasm"
)

const btreeDegree = 32

// insnExtent is the byte range of one instruction and the block it belongs to.
type insnExtent struct {
	addr  uint64
	end   uint64
	block uint64
}

// addressUsage indexes which instructions and data blocks occupy which bytes.
// Instruction extents may overlap each other; data extents never overlap.
type addressUsage struct {
	insns   *btree.BTreeG[insnExtent]
	data    *btree.BTreeG[*DataBlock]
	maxInsn uint64
}

func newAddressUsage() *addressUsage {
	return &addressUsage{
		insns: btree.NewG(btreeDegree, func(a, b insnExtent) bool { return a.addr < b.addr }),
		data:  btree.NewG(btreeDegree, func(a, b *DataBlock) bool { return a.addr < b.addr }),
	}
}

func (u *addressUsage) insertInsn(inst *disasm.Inst, block uint64) {
	u.insns.ReplaceOrInsert(insnExtent{addr: inst.Addr, end: inst.End(), block: block})
	if n := uint64(inst.Size); n > u.maxInsn {
		u.maxInsn = n
	}
}

func (u *addressUsage) eraseInsn(addr uint64) {
	u.insns.Delete(insnExtent{addr: addr})
}

// insnAt returns the instruction starting exactly at addr.
func (u *addressUsage) insnAt(addr uint64) (insnExtent, bool) {
	return u.insns.Get(insnExtent{addr: addr})
}

// insnsCovering returns every instruction whose bytes include addr.
func (u *addressUsage) insnsCovering(addr uint64) []insnExtent {
	var out []insnExtent
	u.insns.DescendLessOrEqual(insnExtent{addr: addr}, func(e insnExtent) bool {
		if e.addr+u.maxInsn <= addr {
			return false
		}
		if e.end > addr {
			out = append(out, e)
		}
		return true
	})
	return out
}

// insnEndingAt returns an instruction whose last byte is addr-1.
func (u *addressUsage) insnEndingAt(addr uint64) (insnExtent, bool) {
	if addr == 0 {
		return insnExtent{}, false
	}
	for _, e := range u.insnsCovering(addr - 1) {
		if e.end == addr {
			return e, true
		}
	}
	return insnExtent{}, false
}

func (u *addressUsage) insnOverlapping(lo, hi uint64) bool {
	if len(u.insnsCovering(lo)) > 0 {
		return true
	}
	found := false
	u.insns.AscendRange(insnExtent{addr: lo}, insnExtent{addr: hi}, func(insnExtent) bool {
		found = true
		return false
	})
	return found
}

func (u *addressUsage) insertData(db *DataBlock) error {
	if u.dataOverlapping(db.addr, db.End()) != nil {
		return db.err(ErrOverlap)
	}
	u.data.ReplaceOrInsert(db)
	return nil
}

func (u *addressUsage) eraseData(db *DataBlock) {
	if cur, ok := u.data.Get(db); ok && cur == db {
		u.data.Delete(db)
	}
}

// dataContaining returns the data block covering addr, or nil.
func (u *addressUsage) dataContaining(addr uint64) *DataBlock {
	var found *DataBlock
	u.data.DescendLessOrEqual(&DataBlock{addr: addr}, func(d *DataBlock) bool {
		if d.Contains(addr) {
			found = d
		}
		return false
	})
	return found
}

// dataOverlapping returns a data block intersecting [lo,hi), or nil.
func (u *addressUsage) dataOverlapping(lo, hi uint64) *DataBlock {
	if d := u.dataContaining(lo); d != nil {
		return d
	}
	var found *DataBlock
	u.data.AscendRange(&DataBlock{addr: lo}, &DataBlock{addr: hi}, func(d *DataBlock) bool {
		found = d
		return false
	})
	return found
}

// coverEnd returns the first address past everything covering addr, or addr
// itself when addr is unused.
func (u *addressUsage) coverEnd(addr uint64) uint64 {
	end := addr
	for _, e := range u.insnsCovering(addr) {
		if e.end > end {
			end = e.end
		}
	}
	if d := u.dataContaining(addr); d != nil && d.End() > end {
		end = d.End()
	}
	return end
}

func (u *addressUsage) isUsed(addr uint64) bool { return u.coverEnd(addr) > addr }

// extent is a used range attributed to a block or data block.
type extent struct {
	lo, hi uint64
	block  uint64 // valid when data is nil
	data   *DataBlock
}

// extents returns all used ranges in ascending start order.
func (u *addressUsage) extents() []extent {
	out := make([]extent, 0, u.insns.Len()+u.data.Len())
	var ds []*DataBlock
	u.data.Ascend(func(d *DataBlock) bool {
		ds = append(ds, d)
		return true
	})
	u.insns.Ascend(func(e insnExtent) bool {
		for len(ds) > 0 && ds[0].addr <= e.addr {
			out = append(out, extent{lo: ds[0].addr, hi: ds[0].End(), data: ds[0]})
			ds = ds[1:]
		}
		out = append(out, extent{lo: e.addr, hi: e.end, block: e.block})
		return true
	})
	for _, d := range ds {
		out = append(out, extent{lo: d.addr, hi: d.End(), data: d})
	}
	return out
}
