package partition

import "fmt"

// DataKind classifies the contents of a data block.
type DataKind int

const (
	DataLiteral DataKind = iota
	DataPadding
	DataJumpTable
	DataSurrounded
)

func (k DataKind) String() string {
	switch k {
	case DataLiteral:
		return "literal"
	case DataPadding:
		return "padding"
	case DataJumpTable:
		return "jump-table"
	case DataSurrounded:
		return "surrounded"
	}
	return fmt.Sprintf("data(%d)", int(k))
}

// DataBlock is a contiguous byte range that is not code. It is owned by at
// most one basic block or function at a time.
type DataBlock struct {
	addr uint64
	size uint64
	kind DataKind

	ownerBlock *BasicBlock
	ownerFunc  *Function
}

func NewDataBlock(addr, size uint64, kind DataKind) *DataBlock {
	return &DataBlock{addr: addr, size: size, kind: kind}
}

func (d *DataBlock) Address() uint64 { return d.addr }
func (d *DataBlock) Size() uint64    { return d.size }
func (d *DataBlock) End() uint64     { return d.addr + d.size }
func (d *DataBlock) Kind() DataKind  { return d.kind }

func (d *DataBlock) Contains(addr uint64) bool { return addr >= d.addr && addr < d.End() }

func (d *DataBlock) Overlaps(lo, hi uint64) bool { return d.addr < hi && lo < d.End() }

func (d *DataBlock) IsOwned() bool               { return d.ownerBlock != nil || d.ownerFunc != nil }
func (d *DataBlock) OwnerBlock() *BasicBlock     { return d.ownerBlock }
func (d *DataBlock) OwnerFunction() *Function    { return d.ownerFunc }
func (d *DataBlock) String() string              { return fmt.Sprintf("%s[0x%x,+0x%x)", d.kind, d.addr, d.size) }
func (d *DataBlock) err(e error) *DataBlockError { return &DataBlockError{Addr: d.addr, Size: d.size, Err: e} }

// insertSorted inserts db into a slice sorted by address.
func insertSorted(list []*DataBlock, db *DataBlock) []*DataBlock {
	i := 0
	for i < len(list) && list[i].addr <= db.addr {
		i++
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = db
	return list
}

func removeData(list []*DataBlock, db *DataBlock) ([]*DataBlock, bool) {
	for i, d := range list {
		if d == db {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}
