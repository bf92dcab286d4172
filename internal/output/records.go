package output

import (
	"sort"

	"binpart/internal/diag"
	"binpart/internal/disasm"
	"binpart/internal/partition"
)

// SnapshotVersion is bumped whenever the record layout changes.
const SnapshotVersion = 1

// EdgeRecord is one control-flow edge. To is set when the target is
// concrete; Target always carries the textual target.
type EdgeRecord struct {
	From   uint64 `json:"from" msgpack:"from"`
	To     uint64 `json:"to,omitempty" msgpack:"to,omitempty"`
	Target string `json:"target" msgpack:"target"`
	Type   string `json:"type" msgpack:"type"`
}

// BlockRecord is one basic block.
type BlockRecord struct {
	Addr       uint64       `json:"addr" msgpack:"addr"`
	Size       uint64       `json:"size" msgpack:"size"`
	NInsns     int          `json:"ninsns" msgpack:"ninsns"`
	Owner      uint64       `json:"owner,omitempty" msgpack:"owner,omitempty"`
	Dead       bool         `json:"dead,omitempty" msgpack:"dead,omitempty"`
	Call       bool         `json:"call,omitempty" msgpack:"call,omitempty"`
	Return     bool         `json:"return,omitempty" msgpack:"return,omitempty"`
	StackDelta string       `json:"stack_delta" msgpack:"stack_delta"`
	Succs      []EdgeRecord `json:"succs,omitempty" msgpack:"succs,omitempty"`
	Ghosts     []uint64     `json:"ghosts,omitempty" msgpack:"ghosts,omitempty"`
}

// DataRecord is one data block.
type DataRecord struct {
	Addr       uint64 `json:"addr" msgpack:"addr"`
	Size       uint64 `json:"size" msgpack:"size"`
	Kind       string `json:"kind" msgpack:"kind"`
	OwnerFunc  uint64 `json:"owner_func,omitempty" msgpack:"owner_func,omitempty"`
	OwnerBlock uint64 `json:"owner_block,omitempty" msgpack:"owner_block,omitempty"`
}

// FunctionRecord is one function.
type FunctionRecord struct {
	Entry     uint64   `json:"entry" msgpack:"entry"`
	Name      string   `json:"name" msgpack:"name"`
	Reasons   string   `json:"reasons" msgpack:"reasons"`
	Blocks    []uint64 `json:"blocks" msgpack:"blocks"`
	DeadCode  []uint64 `json:"dead_code,omitempty" msgpack:"dead_code,omitempty"`
	Data      []uint64 `json:"data,omitempty" msgpack:"data,omitempty"`
	Attention bool     `json:"attention,omitempty" msgpack:"attention,omitempty"`
}

// ErrorRecord is a function error or a failed placeholder.
type ErrorRecord struct {
	Entry uint64 `json:"entry,omitempty" msgpack:"entry,omitempty"`
	Addr  uint64 `json:"addr" msgpack:"addr"`
	Msg   string `json:"msg" msgpack:"msg"`
}

// Snapshot is the serializable form of a partition result.
type Snapshot struct {
	Version   int              `json:"version" msgpack:"v"`
	Arch      disasm.Arch      `json:"arch" msgpack:"arch"`
	Functions []FunctionRecord `json:"functions" msgpack:"funcs"`
	Blocks    []BlockRecord    `json:"blocks" msgpack:"blocks"`
	Data      []DataRecord     `json:"data" msgpack:"data"`
	Errors    []ErrorRecord    `json:"errors,omitempty" msgpack:"errors,omitempty"`
	Failed    []ErrorRecord    `json:"failed,omitempty" msgpack:"failed,omitempty"`
	Diags     []diag.Diag      `json:"diags,omitempty" msgpack:"diags,omitempty"`
}

// FromResult converts res into a Snapshot. Every slice is in address order.
func FromResult(res *partition.Result, arch disasm.Arch) *Snapshot {
	c := res.CFG
	s := &Snapshot{Version: SnapshotVersion, Arch: arch}

	attention := make(map[uint64]bool, len(res.Attention))
	for _, fn := range res.Attention {
		attention[fn.Entry()] = true
	}
	for _, fn := range res.Functions {
		r := FunctionRecord{
			Entry:     fn.Entry(),
			Name:      fn.DisplayName(),
			Reasons:   fn.Reasons().String(),
			Blocks:    fn.BlockAddresses(),
			Attention: attention[fn.Entry()],
		}
		for _, a := range r.Blocks {
			if fn.IsDeadCode(a) {
				r.DeadCode = append(r.DeadCode, a)
			}
		}
		for _, db := range fn.DataBlocks() {
			r.Data = append(r.Data, db.Address())
		}
		s.Functions = append(s.Functions, r)
	}

	seen := make(map[*partition.DataBlock]bool)
	var data []*partition.DataBlock
	for _, db := range c.DataBlocks() {
		seen[db] = true
		data = append(data, db)
	}

	for _, bb := range c.Blocks() {
		r := BlockRecord{
			Addr:       bb.Address(),
			Size:       bb.FallthroughAddress() - bb.Address(),
			NInsns:     bb.NInsns(),
			Call:       bb.IsFunctionCall(),
			Return:     bb.IsFunctionReturn(),
			StackDelta: bb.StackDelta().String(),
			Ghosts:     bb.GhostSuccessors(),
		}
		if len(r.Ghosts) == 0 {
			r.Ghosts = nil
		}
		if fn := c.OwnerOf(bb.Address()); fn != nil {
			r.Owner = fn.Entry()
			r.Dead = fn.IsDeadCode(bb.Address())
		}
		for _, e := range c.Successors(bb.Address()) {
			er := EdgeRecord{From: e.From, Target: e.Target.String(), Type: e.Type.String()}
			if to, ok := e.To(); ok {
				er.To = to
			}
			r.Succs = append(r.Succs, er)
		}
		for _, db := range bb.DataBlocks() {
			if !seen[db] {
				seen[db] = true
				data = append(data, db)
			}
		}
		s.Blocks = append(s.Blocks, r)
	}

	sort.Slice(data, func(i, j int) bool { return data[i].Address() < data[j].Address() })
	for _, db := range data {
		r := DataRecord{Addr: db.Address(), Size: db.Size(), Kind: db.Kind().String()}
		if fn := db.OwnerFunction(); fn != nil {
			r.OwnerFunc = fn.Entry()
		}
		if bb := db.OwnerBlock(); bb != nil {
			r.OwnerBlock = bb.Address()
		}
		s.Data = append(s.Data, r)
	}

	for _, fe := range res.Errors {
		s.Errors = append(s.Errors, ErrorRecord{Entry: fe.Entry, Addr: fe.Block, Msg: fe.Err.Error()})
	}
	for _, pe := range c.Failed() {
		s.Failed = append(s.Failed, ErrorRecord{Addr: pe.Addr, Msg: pe.Err.Error()})
	}
	s.Diags = append(s.Diags, c.Diags().Items()...)
	return s
}
