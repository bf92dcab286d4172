package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrSnapshotVersion = errors.New("output: unsupported snapshot version")

// SnapshotFile is the msgpack snapshot name inside an output directory.
const SnapshotFile = "partition.msgpack"

// EncodeSnapshot writes s to w in msgpack format.
func EncodeSnapshot(w io.Writer, s *Snapshot) error {
	if err := msgpack.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("output: encode snapshot: %w", err)
	}
	return nil
}

// DecodeSnapshot reads a msgpack snapshot from r.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("output: decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, s.Version)
	}
	return &s, nil
}

// WriteSnapshot writes s to dir/partition.msgpack.
func WriteSnapshot(dir string, s *Snapshot) error {
	path := filepath.Join(dir, SnapshotFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()
	return EncodeSnapshot(f, s)
}

// ReadSnapshot reads a snapshot file. path may name the file or the
// directory holding it.
func ReadSnapshot(path string) (*Snapshot, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, SnapshotFile)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("output: open %s: %w", path, err)
	}
	defer f.Close()
	return DecodeSnapshot(f)
}

// Compare reports the differences between two snapshots as human-readable
// lines, in address order. Diagnostics are not compared.
func Compare(a, b *Snapshot) []string {
	var out []string
	if a.Arch != b.Arch {
		out = append(out, fmt.Sprintf("arch: %s != %s", a.Arch, b.Arch))
	}

	fa := make(map[uint64]FunctionRecord, len(a.Functions))
	for _, f := range a.Functions {
		fa[f.Entry] = f
	}
	fb := make(map[uint64]FunctionRecord, len(b.Functions))
	for _, f := range b.Functions {
		fb[f.Entry] = f
	}
	out = append(out, diffKeys("function", fa, fb, func(x, y FunctionRecord) string {
		switch {
		case x.Name != y.Name:
			return fmt.Sprintf("name %s != %s", x.Name, y.Name)
		case !equalAddrs(x.Blocks, y.Blocks):
			return fmt.Sprintf("blocks %s != %s", hexList(x.Blocks), hexList(y.Blocks))
		case !equalAddrs(x.DeadCode, y.DeadCode):
			return fmt.Sprintf("dead code %s != %s", hexList(x.DeadCode), hexList(y.DeadCode))
		case !equalAddrs(x.Data, y.Data):
			return fmt.Sprintf("data %s != %s", hexList(x.Data), hexList(y.Data))
		}
		return ""
	})...)

	ba := make(map[uint64]BlockRecord, len(a.Blocks))
	for _, r := range a.Blocks {
		ba[r.Addr] = r
	}
	bb := make(map[uint64]BlockRecord, len(b.Blocks))
	for _, r := range b.Blocks {
		bb[r.Addr] = r
	}
	out = append(out, diffKeys("block", ba, bb, func(x, y BlockRecord) string {
		switch {
		case x.Size != y.Size || x.NInsns != y.NInsns:
			return fmt.Sprintf("size %d/%d != %d/%d", x.Size, x.NInsns, y.Size, y.NInsns)
		case x.Owner != y.Owner:
			return fmt.Sprintf("owner 0x%x != 0x%x", x.Owner, y.Owner)
		case len(x.Succs) != len(y.Succs):
			return fmt.Sprintf("%d successors != %d", len(x.Succs), len(y.Succs))
		}
		for i := range x.Succs {
			if x.Succs[i] != y.Succs[i] {
				return fmt.Sprintf("successor %s:%s != %s:%s", x.Succs[i].Type, x.Succs[i].Target, y.Succs[i].Type, y.Succs[i].Target)
			}
		}
		return ""
	})...)

	da := make(map[uint64]DataRecord, len(a.Data))
	for _, r := range a.Data {
		da[r.Addr] = r
	}
	db := make(map[uint64]DataRecord, len(b.Data))
	for _, r := range b.Data {
		db[r.Addr] = r
	}
	out = append(out, diffKeys("data", da, db, func(x, y DataRecord) string {
		if x != y {
			return fmt.Sprintf("%s+%d != %s+%d", x.Kind, x.Size, y.Kind, y.Size)
		}
		return ""
	})...)
	return out
}

func diffKeys[T any](what string, a, b map[uint64]T, diff func(x, y T) string) []string {
	keys := make(map[uint64]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	sorted := make([]uint64, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sortAddrs(sorted)

	var out []string
	for _, k := range sorted {
		x, inA := a[k]
		y, inB := b[k]
		switch {
		case !inB:
			out = append(out, fmt.Sprintf("- %s 0x%x", what, k))
		case !inA:
			out = append(out, fmt.Sprintf("+ %s 0x%x", what, k))
		default:
			if d := diff(x, y); d != "" {
				out = append(out, fmt.Sprintf("~ %s 0x%x: %s", what, k, d))
			}
		}
	}
	return out
}

func sortAddrs(a []uint64) { sort.Slice(a, func(i, j int) bool { return a[i] < a[j] }) }

func equalAddrs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hexList(a []uint64) string {
	parts := make([]string, len(a))
	for i, v := range a {
		parts[i] = fmt.Sprintf("0x%x", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
