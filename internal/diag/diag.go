// Package diag accumulates non-fatal findings produced while partitioning.
package diag

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Kind classifies a diagnostic message.
type Kind string

const (
	KindPlaceholder Kind = "placeholder"
	KindBasicBlock  Kind = "basic_block"
	KindDataBlock   Kind = "data_block"
	KindFunction    Kind = "function"
	KindClamped     Kind = "clamped"
)

// Diag records a non-fatal issue at an address.
type Diag struct {
	Addr uint64 `json:"addr" msgpack:"addr"`
	Kind Kind   `json:"kind" msgpack:"kind"`
	Msg  string `json:"msg" msgpack:"msg"`
	Err  error  `json:"-" msgpack:"-"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] 0x%x: %s", d.Kind, d.Addr, d.Msg)
}

// Diags accumulates diagnostics.
type Diags struct {
	items []Diag
}

func (d *Diags) Add(addr uint64, kind Kind, msg string) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: msg})
}

func (d *Diags) Addf(addr uint64, kind Kind, format string, args ...any) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

// AddErr records err, keeping it for errors.Is/As through Err.
func (d *Diags) AddErr(addr uint64, kind Kind, err error) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: err.Error(), Err: err})
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// ByKind returns the diagnostics of the given kind in insertion order.
func (d *Diags) ByKind(kind Kind) []Diag {
	var out []Diag
	for _, it := range d.items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}

// Err folds every recorded diagnostic into a single error, or nil.
func (d *Diags) Err() error {
	var result *multierror.Error
	for _, it := range d.items {
		err := it.Err
		if err == nil {
			err = fmt.Errorf("%s", it)
		}
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Mode controls error handling behavior.
type Mode int

const (
	ModeBestEffort Mode = iota // continue, accumulate diags
	ModeStrict                 // function errors fail the run
)

// DefaultMaxSteps is the global default loop cap.
const DefaultMaxSteps = 10_000_000
