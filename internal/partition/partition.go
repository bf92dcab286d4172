package partition

import (
	"github.com/apex/log"
	"github.com/hashicorp/go-multierror"

	"binpart/internal/diag"
	"binpart/internal/disasm"
	"binpart/internal/semantics"
)

// Seed is a known function entry supplied by the caller.
type Seed struct {
	Addr   uint64
	Name   string
	Reason Reason // 0 means ReasonUserDefined
}

// Result is the outcome of a full partitioning run.
type Result struct {
	CFG       *CFG
	Functions []*Function
	Errors    []*FunctionError
	Attention []*Function // functions named by Errors
	DeadCode  []uint64
	Padding   []*DataBlock
	Data      []*DataBlock // surrounded data
}

// Diags returns the diagnostics accumulated in the CFG.
func (r *Result) Diags() *diag.Diags { return r.CFG.Diags() }

// Partition runs every pass over c: seed functions, function discovery,
// dead code, padding and surrounded data attachment, naming, and a final
// block attachment whose errors are reported in the result. The error is
// non-nil only for *BasicBlockError, or in strict mode when function
// errors were found.
func (e *Engine) Partition(c *CFG, seeds []Seed) (*Result, error) {
	res := &Result{CFG: c}
	e.MakeSeedFunctions(c, seeds)
	if _, err := e.DiscoverFunctions(c); err != nil {
		return nil, err
	}
	if e.opts.DeadCodeIterations > 0 {
		dead, err := e.AttachDeadCodeToFunctions(c, e.opts.DeadCodeIterations)
		if err != nil {
			return nil, err
		}
		res.DeadCode = dead
	}
	if e.opts.AttachPadding {
		res.Padding = e.AttachPaddingToFunctions(c)
	}
	if e.opts.AttachSurroundedData {
		res.Data = e.AttachSurroundedDataToFunctions(c)
	}
	e.PostPartitionFixups(c)

	res.Errors = e.AttachBlocksToFunctions(c, e.opts.EmitWarnings)
	res.Attention = Attention(c, res.Errors)
	res.Functions = c.Functions()
	for _, fe := range res.Errors {
		c.diags.AddErr(fe.Block, diag.KindFunction, fe)
	}

	e.log.WithFields(log.Fields{
		"functions": len(res.Functions),
		"blocks":    c.NBlocks(),
		"failed":    len(c.failed),
		"attention": len(res.Attention),
	}).Info("partitioned")

	if e.opts.Mode == diag.ModeStrict && len(res.Errors) > 0 {
		var merr *multierror.Error
		for _, fe := range res.Errors {
			merr = multierror.Append(merr, fe)
		}
		return res, merr.ErrorOrNil()
	}
	return res, nil
}

// Partition builds a CFG over mem and partitions it from seeds.
func Partition(mem MemoryMap, dec disasm.Decoder, eval semantics.Evaluator, seeds []Seed, m Matchers, opts Options) (*Result, error) {
	c := NewCFG(mem, dec, eval)
	return NewEngine(opts, m).Partition(c, seeds)
}
