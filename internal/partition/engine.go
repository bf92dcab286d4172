// Package partition groups the instructions of a memory image into basic
// blocks and functions by recursive-descent disassembly.
package partition

import (
	"github.com/apex/log"

	"binpart/internal/diag"
	"binpart/internal/semantics"
)

// EdgePolicy decides whether a non-call edge from a block into another
// function disqualifies further dead-code attachment.
type EdgePolicy func(c *CFG, from *BasicBlock, e Edge, other *Function) bool

// StrictEdgePolicy disqualifies every inter-function edge.
func StrictEdgePolicy(*CFG, *BasicBlock, Edge, *Function) bool { return true }

// TolerateAdjacentFallthrough tolerates a block falling through into the
// entry of the function laid out immediately after it.
func TolerateAdjacentFallthrough(_ *CFG, from *BasicBlock, e Edge, other *Function) bool {
	to, ok := e.To()
	if !ok || e.Type != semantics.EdgeNormal {
		return true
	}
	return !(to == from.FallthroughAddress() && to == other.Entry())
}

// Options controls the engine.
type Options struct {
	MaxSteps             int // placeholder visits over the whole run; 0 = 10M
	DeadCodeIterations   int
	EmitWarnings         bool
	FindCalledFunctions  bool
	FindPrologues        bool
	AttachPadding        bool
	AttachSurroundedData bool
	Mode                 diag.Mode
	EdgePolicy           EdgePolicy
	Logger               log.Interface
}

// DefaultOptions enables every discovery pass.
func DefaultOptions() Options {
	return Options{
		DeadCodeIterations:   4,
		EmitWarnings:         true,
		FindCalledFunctions:  true,
		FindPrologues:        true,
		AttachPadding:        true,
		AttachSurroundedData: true,
	}
}

func (o Options) EffectiveMaxSteps() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return diag.DefaultMaxSteps
}

// Engine drives discovery over a CFG. It holds no per-image state; all
// state lives in the CFG passed to each operation.
type Engine struct {
	opts     Options
	matchers Matchers
	log      log.Interface
}

func NewEngine(opts Options, matchers Matchers) *Engine {
	if opts.EdgePolicy == nil {
		opts.EdgePolicy = StrictEdgePolicy
	}
	l := opts.Logger
	if l == nil {
		l = log.Log
	}
	return &Engine{opts: opts, matchers: matchers, log: l}
}

func (e *Engine) Options() Options    { return e.opts }
func (e *Engine) Matchers() *Matchers { return &e.matchers }
