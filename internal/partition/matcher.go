package partition

// FunctionPrologueMatcher recognizes a function entry at an anchor address.
// On a match, Function returns the function it built; the result is only
// meaningful after a successful Match.
type FunctionPrologueMatcher interface {
	Match(c *CFG, anchor uint64) bool
	Function() *Function
}

// FunctionPaddingMatcher scans backward from a function entry for padding
// and returns where the padding starts.
type FunctionPaddingMatcher interface {
	Match(c *CFG, entry uint64) (start uint64, ok bool)
}

// Termination is a block callback's decision about further growth.
type Termination int

const (
	TerminateNone  Termination = iota
	TerminateNow               // keep the last instruction and stop
	TerminatePrior             // drop the last instruction and stop
)

// BlockCallbackResults collects decisions made by the callback chain.
type BlockCallbackResults struct {
	Terminate Termination
}

// BlockCallbackArgs is passed to every callback in the chain.
type BlockCallbackArgs struct {
	CFG     *CFG
	Block   *BasicBlock
	Results *BlockCallbackResults
}

// BasicBlockCallback inspects a block after each instruction is appended.
// chained is true once an earlier callback has made a termination
// decision. Returning false stops the chain.
type BasicBlockCallback interface {
	Apply(chained bool, args *BlockCallbackArgs) bool
}

// PrologueFunc reports whether a function starts at anchor.
type PrologueFunc func(c *CFG, anchor uint64) bool

type prologueFunc struct {
	match PrologueFunc
	fn    *Function
}

// NewPrologueMatcher wraps match as a FunctionPrologueMatcher producing
// functions with ReasonPrologue.
func NewPrologueMatcher(match PrologueFunc) FunctionPrologueMatcher {
	return &prologueFunc{match: match}
}

func (p *prologueFunc) Match(c *CFG, anchor uint64) bool {
	p.fn = nil
	if !p.match(c, anchor) {
		return false
	}
	p.fn = NewFunction(anchor, "", ReasonPrologue)
	return true
}

func (p *prologueFunc) Function() *Function { return p.fn }

// PaddingFunc adapts a plain function to FunctionPaddingMatcher.
type PaddingFunc func(c *CFG, entry uint64) (uint64, bool)

func (f PaddingFunc) Match(c *CFG, entry uint64) (uint64, bool) { return f(c, entry) }

// CallbackFunc adapts a plain function to BasicBlockCallback.
type CallbackFunc func(chained bool, args *BlockCallbackArgs) bool

func (f CallbackFunc) Apply(chained bool, args *BlockCallbackArgs) bool { return f(chained, args) }

// Matchers holds the ordered matcher lists installed in an Engine.
type Matchers struct {
	Prologues []FunctionPrologueMatcher
	Paddings  []FunctionPaddingMatcher
	Callbacks []BasicBlockCallback
}

// Merge appends o's matchers after m's.
func (m Matchers) Merge(o Matchers) Matchers {
	return Matchers{
		Prologues: append(append([]FunctionPrologueMatcher(nil), m.Prologues...), o.Prologues...),
		Paddings:  append(append([]FunctionPaddingMatcher(nil), m.Paddings...), o.Paddings...),
		Callbacks: append(append([]BasicBlockCallback(nil), m.Callbacks...), o.Callbacks...),
	}
}

// runCallbacks applies the callback chain to bb and returns the final
// termination decision.
func (m *Matchers) runCallbacks(c *CFG, bb *BasicBlock) Termination {
	if len(m.Callbacks) == 0 {
		return TerminateNone
	}
	res := &BlockCallbackResults{}
	args := &BlockCallbackArgs{CFG: c, Block: bb, Results: res}
	chained := false
	for _, cb := range m.Callbacks {
		keep := cb.Apply(chained, args)
		if res.Terminate != TerminateNone {
			chained = true
		}
		if !keep {
			break
		}
	}
	return res.Terminate
}

// matchPrologue returns the function produced by the first matching
// prologue matcher at anchor.
func (m *Matchers) matchPrologue(c *CFG, anchor uint64) *Function {
	for _, pm := range m.Prologues {
		if pm.Match(c, anchor) {
			if fn := pm.Function(); fn != nil {
				return fn
			}
		}
	}
	return nil
}
