package partition

import (
	"errors"
	"fmt"
)

var (
	ErrWrongStartAddress    = errors.New("partition: wrong starting address")
	ErrDuplicateInstruction = errors.New("partition: duplicate instruction")
	ErrFrozen               = errors.New("partition: block is frozen")
	ErrEmptyBlock           = errors.New("partition: block is empty")
	ErrAlreadyOwned         = errors.New("partition: data block already owned")
	ErrOverlap              = errors.New("partition: overlapping address range")
	ErrInsideData           = errors.New("partition: address inside data block")
	ErrRejected             = errors.New("partition: rejected by block callback")
	ErrInterFunctionEdge    = errors.New("partition: non-call edge crosses function boundary")
	ErrUnreachableBlock     = errors.New("partition: owned block unreachable from entry")
)

// PlaceholderError reports a discovery address that could not be turned
// into a basic block. Discovery continues with other placeholders.
type PlaceholderError struct {
	Addr uint64
	Err  error
}

func (e *PlaceholderError) Error() string {
	return fmt.Sprintf("placeholder 0x%x: %v", e.Addr, e.Err)
}

func (e *PlaceholderError) Unwrap() error { return e.Err }

// BasicBlockError reports misuse of the BasicBlock API. It always indicates
// a defect in the caller.
type BasicBlockError struct {
	Addr uint64
	Err  error
}

func (e *BasicBlockError) Error() string {
	return fmt.Sprintf("basic block 0x%x: %v", e.Addr, e.Err)
}

func (e *BasicBlockError) Unwrap() error { return e.Err }

// DataBlockError reports a rejected data block insertion. The insertion
// had no effect.
type DataBlockError struct {
	Addr uint64
	Size uint64
	Err  error
}

func (e *DataBlockError) Error() string {
	return fmt.Sprintf("data block [0x%x,+0x%x): %v", e.Addr, e.Size, e.Err)
}

func (e *DataBlockError) Unwrap() error { return e.Err }

// FunctionError reports a structural problem with a function's blocks.
// Block is the offending block address.
type FunctionError struct {
	Entry uint64
	Block uint64
	Err   error
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("function 0x%x: block 0x%x: %v", e.Entry, e.Block, e.Err)
}

func (e *FunctionError) Unwrap() error { return e.Err }
