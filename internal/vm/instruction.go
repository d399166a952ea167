package vm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-eager/internal/blob"
)

// State is an instruction's lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateInferred
	StateScheduled
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInferred:
		return "inferred"
	case StateScheduled:
		return "scheduled"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// OperandRole declares how an instruction touches an operand. It is the only
// thing the scheduler uses to order conflicting instructions.
type OperandRole int

const (
	OperandConst OperandRole = iota
	OperandMut
)

func (r OperandRole) String() string {
	if r == OperandMut {
		return "mut"
	}
	return "const"
}

// Operand is either an object (tensor buffer or slot) or a symbol.
type Operand struct {
	Role   OperandRole
	Object blob.Object
	Symbol string
}

func Const(obj blob.Object) Operand { return Operand{Role: OperandConst, Object: obj} }
func Mut(obj blob.Object) Operand   { return Operand{Role: OperandMut, Object: obj} }
func Symbol(s string) Operand       { return Operand{Role: OperandConst, Symbol: s} }

// Instruction is one unit of work bound to a stream.
type Instruction struct {
	id       uint64
	name     string
	typ      InstructionType
	stream   *Stream
	operands []Operand
	payload  any
	vm       *VM

	state atomic.Int32
	deps  []*Instruction
	// held are the operand objects kept alive until the instruction is
	// terminal, resolved through slots at submit time.
	held  []blob.Object

	doneOnce    sync.Once
	done        chan struct{}
	err         error
	deferred    bool
	scheduledAt time.Time
}

func (i *Instruction) ID() uint64            { return i.id }
func (i *Instruction) Name() string          { return i.name }
func (i *Instruction) Type() InstructionType { return i.typ }
func (i *Instruction) Stream() *Stream       { return i.stream }
func (i *Instruction) Operands() []Operand   { return i.operands }
func (i *Instruction) Payload() any          { return i.payload }
func (i *Instruction) State() State          { return State(i.state.Load()) }
func (i *Instruction) Done() <-chan struct{} { return i.done }

// Operand returns the n-th operand or an error naming the instruction.
func (i *Instruction) Operand(n int) (Operand, error) {
	if n < 0 || n >= len(i.operands) {
		return Operand{}, fmt.Errorf("%s: operand %d out of range (have %d)", i.name, n, len(i.operands))
	}
	return i.operands[n], nil
}

// Err is the failure cause once the instruction is terminal.
func (i *Instruction) Err() error {
	select {
	case <-i.done:
		return i.err
	default:
		return nil
	}
}

// Wait blocks until the instruction is terminal or ctx ends. It never
// cancels the instruction itself: scheduled work always runs to completion.
func (i *Instruction) Wait(ctx context.Context) error {
	select {
	case <-i.done:
		return i.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s#%d (%s): %w", i.name, i.id, i.State(), ctx.Err())
	}
}

// Defer hands completion to the caller of the returned function. Compute
// calls it when the effect finishes on another goroutine. The returned
// function is safe to call more than once; only the first call counts.
func (i *Instruction) Defer() func(error) {
	i.deferred = true
	return func(err error) {
		i.vm.complete(i, err)
	}
}

func (i *Instruction) setState(s State) {
	prev := State(i.state.Swap(int32(s)))
	i.vm.log.Trace("instruction state", "id", i.id, "instruction", i.name, "from", prev.String(), "to", s.String())
}

func (i *Instruction) String() string {
	return fmt.Sprintf("%s#%d", i.name, i.id)
}

func (i *Instruction) holdOperands() {
	for _, op := range i.operands {
		obj := op.Object
		if s, ok := obj.(*blob.Slot); ok {
			obj = s.Object()
		}
		if obj == nil {
			continue
		}
		obj.Retain()
		i.held = append(i.held, obj)
	}
}

func (i *Instruction) releaseOperands() {
	for _, obj := range i.held {
		obj.Release()
	}
	i.held = nil
}
