package vm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/logger"
	"github.com/23skdu/longbow-eager/internal/metrics"
)

// FatalHandler is invoked after an unrecoverable error has been logged.
// The default handler exits the process.
type FatalHandler func(err error)

func exitOnFatal(error) { os.Exit(1) }

type Option func(*VM)

func WithFatalHandler(h FatalHandler) Option {
	return func(vm *VM) { vm.fatalHandler = h }
}

// WithQueueCapacity presizes stream queues.
func WithQueueCapacity(n int) Option {
	return func(vm *VM) { vm.queueCapacity = n }
}

// VM resolves instruction names, runs Infer on the caller and Compute on
// the stream workers.
type VM struct {
	id            string
	rt            *device.Runtime
	registry      *Registry
	log           *logger.Logger
	fatalHandler  FatalHandler
	queueCapacity int

	nextID   atomic.Uint64
	tracker  *tracker
	inflight inflight

	submitMu sync.Mutex
	streams  map[StreamID]*Stream
	closed   bool
}

// New builds a VM over rt and seals reg.
func New(rt *device.Runtime, reg *Registry, opts ...Option) *VM {
	reg.Seal()
	id := uuid.NewString()
	vm := &VM{
		id:            id,
		rt:            rt,
		registry:      reg,
		log:           logger.Log.With("vm", id),
		fatalHandler:  exitOnFatal,
		queueCapacity: 64,
		tracker:       newTracker(),
		streams:       make(map[StreamID]*Stream),
	}
	for _, o := range opts {
		o(vm)
	}
	return vm
}

func (vm *VM) ID() string               { return vm.id }
func (vm *VM) Runtime() *device.Runtime { return vm.rt }
func (vm *VM) Registry() *Registry      { return vm.registry }

// Submit creates an instruction, runs Infer synchronously and schedules it
// on the stream for (type role, deviceID). A *ValidationError means the
// instruction never reached a stream.
func (vm *VM) Submit(ctx context.Context, name string, deviceID int, operands []Operand, payload any) (*Instruction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	typ, ok := vm.registry.Lookup(name)
	if !ok {
		metrics.RecordValidationError(name)
		return nil, &ValidationError{Instruction: name, Err: ErrUnknownInstruction}
	}
	if deviceID < 0 || deviceID >= vm.rt.NumDevices() {
		metrics.RecordValidationError(name)
		return nil, &ValidationError{Instruction: name, Err: fmt.Errorf("device %d out of range [0,%d)", deviceID, vm.rt.NumDevices())}
	}

	instr := &Instruction{
		id:       vm.nextID.Add(1),
		name:     name,
		typ:      typ,
		operands: operands,
		payload:  payload,
		vm:       vm,
		done:     make(chan struct{}),
	}
	instr.setState(StateCreated)

	streamID := StreamID{Role: typ.StreamRole(), DeviceID: deviceID}
	stream, err := vm.stream(streamID)
	if err != nil {
		return nil, err
	}
	instr.stream = stream

	if err := typ.Infer(instr); err != nil {
		metrics.RecordValidationError(name)
		vm.log.Debug("instruction rejected", "instruction", name, "error", err.Error())
		return nil, &ValidationError{Instruction: name, Err: err}
	}
	instr.setState(StateInferred)

	vm.submitMu.Lock()
	defer vm.submitMu.Unlock()
	if vm.closed {
		return nil, ErrShutdown
	}
	vm.tracker.record(instr)
	instr.holdOperands()
	vm.inflight.add()
	instr.scheduledAt = time.Now()
	instr.setState(StateScheduled)
	if err := stream.push(instr); err != nil {
		vm.inflight.done()
		vm.tracker.forget(instr)
		instr.releaseOperands()
		return nil, err
	}
	metrics.RecordSubmitted(name)
	return instr, nil
}

// Stream returns the stream for id, creating it on first use.
func (vm *VM) Stream(id StreamID) (*Stream, error) {
	return vm.stream(id)
}

func (vm *VM) stream(id StreamID) (*Stream, error) {
	vm.submitMu.Lock()
	defer vm.submitMu.Unlock()
	if vm.closed {
		return nil, ErrShutdown
	}
	s, ok := vm.streams[id]
	if !ok {
		s = newStream(vm, id, vm.queueCapacity)
		vm.streams[id] = s
		vm.log.Debug("stream created", "stream", id.String())
	}
	return s, nil
}

// run executes one instruction on its stream worker.
func (vm *VM) run(instr *Instruction) {
	for _, d := range instr.deps {
		<-d.done
		if d.err != nil {
			vm.complete(instr, fmt.Errorf("%s waited on %s: %w", instr, d, ErrDependencyFailed))
			return
		}
	}
	instr.deps = nil

	err := vm.compute(instr)
	if instr.deferred && err == nil {
		return
	}
	vm.complete(instr, err)
}

func (vm *VM) compute(instr *Instruction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &device.FatalError{Op: instr.name, Err: errors.Errorf("panic in compute: %v", r)}
		}
	}()
	return instr.typ.Compute(instr)
}

// complete moves instr to a terminal state exactly once.
func (vm *VM) complete(instr *Instruction, err error) {
	instr.doneOnce.Do(func() {
		instr.err = err
		state := StateCompleted
		if err != nil {
			state = StateFailed
		}
		instr.setState(state)
		vm.tracker.forget(instr)
		instr.releaseOperands()
		metrics.RecordCompleted(instr.name, state.String(), time.Since(instr.scheduledAt))
		close(instr.done)
		vm.inflight.done()

		if err != nil && device.IsFatal(err) {
			vm.fatal(instr.String(), err)
		} else if err != nil {
			vm.log.Warn("instruction failed", "instruction", instr.String(), "error", err.Error())
		}
	})
}

// Fatal logs err and hands it to the fatal handler. Other engine
// components use it for errors the process cannot survive.
func (vm *VM) Fatal(source string, err error) {
	vm.fatal(source, err)
}

func (vm *VM) fatal(source string, err error) {
	metrics.RecordFatal(source)
	vm.log.Fatal("unrecoverable engine error", err, "source", source)
	vm.fatalHandler(err)
}

// Sync waits for every instruction submitted so far to finish.
func (vm *VM) Sync(ctx context.Context) error {
	select {
	case <-vm.inflight.idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work, lets streams drain and joins their workers.
func (vm *VM) Shutdown(ctx context.Context) error {
	vm.submitMu.Lock()
	if vm.closed {
		vm.submitMu.Unlock()
		return nil
	}
	vm.closed = true
	streams := make([]*Stream, 0, len(vm.streams))
	for _, s := range vm.streams {
		streams = append(streams, s)
	}
	vm.submitMu.Unlock()

	for _, s := range streams {
		s.close()
	}
	for _, s := range streams {
		select {
		case <-s.stopped:
		case <-ctx.Done():
			return fmt.Errorf("shutdown: stream %s still running: %w", s.id, ctx.Err())
		}
	}
	vm.log.Debug("vm shut down", "streams", len(streams))
	return nil
}

// inflight counts non-terminal instructions and wakes Sync callers when the
// count drops to zero.
type inflight struct {
	mu      sync.Mutex
	n       int
	waiters []chan struct{}
}

func (c *inflight) add() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *inflight) done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n--
	if c.n > 0 {
		return
	}
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

func (c *inflight) idle() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	if c.n == 0 {
		close(ch)
		return ch
	}
	c.waiters = append(c.waiters, ch)
	return ch
}
