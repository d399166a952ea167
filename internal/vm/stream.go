package vm

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/metrics"
)

// StreamRole names the lane an instruction type runs on. Host-to-device and
// device-to-host copies get separate lanes so both directions overlap.
type StreamRole int

const (
	RoleCompute StreamRole = iota
	RoleCopyH2D
	RoleCopyD2H
	RoleDeviceHelper
	RoleCollective
)

func (r StreamRole) String() string {
	switch r {
	case RoleCompute:
		return "compute"
	case RoleCopyH2D:
		return "h2d"
	case RoleCopyD2H:
		return "d2h"
	case RoleDeviceHelper:
		return "helper"
	case RoleCollective:
		return "collective"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

type StreamID struct {
	Role     StreamRole
	DeviceID int
}

func (id StreamID) String() string {
	return fmt.Sprintf("%s:%d", id.Role, id.DeviceID)
}

// Stream is a single-worker FIFO lane. Instructions on one stream start in
// submission order; different streams run concurrently.
type Stream struct {
	id  StreamID
	ctx *device.Context
	vm  *VM

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Instruction
	closed  bool
	stopped chan struct{}
}

func newStream(vm *VM, id StreamID, capacity int) *Stream {
	s := &Stream{
		id:      id,
		ctx:     device.NewContext(vm.rt, id.DeviceID, id.String()),
		vm:      vm,
		pending: make([]*Instruction, 0, capacity),
		stopped: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *Stream) ID() StreamID               { return s.id }
func (s *Stream) DeviceCtx() *device.Context { return s.ctx }

// push never blocks, so Compute callbacks may submit further work.
func (s *Stream) push(instr *Instruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	s.pending = append(s.pending, instr)
	metrics.RecordQueueDepth(s.id.String(), len(s.pending))
	s.cond.Signal()
	return nil
}

func (s *Stream) pop() (*Instruction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.pending) == 0 {
		return nil, false
	}
	instr := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	metrics.RecordQueueDepth(s.id.String(), len(s.pending))
	return instr, true
}

func (s *Stream) loop() {
	defer close(s.stopped)
	for {
		instr, ok := s.pop()
		if !ok {
			return
		}
		s.vm.run(instr)
	}
}

// close lets the worker drain what is queued and then exit.
func (s *Stream) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}
