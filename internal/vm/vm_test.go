package vm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/device"
)

type fakeType struct {
	role    StreamRole
	infer   func(*Instruction) error
	compute func(*Instruction) error
}

func (f *fakeType) StreamRole() StreamRole { return f.role }

func (f *fakeType) Infer(instr *Instruction) error {
	if f.infer == nil {
		return nil
	}
	return f.infer(instr)
}

func (f *fakeType) Compute(instr *Instruction) error {
	if f.compute == nil {
		return nil
	}
	return f.compute(instr)
}

func newTestVM(t *testing.T, types map[string]InstructionType, opts ...Option) *VM {
	t.Helper()
	rt := device.NewRuntime(device.Options{NumDevices: 2})
	reg := NewRegistry()
	for name, typ := range types {
		require.NoError(t, reg.Register(name, typ))
	}
	v := New(rt, reg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = v.Shutdown(ctx)
	})
	return v
}

func hostObject(t *testing.T, v *VM) *blob.EagerObject {
	t.Helper()
	obj, err := blob.NewEagerObject(v.Runtime(), device.HostMem(), blob.Shape{4}, blob.Float32)
	require.NoError(t, err)
	return obj
}

func TestRegistryAppendOnly(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", &fakeType{}))
	require.ErrorIs(t, reg.Register("a", &fakeType{}), ErrDuplicateInstruction)
	require.Error(t, reg.Register("", &fakeType{}))
	require.Error(t, reg.Register("b", nil))

	reg.Seal()
	require.True(t, reg.Sealed())
	require.ErrorIs(t, reg.Register("b", &fakeType{}), ErrRegistrySealed)
	require.Panics(t, func() { reg.MustRegister("c", &fakeType{}) })

	_, ok := reg.Lookup("a")
	require.True(t, ok)
	require.Equal(t, []string{"a"}, reg.Names())
}

func TestNewSealsRegistry(t *testing.T) {
	v := newTestVM(t, map[string]InstructionType{"noop": &fakeType{}})
	require.True(t, v.Registry().Sealed())
	require.NotEmpty(t, v.ID())
}

func TestSubmitUnknownInstruction(t *testing.T) {
	v := newTestVM(t, nil)
	_, err := v.Submit(context.Background(), "NoSuchInstruction", 0, nil, nil)
	require.True(t, IsValidation(err))
	require.ErrorIs(t, err, ErrUnknownInstruction)
}

func TestSubmitDeviceOutOfRange(t *testing.T) {
	v := newTestVM(t, map[string]InstructionType{"noop": &fakeType{}})
	_, err := v.Submit(context.Background(), "noop", 7, nil, nil)
	require.True(t, IsValidation(err))
}

func TestInferRejectionIsNeverScheduled(t *testing.T) {
	var computed atomic.Int32
	errBadOperand := errors.New("bad operand")
	v := newTestVM(t, map[string]InstructionType{
		"reject": &fakeType{
			infer:   func(*Instruction) error { return errBadOperand },
			compute: func(*Instruction) error { computed.Add(1); return nil },
		},
	})

	instr, err := v.Submit(context.Background(), "reject", 0, nil, nil)
	require.Nil(t, instr)
	require.True(t, IsValidation(err))
	require.ErrorIs(t, err, errBadOperand)

	require.NoError(t, v.Sync(context.Background()))
	require.Zero(t, computed.Load())
}

func TestStreamRunsInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	v := newTestVM(t, map[string]InstructionType{
		"record": &fakeType{compute: func(instr *Instruction) error {
			mu.Lock()
			order = append(order, instr.Payload().(int))
			mu.Unlock()
			return nil
		}},
	})

	const n = 200
	for i := 0; i < n; i++ {
		_, err := v.Submit(context.Background(), "record", 0, nil, i)
		require.NoError(t, err)
	}
	require.NoError(t, v.Sync(context.Background()))

	require.Len(t, order, n)
	for i, got := range order {
		require.Equal(t, i, got)
	}
}

func TestWritersOnOneObjectAreSerialized(t *testing.T) {
	var active, maxActive atomic.Int32
	var mu sync.Mutex
	var finished []uint64
	write := &fakeType{compute: func(instr *Instruction) error {
		cur := active.Add(1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		mu.Lock()
		finished = append(finished, instr.ID())
		mu.Unlock()
		return nil
	}}
	v := newTestVM(t, map[string]InstructionType{"write": write})
	obj := hostObject(t, v)

	// different devices put the two writers on different streams
	first, err := v.Submit(context.Background(), "write", 0, []Operand{Mut(obj)}, nil)
	require.NoError(t, err)
	second, err := v.Submit(context.Background(), "write", 1, []Operand{Mut(obj)}, nil)
	require.NoError(t, err)
	require.NotSame(t, first.Stream(), second.Stream())

	require.NoError(t, v.Sync(context.Background()))
	require.Equal(t, int32(1), maxActive.Load())
	require.Equal(t, []uint64{first.ID(), second.ID()}, finished)
	require.Zero(t, v.tracker.size())
}

func TestReadersRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()
	read := &fakeType{compute: func(*Instruction) error {
		started.Done()
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("readers did not overlap")
		}
	}}
	v := newTestVM(t, map[string]InstructionType{"read": read})
	obj := hostObject(t, v)

	a, err := v.Submit(context.Background(), "read", 0, []Operand{Const(obj)}, nil)
	require.NoError(t, err)
	b, err := v.Submit(context.Background(), "read", 1, []Operand{Const(obj)}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))
	require.NoError(t, b.Wait(ctx))
}

func TestReaderWaitsForWriter(t *testing.T) {
	release := make(chan struct{})
	var wrote atomic.Bool
	v := newTestVM(t, map[string]InstructionType{
		"write": &fakeType{compute: func(*Instruction) error {
			<-release
			wrote.Store(true)
			return nil
		}},
		"read": &fakeType{compute: func(*Instruction) error {
			if !wrote.Load() {
				return errors.New("read before write")
			}
			return nil
		}},
	})
	obj := hostObject(t, v)

	_, err := v.Submit(context.Background(), "write", 0, []Operand{Mut(obj)}, nil)
	require.NoError(t, err)
	reader, err := v.Submit(context.Background(), "read", 1, []Operand{Const(obj)}, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, StateScheduled, reader.State())
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reader.Wait(ctx))
	require.Equal(t, StateCompleted, reader.State())
}

func TestDependencyFailurePropagates(t *testing.T) {
	errBoom := errors.New("boom")
	v := newTestVM(t, map[string]InstructionType{
		"fail": &fakeType{compute: func(*Instruction) error { return errBoom }},
		"ok":   &fakeType{},
	})
	obj := hostObject(t, v)

	failed, err := v.Submit(context.Background(), "fail", 0, []Operand{Mut(obj)}, nil)
	require.NoError(t, err)
	next, err := v.Submit(context.Background(), "ok", 1, []Operand{Mut(obj)}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, failed.Wait(ctx), errBoom)
	require.Equal(t, StateFailed, failed.State())
	require.ErrorIs(t, next.Wait(ctx), ErrDependencyFailed)
}

func TestDeferredCompletion(t *testing.T) {
	finish := make(chan func(error), 1)
	v := newTestVM(t, map[string]InstructionType{
		"later": &fakeType{compute: func(instr *Instruction) error {
			finish <- instr.Defer()
			return nil
		}},
	})

	instr, err := v.Submit(context.Background(), "later", 0, nil, nil)
	require.NoError(t, err)
	done := <-finish

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, instr.Wait(short), context.DeadlineExceeded)
	require.Equal(t, StateScheduled, instr.State())

	done(nil)
	done(errors.New("ignored"))
	require.NoError(t, instr.Wait(context.Background()))
	require.Equal(t, StateCompleted, instr.State())
	require.NoError(t, instr.Err())
}

func TestFatalErrorReachesHandler(t *testing.T) {
	fatals := make(chan error, 2)
	v := newTestVM(t, map[string]InstructionType{
		"oom": &fakeType{compute: func(*Instruction) error {
			return &device.FatalError{Op: "malloc", Err: device.ErrOutOfMemory}
		}},
		"panic": &fakeType{compute: func(*Instruction) error { panic("kernel fault") }},
	}, WithFatalHandler(func(err error) { fatals <- err }))

	_, err := v.Submit(context.Background(), "oom", 0, nil, nil)
	require.NoError(t, err)
	got := <-fatals
	require.True(t, device.IsFatal(got))
	require.ErrorIs(t, got, device.ErrOutOfMemory)

	_, err = v.Submit(context.Background(), "panic", 0, nil, nil)
	require.NoError(t, err)
	got = <-fatals
	require.True(t, device.IsFatal(got))
	require.Contains(t, got.Error(), "kernel fault")
}

func TestSoftFailureDoesNotCallFatalHandler(t *testing.T) {
	var fatals atomic.Int32
	v := newTestVM(t, map[string]InstructionType{
		"soft": &fakeType{compute: func(*Instruction) error { return errors.New("callback failed") }},
	}, WithFatalHandler(func(error) { fatals.Add(1) }))

	instr, err := v.Submit(context.Background(), "soft", 0, nil, nil)
	require.NoError(t, err)
	require.Error(t, instr.Wait(context.Background()))
	require.Zero(t, fatals.Load())
}

func TestWaitIsBounded(t *testing.T) {
	release := make(chan struct{})
	v := newTestVM(t, map[string]InstructionType{
		"block": &fakeType{compute: func(*Instruction) error { <-release; return nil }},
	})
	instr, err := v.Submit(context.Background(), "block", 0, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = instr.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, instr.Err())

	syncCtx, syncCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer syncCancel()
	require.ErrorIs(t, v.Sync(syncCtx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, instr.Wait(context.Background()))
}

func TestShutdownRejectsNewWork(t *testing.T) {
	var ran atomic.Int32
	v := newTestVM(t, map[string]InstructionType{
		"count": &fakeType{compute: func(*Instruction) error { ran.Add(1); return nil }},
	})
	for i := 0; i < 10; i++ {
		_, err := v.Submit(context.Background(), "count", i%2, nil, nil)
		require.NoError(t, err)
	}

	require.NoError(t, v.Shutdown(context.Background()))
	require.Equal(t, int32(10), ran.Load())

	_, err := v.Submit(context.Background(), "count", 0, nil, nil)
	require.ErrorIs(t, err, ErrShutdown)
	require.NoError(t, v.Shutdown(context.Background()))
}

func TestOperandAccessor(t *testing.T) {
	v := newTestVM(t, map[string]InstructionType{
		"sym": &fakeType{infer: func(instr *Instruction) error {
			op, err := instr.Operand(0)
			if err != nil {
				return err
			}
			if op.Symbol != "lbn" {
				return errors.New("wrong symbol")
			}
			_, err = instr.Operand(1)
			return err
		}},
	})
	_, err := v.Submit(context.Background(), "sym", 0, []Operand{Symbol("lbn")}, nil)
	require.True(t, IsValidation(err))
	require.Contains(t, err.Error(), "operand 1 out of range")
}

func TestStreamIDString(t *testing.T) {
	require.Equal(t, "h2d:0", StreamID{Role: RoleCopyH2D, DeviceID: 0}.String())
	require.Equal(t, "collective:3", StreamID{Role: RoleCollective, DeviceID: 3}.String())
	require.Equal(t, "failed", StateFailed.String())
	require.True(t, StateCompleted.Terminal())
	require.False(t, StateScheduled.Terminal())
}

func TestOperandsOutliveCallerRelease(t *testing.T) {
	release := make(chan struct{})
	v := newTestVM(t, map[string]InstructionType{
		"touch": &fakeType{compute: func(instr *Instruction) error {
			<-release
			_, err := instr.Operands()[0].Object.Materialize()
			return err
		}},
	})
	obj := hostObject(t, v)
	instr, err := v.Submit(context.Background(), "touch", 0, []Operand{Mut(obj)}, nil)
	require.NoError(t, err)

	obj.Release()
	require.False(t, obj.Released(), "pending instruction holds a reference")
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, instr.Wait(ctx))
	require.True(t, obj.Released())
	require.Zero(t, v.Runtime().Allocated(device.HostMem()))
}
