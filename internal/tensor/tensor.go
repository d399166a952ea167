// Package tensor is the host-binding surface of the engine: typed blocking
// reads and writes between caller memory and tensor buffers, metadata
// accessors and device moves.
package tensor

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/eager"
	"github.com/23skdu/longbow-eager/internal/vm"
)

// Element lists the Go types a tensor can be read into or written from.
type Element interface {
	bool | int8 | uint8 | int32 | int64 | float16.Float16 | float32 | float64
}

// DTypeOf maps an element type to its dtype.
func DTypeOf[T Element]() blob.DType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return blob.Bool
	case int8:
		return blob.Int8
	case uint8:
		return blob.UInt8
	case int32:
		return blob.Int32
	case int64:
		return blob.Int64
	case float16.Float16:
		return blob.Float16
	case float32:
		return blob.Float32
	case float64:
		return blob.Float64
	}
	return blob.InvalidDType
}

// Engine submits binding instructions to a VM. Every blocking call is
// bounded by the wait timeout on top of the caller's context.
type Engine struct {
	vm          *vm.VM
	waitTimeout time.Duration
}

func NewEngine(v *vm.VM, waitTimeout time.Duration) *Engine {
	return &Engine{vm: v, waitTimeout: waitTimeout}
}

func (e *Engine) VM() *vm.VM { return e.vm }

// Tensor is a handle on a tensor buffer object.
type Tensor struct {
	eng *Engine
	obj blob.Object
}

// Empty creates a tensor whose memory is allocated on first use.
func (e *Engine) Empty(mc device.MemCase, shape blob.Shape, dtype blob.DType) (*Tensor, error) {
	obj, err := blob.NewEagerObject(e.vm.Runtime(), mc, shape, dtype)
	if err != nil {
		return nil, err
	}
	return &Tensor{eng: e, obj: obj}, nil
}

// Wrap makes a tensor of an existing object, e.g. a slot bound by a lazy
// reference.
func (e *Engine) Wrap(obj blob.Object) *Tensor { return &Tensor{eng: e, obj: obj} }

// FromHost creates a tensor on mc holding a copy of data.
func FromHost[T Element](ctx context.Context, e *Engine, mc device.MemCase, shape blob.Shape, data []T) (*Tensor, error) {
	t, err := e.Empty(mc, shape, DTypeOf[T]())
	if err != nil {
		return nil, err
	}
	if err := CopyFromHost(ctx, t, data); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

func (t *Tensor) Object() blob.Object     { return t.obj }
func (t *Tensor) Shape() blob.Shape       { return t.obj.Shape() }
func (t *Tensor) DType() blob.DType       { return t.obj.DType() }
func (t *Tensor) MemCase() device.MemCase { return t.obj.MemCase() }

// IsCuda reports whether the buffer lives in accelerator memory.
func (t *Tensor) IsCuda() bool { return t.obj.MemCase().IsDevice() }

// IsLazy reports whether the buffer is borrowed from the static runtime.
func (t *Tensor) IsLazy() bool { return !t.obj.IsOwner() }

// Device names the placement the way callers spell it: "cpu" or "cuda:N".
func (t *Tensor) Device() string {
	mc := t.obj.MemCase()
	if mc.IsDevice() {
		return fmt.Sprintf("cuda:%d", mc.DeviceID)
	}
	return "cpu"
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor(%v%v, device=%s)", t.DType(), t.Shape(), t.Device())
}

// Release drops this handle's reference to the buffer.
func (t *Tensor) Release() { t.obj.Release() }

func (t *Tensor) deviceID() int {
	if mc := t.obj.MemCase(); mc.IsDevice() {
		return mc.DeviceID
	}
	return 0
}

func (t *Tensor) submitAndWait(ctx context.Context, name string, ops []vm.Operand, payload any) error {
	instr, err := t.eng.vm.Submit(ctx, name, t.deviceID(), ops, payload)
	if err != nil {
		return err
	}
	return t.eng.wait(ctx, instr)
}

func (e *Engine) wait(ctx context.Context, instr *vm.Instruction) error {
	if e.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.waitTimeout)
		defer cancel()
	}
	return instr.Wait(ctx)
}

// To returns a copy of t on mc. The copy is ordered before any later use of
// either tensor, so To does not wait for it.
func (t *Tensor) To(ctx context.Context, mc device.MemCase) (*Tensor, error) {
	if t.obj.MemCase() == mc {
		t.obj.Retain()
		return &Tensor{eng: t.eng, obj: t.obj}, nil
	}
	dst, err := t.eng.Empty(mc, t.Shape(), t.DType())
	if err != nil {
		return nil, err
	}
	deviceID := t.deviceID()
	if mc.IsDevice() {
		deviceID = mc.DeviceID
	}
	_, err = t.eng.vm.Submit(ctx, eager.CopyName(t.obj, dst.obj), deviceID, []vm.Operand{vm.Const(t.obj), vm.Mut(dst.obj)}, nil)
	if err != nil {
		dst.Release()
		return nil, err
	}
	return dst, nil
}

// Pin keeps the host buffer registered until Unpin.
func (t *Tensor) Pin(ctx context.Context) error {
	return t.submitAndWait(ctx, eager.HostRegisterBlob, []vm.Operand{vm.Mut(t.obj)}, nil)
}

func (t *Tensor) Unpin(ctx context.Context) error {
	return t.submitAndWait(ctx, eager.HostUnregisterBlob, []vm.Operand{vm.Mut(t.obj)}, nil)
}

func checkHostBuffer[T Element](t *Tensor, n int) error {
	if dt := DTypeOf[T](); dt != t.DType() {
		return fmt.Errorf("element type %v does not match tensor dtype %v", dt, t.DType())
	}
	if want := t.Shape().NumElements(); n != want {
		return fmt.Errorf("buffer holds %d elements, tensor has %d", n, want)
	}
	return nil
}

// asBytes views a host slice as raw little-endian bytes.
func asBytes[T Element](s []T) []byte {
	if len(s) == 0 {
		return []byte{}
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}

// CopyToHost blocks until dst holds the tensor's contents. The read lands
// in a staging buffer and reaches dst only after the wait succeeds, so a
// timed-out call never writes into dst later.
func CopyToHost[T Element](ctx context.Context, t *Tensor, dst []T) error {
	if err := checkHostBuffer[T](t, len(dst)); err != nil {
		return err
	}
	out := asBytes(dst)
	stage := make([]byte, len(out))
	err := t.submitAndWait(ctx, eager.AccessBlobByCallback, []vm.Operand{vm.Const(t.obj)}, eager.AccessPayload{
		Modifier: eager.ModifierConst,
		Callback: func(ob *eager.OfBlob) error { return ob.CopyToBuffer(stage) },
	})
	if err != nil {
		return err
	}
	copy(out, stage)
	return nil
}

// CopyFromHost blocks until the tensor holds the contents of src. src is
// snapshotted before submission and is free for reuse once the call
// returns, even on timeout.
func CopyFromHost[T Element](ctx context.Context, t *Tensor, src []T) error {
	if err := checkHostBuffer[T](t, len(src)); err != nil {
		return err
	}
	stage := append([]byte(nil), asBytes(src)...)
	return t.submitAndWait(ctx, eager.AccessBlobByCallback, []vm.Operand{vm.Mut(t.obj)}, eager.AccessPayload{
		Modifier: eager.ModifierMut,
		Callback: func(ob *eager.OfBlob) error { return ob.CopyFromBuffer(stage) },
	})
}
