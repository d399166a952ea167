package tensor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/eager"
	"github.com/23skdu/longbow-eager/internal/regst"
	"github.com/23skdu/longbow-eager/internal/vm"
)

func newTestEngine(t *testing.T, waitTimeout time.Duration, opts eager.Options) (*Engine, *device.Runtime) {
	t.Helper()
	rt := device.NewRuntime(device.Options{NumDevices: 2, DeviceMemoryBytes: 1 << 20, PinnedBudgetBytes: 1 << 20})
	reg := vm.NewRegistry()
	require.NoError(t, eager.Register(reg, opts))
	v := vm.New(rt, reg, vm.WithFatalHandler(func(err error) { t.Errorf("unexpected fatal: %v", err) }))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, v.Shutdown(ctx))
	})
	return NewEngine(v, waitTimeout), rt
}

func TestDTypeOf(t *testing.T) {
	require.Equal(t, blob.Bool, DTypeOf[bool]())
	require.Equal(t, blob.Int8, DTypeOf[int8]())
	require.Equal(t, blob.UInt8, DTypeOf[uint8]())
	require.Equal(t, blob.Int32, DTypeOf[int32]())
	require.Equal(t, blob.Int64, DTypeOf[int64]())
	require.Equal(t, blob.Float16, DTypeOf[float16.Float16]())
	require.Equal(t, blob.Float32, DTypeOf[float32]())
	require.Equal(t, blob.Float64, DTypeOf[float64]())
}

func TestRoundTripThroughDevice(t *testing.T) {
	e, rt := newTestEngine(t, 5*time.Second, eager.Options{})
	ctx := context.Background()

	data := make([]float32, 1024)
	for i := range data {
		data[i] = float32(i) * 0.5
	}
	host, err := FromHost(ctx, e, device.HostMem(), blob.Shape{32, 32}, data)
	require.NoError(t, err)

	dev, err := host.To(ctx, device.DeviceMem(1))
	require.NoError(t, err)
	require.True(t, dev.IsCuda())
	require.Equal(t, "cuda:1", dev.Device())
	require.Equal(t, blob.Shape{32, 32}, dev.Shape())

	back, err := dev.To(ctx, device.HostMem())
	require.NoError(t, err)
	require.False(t, back.IsCuda())
	require.Equal(t, "cpu", back.Device())

	got := make([]float32, 1024)
	require.NoError(t, CopyToHost(ctx, back, got))
	require.Equal(t, data, got)
	require.Zero(t, rt.PinnedBytes())

	back.Release()
	dev.Release()
	host.Release()
}

func TestFloat16AndBool(t *testing.T) {
	e, _ := newTestEngine(t, 5*time.Second, eager.Options{})
	ctx := context.Background()

	halves := []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2), float16.Fromfloat32(0.25)}
	h, err := FromHost(ctx, e, device.DeviceMem(0), blob.Shape{3}, halves)
	require.NoError(t, err)
	gotH := make([]float16.Float16, 3)
	require.NoError(t, CopyToHost(ctx, h, gotH))
	require.Equal(t, halves, gotH)

	flags := []bool{true, false, true, true}
	b, err := FromHost(ctx, e, device.PinnedHostMem(), blob.Shape{2, 2}, flags)
	require.NoError(t, err)
	gotB := make([]bool, 4)
	require.NoError(t, CopyToHost(ctx, b, gotB))
	require.Equal(t, flags, gotB)
}

func TestHostBufferChecked(t *testing.T) {
	e, _ := newTestEngine(t, 5*time.Second, eager.Options{})
	ctx := context.Background()
	tn, err := e.Empty(device.HostMem(), blob.Shape{4}, blob.Int32)
	require.NoError(t, err)

	require.Error(t, CopyToHost(ctx, tn, make([]int64, 4)))
	require.Error(t, CopyToHost(ctx, tn, make([]int32, 3)))
	require.Error(t, CopyFromHost(ctx, tn, make([]int32, 5)))
	require.NoError(t, CopyFromHost(ctx, tn, []int32{1, 2, 3, 4}))
}

func TestToSamePlacementSharesBuffer(t *testing.T) {
	e, _ := newTestEngine(t, 5*time.Second, eager.Options{})
	ctx := context.Background()
	a, err := FromHost(ctx, e, device.HostMem(), blob.Shape{2}, []int64{7, 8})
	require.NoError(t, err)
	b, err := a.To(ctx, device.HostMem())
	require.NoError(t, err)
	require.Same(t, a.Object(), b.Object())

	a.Release()
	got := make([]int64, 2)
	require.NoError(t, CopyToHost(ctx, b, got))
	require.Equal(t, []int64{7, 8}, got)
}

func TestPinUnpin(t *testing.T) {
	e, rt := newTestEngine(t, 5*time.Second, eager.Options{})
	ctx := context.Background()
	tn, err := FromHost(ctx, e, device.HostMem(), blob.Shape{256}, make([]uint8, 256))
	require.NoError(t, err)

	require.NoError(t, tn.Pin(ctx))
	require.EqualValues(t, 256, rt.PinnedBytes())
	require.NoError(t, tn.Pin(ctx))
	require.NoError(t, tn.Unpin(ctx))
	require.Zero(t, rt.PinnedBytes())

	dev, err := e.Empty(device.DeviceMem(0), blob.Shape{4}, blob.Float32)
	require.NoError(t, err)
	err = dev.Pin(ctx)
	require.True(t, vm.IsValidation(err), "got %v", err)
}

func TestLazyTensor(t *testing.T) {
	rt := device.NewRuntime(device.Options{NumDevices: 1, DeviceMemoryBytes: 1 << 20})
	mgr := regst.NewManager()
	region, err := rt.Malloc(device.HostMem(), 8)
	require.NoError(t, err)
	b, err := blob.NewBlob(blob.Shape{2}, blob.Int32, region)
	require.NoError(t, err)
	copy(b.Bytes(), []byte{5, 0, 0, 0, 6, 0, 0, 0})
	mgr.Register("model/out", 0, b)

	e, _ := newTestEngine(t, 5*time.Second, eager.Options{Regst: mgr})
	ctx := context.Background()
	slot := blob.NewSlot()
	instr, err := e.VM().Submit(ctx, eager.LazyReference, 0, []vm.Operand{vm.Mut(slot), vm.Symbol("model/out")}, nil)
	require.NoError(t, err)
	require.NoError(t, e.wait(ctx, instr))

	tn := e.Wrap(slot)
	require.True(t, tn.IsLazy())
	got := make([]int32, 2)
	require.NoError(t, CopyToHost(ctx, tn, got))
	require.Equal(t, []int32{5, 6}, got)
}

// blockHelper parks the helper stream of device 0 behind a writer on tn
// until the returned channel is closed.
func blockHelper(t *testing.T, e *Engine, tn *Tensor) chan struct{} {
	t.Helper()
	release := make(chan struct{})
	_, err := e.VM().Submit(context.Background(), eager.AccessBlobByCallback, 0, []vm.Operand{vm.Mut(tn.Object())}, eager.AccessPayload{
		Modifier: eager.ModifierMut,
		Callback: func(*eager.OfBlob) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)
	return release
}

func TestBlockingReadIsBounded(t *testing.T) {
	e, _ := newTestEngine(t, 50*time.Millisecond, eager.Options{})
	ctx := context.Background()
	tn, err := e.Empty(device.HostMem(), blob.Shape{4}, blob.Float32)
	require.NoError(t, err)

	release := blockHelper(t, e, tn)
	err = CopyToHost(ctx, tn, make([]float32, 4))
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	close(release)
	require.NoError(t, e.VM().Sync(ctx))
}

func TestTimedOutReadNeverWritesCallerBuffer(t *testing.T) {
	e, _ := newTestEngine(t, 50*time.Millisecond, eager.Options{})
	ctx := context.Background()
	tn, err := FromHost(ctx, e, device.HostMem(), blob.Shape{4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	release := blockHelper(t, e, tn)
	dst := make([]float32, 4)
	err = CopyToHost(ctx, tn, dst)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	close(release)
	require.NoError(t, e.VM().Sync(ctx))
	require.Equal(t, []float32{0, 0, 0, 0}, dst)

	require.NoError(t, CopyToHost(ctx, tn, dst))
	require.Equal(t, []float32{1, 2, 3, 4}, dst)
}

func TestTimedOutWriteUsesSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, 50*time.Millisecond, eager.Options{})
	ctx := context.Background()
	tn, err := e.Empty(device.DeviceMem(0), blob.Shape{4}, blob.Int32)
	require.NoError(t, err)

	release := blockHelper(t, e, tn)
	src := []int32{9, 9, 9, 9}
	err = CopyFromHost(ctx, tn, src)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	for i := range src {
		src[i] = 5
	}

	close(release)
	require.NoError(t, e.VM().Sync(ctx))
	got := make([]int32, 4)
	require.NoError(t, CopyToHost(ctx, tn, got))
	require.Equal(t, []int32{9, 9, 9, 9}, got)
}
