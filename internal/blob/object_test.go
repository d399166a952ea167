package blob

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-eager/internal/device"
)

func TestDTypeSizes(t *testing.T) {
	tests := []struct {
		dtype DType
		size  int
		name  string
	}{
		{Bool, 1, "bool"},
		{Int8, 1, "int8"},
		{UInt8, 1, "uint8"},
		{Int32, 4, "int32"},
		{Int64, 8, "int64"},
		{Float16, 2, "float16"},
		{Float32, 4, "float32"},
		{Float64, 8, "float64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.size, tt.dtype.Size())
			require.Equal(t, tt.name, tt.dtype.String())
			parsed, err := ParseDType(tt.name)
			require.NoError(t, err)
			require.Equal(t, tt.dtype, parsed)
		})
	}
	require.False(t, InvalidDType.Valid())
	_, err := ParseDType("complex256")
	require.Error(t, err)
}

func TestShape(t *testing.T) {
	require.Equal(t, 1, Shape(nil).NumElements())
	require.Equal(t, 24, Shape{2, 3, 4}.NumElements())
	require.Equal(t, 0, Shape{4, 0}.NumElements())
	require.False(t, Shape{2, -1}.Valid())
	require.True(t, Shape{2, 3}.Equal(Shape{2, 3}))
	require.False(t, Shape{2, 3}.Equal(Shape{3, 2}))
	require.Equal(t, "(2,3)", Shape{2, 3}.String())
	require.Equal(t, 4096, ByteSize(Shape{1024}, Float32))
}

func TestNewBlobChecksByteSize(t *testing.T) {
	region := device.WrapHost(make([]byte, 16))
	_, err := NewBlob(Shape{8}, Float32, region)
	require.Error(t, err)

	b, err := NewBlob(Shape{2, 2}, Float32, region)
	require.NoError(t, err)
	require.Equal(t, 16, b.ByteSize())
	require.Len(t, b.Bytes(), 16)
}

func TestEagerObjectLifecycle(t *testing.T) {
	rt := device.NewRuntime(device.Options{NumDevices: 1, DeviceMemoryBytes: 1 << 20})
	obj, err := NewEagerObject(rt, device.DeviceMem(0), Shape{256}, Float32)
	require.NoError(t, err)
	require.True(t, obj.IsOwner())
	require.Nil(t, obj.Blob())
	require.Equal(t, 1024, obj.ByteSize())
	require.Zero(t, rt.Allocated(device.DeviceMem(0)))

	b, err := obj.Materialize()
	require.NoError(t, err)
	require.Equal(t, device.DeviceMem(0), b.MemCase())
	require.EqualValues(t, 1024, rt.Allocated(device.DeviceMem(0)))

	obj.Retain()
	obj.Release()
	require.False(t, obj.Released())
	require.EqualValues(t, 1024, rt.Allocated(device.DeviceMem(0)))

	obj.Release()
	require.True(t, obj.Released())
	require.Zero(t, rt.Allocated(device.DeviceMem(0)))

	obj.Release()
	_, err = obj.Materialize()
	require.ErrorIs(t, err, ErrReleased)
}

func TestEagerObjectSetShape(t *testing.T) {
	rt := device.NewRuntime(device.Options{NumDevices: 1, DeviceMemoryBytes: 1 << 20})
	obj, err := NewEagerObject(rt, device.HostMem(), Shape{16}, Float32)
	require.NoError(t, err)
	_, err = obj.Materialize()
	require.NoError(t, err)

	require.NoError(t, obj.SetShape(Shape{4, 4}, Int32))
	require.NotNil(t, obj.Blob(), "same byte size keeps memory")
	require.True(t, obj.Shape().Equal(Shape{4, 4}))

	require.NoError(t, obj.SetShape(Shape{64}, Float64))
	require.Nil(t, obj.Blob(), "growth drops memory for reallocation")
	b, err := obj.Materialize()
	require.NoError(t, err)
	require.Equal(t, 512, b.ByteSize())
}

func TestLazyRefNeverFrees(t *testing.T) {
	rt := device.NewRuntime(device.Options{NumDevices: 1, DeviceMemoryBytes: 1 << 20})
	region, err := rt.Malloc(device.DeviceMem(0), 64)
	require.NoError(t, err)
	owned, err := NewBlob(Shape{16}, Float32, region)
	require.NoError(t, err)

	ref := NewLazyRefObject(owned)
	require.False(t, ref.IsOwner())
	ref.Retain()
	ref.Release()
	ref.Release()
	require.EqualValues(t, 64, rt.Allocated(device.DeviceMem(0)))

	got, err := ref.Materialize()
	require.NoError(t, err)
	require.Same(t, owned, got)
}

func TestSlot(t *testing.T) {
	s := NewSlot()
	require.Nil(t, s.Blob())
	require.Zero(t, s.ByteSize())
	_, err := s.Materialize()
	require.ErrorIs(t, err, ErrUnbound)

	owned, err := NewBlob(Shape{4}, Int32, device.WrapHost(make([]byte, 16)))
	require.NoError(t, err)
	s.Init(NewLazyRefObject(owned))
	require.Equal(t, 16, s.ByteSize())
	require.Equal(t, Int32, s.DType())
	require.False(t, s.IsOwner())
	b, err := s.Materialize()
	require.NoError(t, err)
	require.Same(t, owned, b)
}
