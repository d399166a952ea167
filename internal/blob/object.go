package blob

import (
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/logger"
)

var (
	ErrUnbound  = errors.New("object slot is not bound")
	ErrReleased = errors.New("object already released")
	ErrNotOwner = errors.New("object does not own its memory")
)

// Object is a tensor buffer operand: metadata plus a handle to memory that
// is either owned (EagerObject) or aliased from an external owner
// (LazyRefObject).
type Object interface {
	Shape() Shape
	DType() DType
	MemCase() device.MemCase
	// ByteSize is derived from metadata and is valid before memory exists.
	ByteSize() int
	// Blob returns the materialized blob or nil.
	Blob() *Blob
	// Materialize returns the blob, allocating owned memory on first use.
	Materialize() (*Blob, error)
	IsOwner() bool
	Retain()
	Release()
}

// EagerObject owns its memory. Memory is allocated on first Materialize and
// freed when the last holder calls Release.
type EagerObject struct {
	rt      *device.Runtime
	memCase device.MemCase

	mu       sync.Mutex
	shape    Shape
	dtype    DType
	blob     *Blob
	refs     int
	released bool
}

func NewEagerObject(rt *device.Runtime, memCase device.MemCase, shape Shape, dtype DType) (*EagerObject, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("invalid dtype %v", dtype)
	}
	if !shape.Valid() {
		return nil, fmt.Errorf("invalid shape %v", shape)
	}
	return &EagerObject{rt: rt, memCase: memCase, shape: shape.Clone(), dtype: dtype, refs: 1}, nil
}

func (o *EagerObject) Shape() Shape {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shape
}

func (o *EagerObject) DType() DType {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dtype
}

func (o *EagerObject) MemCase() device.MemCase { return o.memCase }
func (o *EagerObject) IsOwner() bool           { return true }

func (o *EagerObject) ByteSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ByteSize(o.shape, o.dtype)
}

func (o *EagerObject) Blob() *Blob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.blob
}

// SetShape updates metadata. Existing memory is kept when it is large enough
// and dropped otherwise so the next Materialize reallocates.
func (o *EagerObject) SetShape(shape Shape, dtype DType) error {
	if !dtype.Valid() || !shape.Valid() {
		return fmt.Errorf("invalid metadata %v %v", dtype, shape)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return ErrReleased
	}
	o.shape, o.dtype = shape.Clone(), dtype
	if o.blob == nil {
		return nil
	}
	region := o.blob.Region()
	if region.Len() >= ByteSize(shape, dtype) {
		o.blob = &Blob{shape: o.shape, dtype: dtype, region: region}
		return nil
	}
	o.rt.Free(region)
	o.blob = nil
	return nil
}

func (o *EagerObject) Materialize() (*Blob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return nil, ErrReleased
	}
	if o.blob != nil {
		return o.blob, nil
	}
	region, err := o.rt.Malloc(o.memCase, ByteSize(o.shape, o.dtype))
	if err != nil {
		return nil, err
	}
	b, err := NewBlob(o.shape, o.dtype, region)
	if err != nil {
		o.rt.Free(region)
		return nil, err
	}
	o.blob = b
	return b, nil
}

func (o *EagerObject) Retain() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs++
}

func (o *EagerObject) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		logger.Log.Warn("release of freed object", "mem_case", o.memCase.String())
		return
	}
	o.refs--
	if o.refs > 0 {
		return
	}
	o.released = true
	if o.blob != nil {
		o.rt.Free(o.blob.Region())
		o.blob = nil
	}
}

// Released reports whether the memory has been returned to the runtime.
func (o *EagerObject) Released() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.released
}

// LazyRefObject aliases a blob owned by something outside the engine. It
// never frees that memory.
type LazyRefObject struct {
	blob *Blob
}

func NewLazyRefObject(b *Blob) *LazyRefObject { return &LazyRefObject{blob: b} }

func (o *LazyRefObject) Shape() Shape                { return o.blob.Shape() }
func (o *LazyRefObject) DType() DType                { return o.blob.DType() }
func (o *LazyRefObject) MemCase() device.MemCase     { return o.blob.MemCase() }
func (o *LazyRefObject) ByteSize() int               { return o.blob.ByteSize() }
func (o *LazyRefObject) Blob() *Blob                 { return o.blob }
func (o *LazyRefObject) Materialize() (*Blob, error) { return o.blob, nil }
func (o *LazyRefObject) IsOwner() bool               { return false }
func (o *LazyRefObject) Retain()                     {}
func (o *LazyRefObject) Release()                    {}

// Slot is a rebindable operand cell. An instruction can declare a Slot as a
// mutable operand and bind the object it produces into it.
type Slot struct {
	mu  sync.RWMutex
	obj Object
}

func NewSlot() *Slot { return &Slot{} }

// Init binds obj, releasing any previously bound object.
func (s *Slot) Init(obj Object) {
	s.mu.Lock()
	prev := s.obj
	s.obj = obj
	s.mu.Unlock()
	if prev != nil && prev != obj {
		prev.Release()
	}
}

func (s *Slot) Object() Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.obj
}

func (s *Slot) Shape() Shape {
	if o := s.Object(); o != nil {
		return o.Shape()
	}
	return nil
}

func (s *Slot) DType() DType {
	if o := s.Object(); o != nil {
		return o.DType()
	}
	return InvalidDType
}

func (s *Slot) MemCase() device.MemCase {
	if o := s.Object(); o != nil {
		return o.MemCase()
	}
	return device.HostMem()
}

func (s *Slot) ByteSize() int {
	if o := s.Object(); o != nil {
		return o.ByteSize()
	}
	return 0
}

func (s *Slot) Blob() *Blob {
	if o := s.Object(); o != nil {
		return o.Blob()
	}
	return nil
}

func (s *Slot) Materialize() (*Blob, error) {
	if o := s.Object(); o != nil {
		return o.Materialize()
	}
	return nil, ErrUnbound
}

func (s *Slot) IsOwner() bool {
	if o := s.Object(); o != nil {
		return o.IsOwner()
	}
	return false
}

func (s *Slot) Retain() {
	if o := s.Object(); o != nil {
		o.Retain()
	}
}

func (s *Slot) Release() {
	if o := s.Object(); o != nil {
		o.Release()
	}
}
