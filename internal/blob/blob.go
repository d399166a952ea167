package blob

import (
	"fmt"

	"github.com/23skdu/longbow-eager/internal/device"
)

// Blob is a shaped, typed view over a memory region.
type Blob struct {
	shape  Shape
	dtype  DType
	region *device.Region
}

// NewBlob rejects regions shorter than shape volume times element size.
func NewBlob(shape Shape, dtype DType, region *device.Region) (*Blob, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("invalid dtype %v", dtype)
	}
	if !shape.Valid() {
		return nil, fmt.Errorf("invalid shape %v", shape)
	}
	if region == nil {
		return nil, fmt.Errorf("nil region")
	}
	if need := ByteSize(shape, dtype); region.Len() < need {
		return nil, fmt.Errorf("region of %d bytes too small for %v %v (%d bytes)", region.Len(), dtype, shape, need)
	}
	return &Blob{shape: shape.Clone(), dtype: dtype, region: region}, nil
}

func (b *Blob) Shape() Shape            { return b.shape }
func (b *Blob) DType() DType            { return b.dtype }
func (b *Blob) Region() *device.Region  { return b.region }
func (b *Blob) MemCase() device.MemCase { return b.region.MemCase() }
func (b *Blob) ByteSize() int           { return ByteSize(b.shape, b.dtype) }

// Bytes is the body of the blob, exactly ByteSize long.
func (b *Blob) Bytes() []byte { return b.region.Bytes()[:b.ByteSize()] }

func (b *Blob) String() string {
	return fmt.Sprintf("blob<%v%v@%s>", b.dtype, b.shape, b.MemCase())
}
