package eager

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/vm"
)

const (
	ModifierConst = "const"
	ModifierMut   = "mut"
)

var ErrReadOnly = errors.New("blob accessed read-only")

// AccessPayload is the payload of AccessBlobByCallback. Modifier must match
// the role of the single operand.
type AccessPayload struct {
	Callback func(*OfBlob) error
	Modifier string
}

// OfBlob is what an access callback sees: blob metadata plus copies in and
// out of caller memory.
type OfBlob struct {
	dctx    *device.Context
	blob    *blob.Blob
	mutable bool
}

func (o *OfBlob) Shape() blob.Shape       { return o.blob.Shape() }
func (o *OfBlob) DType() blob.DType       { return o.blob.DType() }
func (o *OfBlob) MemCase() device.MemCase { return o.blob.MemCase() }
func (o *OfBlob) ByteSize() int           { return o.blob.ByteSize() }

// CopyToBuffer copies the whole blob into dst, which must be exactly
// ByteSize long.
func (o *OfBlob) CopyToBuffer(dst []byte) error {
	if len(dst) != o.ByteSize() {
		return fmt.Errorf("copy to buffer: have %d bytes, blob is %d", len(dst), o.ByteSize())
	}
	return o.dctx.SyncAutoMemcpy(device.WrapHost(dst), o.blob.Region(), len(dst))
}

// CopyFromBuffer overwrites the blob with src.
func (o *OfBlob) CopyFromBuffer(src []byte) error {
	if !o.mutable {
		return ErrReadOnly
	}
	if len(src) != o.ByteSize() {
		return fmt.Errorf("copy from buffer: have %d bytes, blob is %d", len(src), o.ByteSize())
	}
	return o.dctx.SyncAutoMemcpy(o.blob.Region(), device.WrapHost(src), len(src))
}

type accessBlobByCallback struct{}

func (a *accessBlobByCallback) StreamRole() vm.StreamRole { return vm.RoleDeviceHelper }

func (a *accessBlobByCallback) Infer(instr *vm.Instruction) error {
	p, ok := instr.Payload().(AccessPayload)
	if !ok || p.Callback == nil {
		return fmt.Errorf("%s needs an AccessPayload with a callback", instr.Name())
	}
	var role vm.OperandRole
	switch p.Modifier {
	case ModifierConst:
		role = vm.OperandConst
	case ModifierMut:
		role = vm.OperandMut
	default:
		return fmt.Errorf("unknown access modifier %q", p.Modifier)
	}
	_, err := objectOperand(instr, 0, role)
	return err
}

func (a *accessBlobByCallback) Compute(instr *vm.Instruction) error {
	p := instr.Payload().(AccessPayload)
	b, err := instr.Operands()[0].Object.Materialize()
	if err != nil {
		return err
	}
	return p.Callback(&OfBlob{
		dctx:    instr.Stream().DeviceCtx(),
		blob:    b,
		mutable: p.Modifier == ModifierMut,
	})
}
