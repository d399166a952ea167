package eager

import (
	"fmt"

	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/vm"
)

// copyBlobToOtherDevice copies operand 0 (const) into operand 1 (mut). The
// h2d and d2h names only differ in the stream they run on.
type copyBlobToOtherDevice struct {
	role vm.StreamRole
}

func (c *copyBlobToOtherDevice) StreamRole() vm.StreamRole { return c.role }

func (c *copyBlobToOtherDevice) Infer(instr *vm.Instruction) error {
	src, err := objectOperand(instr, 0, vm.OperandConst)
	if err != nil {
		return err
	}
	dst, err := objectOperand(instr, 1, vm.OperandMut)
	if err != nil {
		return err
	}
	if src.ByteSize() != dst.ByteSize() {
		return fmt.Errorf("byte size mismatch: src %v%v is %d bytes, dst %v%v is %d bytes",
			src.DType(), src.Shape(), src.ByteSize(), dst.DType(), dst.Shape(), dst.ByteSize())
	}
	if eo, ok := dst.(*blob.EagerObject); ok && (eo.DType() != src.DType() || !eo.Shape().Equal(src.Shape())) {
		return eo.SetShape(src.Shape(), src.DType())
	}
	return nil
}

func (c *copyBlobToOtherDevice) Compute(instr *vm.Instruction) (err error) {
	ops := instr.Operands()
	srcBlob, err := ops[0].Object.Materialize()
	if err != nil {
		return err
	}
	dstBlob, err := ops[1].Object.Materialize()
	if err != nil {
		return err
	}

	dctx := instr.Stream().DeviceCtx()
	var host *device.Region
	switch {
	case srcBlob.MemCase().IsHost() && dstBlob.MemCase().IsDevice():
		host = srcBlob.Region()
	case srcBlob.MemCase().IsDevice() && dstBlob.MemCase().IsHost():
		host = dstBlob.Region()
	}
	release, err := device.Pin(dctx.Runtime(), host)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return dctx.SyncAutoMemcpy(dstBlob.Region(), srcBlob.Region(), srcBlob.ByteSize())
}
