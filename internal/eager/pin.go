package eager

import (
	"fmt"

	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/vm"
)

// hostRegisterBlob pins or unpins the host memory of operand 0 until the
// opposite instruction runs. Page-locked memory and repeated calls are
// no-ops.
type hostRegisterBlob struct {
	register bool
}

func (h *hostRegisterBlob) StreamRole() vm.StreamRole { return vm.RoleDeviceHelper }

func (h *hostRegisterBlob) Infer(instr *vm.Instruction) error {
	obj, err := objectOperand(instr, 0, vm.OperandMut)
	if err != nil {
		return err
	}
	if !obj.MemCase().IsHost() {
		return fmt.Errorf("%s requires host memory, got %s", instr.Name(), obj.MemCase())
	}
	return nil
}

func (h *hostRegisterBlob) Compute(instr *vm.Instruction) error {
	b, err := instr.Operands()[0].Object.Materialize()
	if err != nil {
		return err
	}
	rt := instr.Stream().DeviceCtx().Runtime()
	if h.register {
		return device.Register(rt, b.Region())
	}
	return device.Unregister(rt, b.Region())
}
