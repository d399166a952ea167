package eager

import (
	"fmt"

	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/regst"
	"github.com/23skdu/longbow-eager/internal/vm"
)

// lazyReference binds a blob owned by the register manager into a slot.
// Operand 0 is the slot (mut), operand 1 the logical blob name.
type lazyReference struct {
	regst    *regst.Manager
	parallel regst.ParallelDesc
}

func (l *lazyReference) StreamRole() vm.StreamRole { return vm.RoleCompute }

func (l *lazyReference) Infer(instr *vm.Instruction) error {
	if l.regst == nil {
		return fmt.Errorf("%s: no register manager configured", instr.Name())
	}
	obj, err := objectOperand(instr, 0, vm.OperandMut)
	if err != nil {
		return err
	}
	if _, ok := obj.(*blob.Slot); !ok {
		return fmt.Errorf("%s: operand 0 must be a slot, got %T", instr.Name(), obj)
	}
	op, err := instr.Operand(1)
	if err != nil {
		return err
	}
	if op.Symbol == "" {
		return fmt.Errorf("%s: operand 1 must name a logical blob", instr.Name())
	}
	return nil
}

func (l *lazyReference) Compute(instr *vm.Instruction) error {
	ops := instr.Operands()
	slot := ops[0].Object.(*blob.Slot)
	lbn := ops[1].Symbol

	deviceID := instr.Stream().DeviceCtx().Device()
	parallelID := deviceID
	if l.parallel.ParallelNum() > 0 {
		var err error
		if parallelID, err = l.parallel.ParallelID(deviceID); err != nil {
			return err
		}
	}
	b, err := l.regst.Blob(lbn, parallelID)
	if err != nil {
		return err
	}
	slot.Init(blob.NewLazyRefObject(b))
	return nil
}
