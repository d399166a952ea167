// Package eager holds the instruction types the eager engine registers with
// the VM: cross-device copies, host pinning, blob access callbacks, lazy
// references and collective boxing.
package eager

import (
	"fmt"

	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/collective"
	"github.com/23skdu/longbow-eager/internal/regst"
	"github.com/23skdu/longbow-eager/internal/vm"
)

// Registered instruction names.
const (
	CopyH2D              = "cpu.to.gpu.CopyBlobToOtherDevice"
	CopyD2H              = "gpu.to.cpu.CopyBlobToOtherDevice"
	HostRegisterBlob     = "HostRegisterBlob"
	HostUnregisterBlob   = "HostUnregisterBlob"
	AccessBlobByCallback = "AccessBlobByCallback"
	LazyReference        = "LazyReference"
	CollectiveBoxing     = "CollectiveBoxing"
)

// Options carries the collaborators some instruction types need. Unset
// collaborators make the corresponding instructions fail validation.
type Options struct {
	Regst    *regst.Manager
	Parallel regst.ParallelDesc
	Boxing   *collective.RequestStore
}

// Register adds every eager instruction type to reg.
func Register(reg *vm.Registry, opts Options) error {
	types := []struct {
		name string
		typ  vm.InstructionType
	}{
		{CopyH2D, &copyBlobToOtherDevice{role: vm.RoleCopyH2D}},
		{CopyD2H, &copyBlobToOtherDevice{role: vm.RoleCopyD2H}},
		{HostRegisterBlob, &hostRegisterBlob{register: true}},
		{HostUnregisterBlob, &hostRegisterBlob{register: false}},
		{AccessBlobByCallback, &accessBlobByCallback{}},
		{LazyReference, &lazyReference{regst: opts.Regst, parallel: opts.Parallel}},
		{CollectiveBoxing, &collectiveBoxing{store: opts.Boxing}},
	}
	for _, t := range types {
		if err := reg.Register(t.name, t.typ); err != nil {
			return err
		}
	}
	return nil
}

// CopyName picks the copy instruction whose stream suits the endpoints:
// anything leaving a device uses the d2h lane, everything else h2d.
func CopyName(src, dst blob.Object) string {
	if src.MemCase().IsDevice() && !dst.MemCase().IsDevice() {
		return CopyD2H
	}
	return CopyH2D
}

// objectOperand returns operand n after checking it carries an object with
// the expected role.
func objectOperand(instr *vm.Instruction, n int, role vm.OperandRole) (blob.Object, error) {
	op, err := instr.Operand(n)
	if err != nil {
		return nil, err
	}
	if op.Object == nil {
		return nil, fmt.Errorf("%s: operand %d is not an object", instr.Name(), n)
	}
	if op.Role != role {
		return nil, fmt.Errorf("%s: operand %d declared %s, want %s", instr.Name(), n, op.Role, role)
	}
	return op.Object, nil
}
