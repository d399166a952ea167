package eager

import (
	"fmt"

	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/collective"
	"github.com/23skdu/longbow-eager/internal/vm"
)

// BoxingPayload names the planned request and the rank this instruction
// contributes.
type BoxingPayload struct {
	RequestID int
	Rank      int
}

// collectiveBoxing deposits one rank of a planned collective request.
// Operand 0 is the send buffer (const), operand 1 the receive buffer (mut);
// either may carry a nil object when the plan gives the rank no bytes. The
// instruction completes when the request's group has executed.
type collectiveBoxing struct {
	store *collective.RequestStore
}

func (c *collectiveBoxing) StreamRole() vm.StreamRole { return vm.RoleCollective }

func (c *collectiveBoxing) Infer(instr *vm.Instruction) error {
	if c.store == nil {
		return fmt.Errorf("%s: no collective boxing plan configured", instr.Name())
	}
	p, ok := instr.Payload().(BoxingPayload)
	if !ok {
		return fmt.Errorf("%s needs a BoxingPayload", instr.Name())
	}
	desc, ok := c.store.Plan().Lookup(p.RequestID)
	if !ok {
		return fmt.Errorf("request %d: %w", p.RequestID, collective.ErrUnknownRequest)
	}
	if p.Rank < 0 || p.Rank >= desc.Op.NumRanks {
		return fmt.Errorf("request %d: rank %d out of range [0,%d)", p.RequestID, p.Rank, desc.Op.NumRanks)
	}
	if dev := instr.Stream().DeviceCtx().Device(); desc.DeviceSet[p.Rank] != dev {
		return fmt.Errorf("request %d: rank %d belongs to device %d, submitted on %d", p.RequestID, p.Rank, desc.DeviceSet[p.Rank], dev)
	}

	checks := []struct {
		role vm.OperandRole
		want int
	}{
		{vm.OperandConst, desc.Op.SendBytes(p.Rank)},
		{vm.OperandMut, desc.Op.RecvBytes(p.Rank)},
	}
	for n, chk := range checks {
		op, err := instr.Operand(n)
		if err != nil {
			return err
		}
		got := 0
		if op.Object != nil {
			if op.Role != chk.role {
				return fmt.Errorf("%s: operand %d declared %s, want %s", instr.Name(), n, op.Role, chk.role)
			}
			if op.Object.DType() != desc.Op.DType {
				return fmt.Errorf("request %d: operand %d is %v, plan wants %v", p.RequestID, n, op.Object.DType(), desc.Op.DType)
			}
			got = op.Object.ByteSize()
		}
		if got != chk.want {
			return fmt.Errorf("request %d rank %d: operand %d is %d bytes, plan wants %d", p.RequestID, p.Rank, n, got, chk.want)
		}
	}
	return nil
}

func (c *collectiveBoxing) Compute(instr *vm.Instruction) error {
	p := instr.Payload().(BoxingPayload)
	ops := instr.Operands()
	send, err := bytesOf(ops[0].Object)
	if err != nil {
		return err
	}
	recv, err := bytesOf(ops[1].Object)
	if err != nil {
		return err
	}

	done := instr.Defer()
	_, err = c.store.AddRuntimeRequest(p.RequestID, collective.RuntimeRequest{
		Rank:     p.Rank,
		Send:     send,
		Recv:     recv,
		Callback: done,
	})
	return err
}

func bytesOf(obj blob.Object) ([]byte, error) {
	if obj == nil {
		return nil, nil
	}
	b, err := obj.Materialize()
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
