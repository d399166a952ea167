package vm

import (
	"sync"

	"github.com/23skdu/longbow-eager/internal/blob"
)

// access is the outstanding use of one object: the last writer and the
// readers submitted after it.
type access struct {
	writer  *Instruction
	readers []*Instruction
}

// tracker orders instructions that share operands. A mutable use waits for
// the previous writer and every reader since; a const use waits for the
// previous writer. Two writers on one object therefore never overlap.
type tracker struct {
	mu      sync.Mutex
	objects map[blob.Object]*access
}

func newTracker() *tracker {
	return &tracker{objects: make(map[blob.Object]*access)}
}

// record computes instr's dependencies and registers its own uses. Callers
// hold the VM submit lock so recording order equals queue order.
func (t *tracker) record(instr *Instruction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[*Instruction]bool)
	addDep := func(d *Instruction) {
		if d == nil || d == instr || seen[d] {
			return
		}
		select {
		case <-d.done:
			if d.err == nil {
				return
			}
		default:
		}
		seen[d] = true
		instr.deps = append(instr.deps, d)
	}

	mutated := make(map[blob.Object]bool)
	for _, op := range instr.operands {
		if op.Object != nil && op.Role == OperandMut {
			mutated[op.Object] = true
		}
	}

	for _, op := range instr.operands {
		if op.Object == nil {
			continue
		}
		a := t.objects[op.Object]
		if a == nil {
			a = &access{}
			t.objects[op.Object] = a
		}
		if mutated[op.Object] {
			if op.Role != OperandMut {
				// the mut declaration of the same object covers it
				continue
			}
			addDep(a.writer)
			for _, r := range a.readers {
				addDep(r)
			}
			a.writer = instr
			a.readers = nil
			continue
		}
		addDep(a.writer)
		a.readers = append(a.readers, instr)
	}
}

// forget drops instr from the objects it touched once it is terminal.
func (t *tracker) forget(instr *Instruction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, op := range instr.operands {
		if op.Object == nil {
			continue
		}
		a := t.objects[op.Object]
		if a == nil {
			continue
		}
		if a.writer == instr {
			a.writer = nil
		}
		for n, r := range a.readers {
			if r == instr {
				a.readers = append(a.readers[:n], a.readers[n+1:]...)
				break
			}
		}
		if a.writer == nil && len(a.readers) == 0 {
			delete(t.objects, op.Object)
		}
	}
}

// size is the number of objects with outstanding uses.
func (t *tracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}
