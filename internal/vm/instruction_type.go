package vm

import (
	"fmt"
	"sort"
	"sync"
)

// InstructionType is the handler behind an instruction name.
//
// Infer runs on the submitting goroutine before scheduling. It validates
// operands and may update metadata of mutable operands; it must not touch
// device memory or block. An Infer error rejects the instruction.
//
// Compute runs on the stream worker and performs the side effect. Errors
// classified by device.IsFatal abort the process; other errors fail only
// this instruction.
type InstructionType interface {
	StreamRole() StreamRole
	Infer(instr *Instruction) error
	Compute(instr *Instruction) error
}

// Registry maps instruction names to handlers. It is append-only and becomes
// read-only once sealed; the VM seals the registry it is built with.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]InstructionType
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]InstructionType)}
}

// Register adds a handler. Names cannot be re-registered or removed.
func (r *Registry) Register(name string, t InstructionType) error {
	if name == "" || t == nil {
		return fmt.Errorf("register %q: empty name or nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register %q: %w", name, ErrRegistrySealed)
	}
	if _, ok := r.types[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateInstruction)
	}
	r.types[name] = t
	return nil
}

// MustRegister is Register for process start-up code.
func (r *Registry) MustRegister(name string, t InstructionType) {
	if err := r.Register(name, t); err != nil {
		panic(err)
	}
}

func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

func (r *Registry) Lookup(name string) (InstructionType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
