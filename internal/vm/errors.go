package vm

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownInstruction   = errors.New("unknown instruction")
	ErrDuplicateInstruction = errors.New("instruction already registered")
	ErrRegistrySealed       = errors.New("instruction registry is sealed")
	ErrShutdown             = errors.New("vm is shut down")
	ErrDependencyFailed     = errors.New("dependency failed")
)

// ValidationError is raised by Infer. It is the only error class a caller
// can recover from by resubmitting with corrected operands.
type ValidationError struct {
	Instruction string
	Err         error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %v", e.Instruction, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
