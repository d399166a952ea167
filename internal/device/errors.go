package device

import (
	"fmt"

	"github.com/pkg/errors"
)

// Benign registration states. Callers treat these as no-ops.
var (
	ErrHostMemoryAlreadyRegistered = errors.New("host memory already registered")
	ErrHostMemoryNotRegistered     = errors.New("host memory not registered")
)

// Conditions the engine cannot roll back from. They are always returned
// wrapped in a *FatalError.
var (
	ErrOutOfMemory          = errors.New("out of memory")
	ErrPinnedBudgetExceeded = errors.New("pinned memory budget exceeded")
	ErrInvalidDevice        = errors.New("invalid device")
	ErrInvalidCopy          = errors.New("invalid copy")
	ErrNotHostMemory        = errors.New("not host memory")
)

// FatalError marks a device failure that leaves memory in an unknown state.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal device error in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Format prints the wrapped error's stack with %+v.
func (e *FatalError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "fatal device error in %s: %+v", e.Op, e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}

func fatal(op string, err error) error {
	return &FatalError{Op: op, Err: errors.WithStack(err)}
}

// IsFatal reports whether err carries a *FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
