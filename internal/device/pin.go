package device

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-eager/internal/logger"
)

// Release undoes a scoped registration. It is safe to call more than once.
type Release func() error

func noRelease() error { return nil }

// Pin holds a host region registered for the duration of one transfer.
// Holds are counted: concurrent transfers of one region share the
// registration and only the last release drops it, and a registration made
// outside any transfer is never dropped. Device and page-locked regions
// need no hold and get a Release that does nothing.
func Pin(rt *Runtime, r *Region) (Release, error) {
	if r == nil || r.Len() == 0 || !r.MemCase().IsHost() || r.MemCase().HasPinnedMem() {
		return noRelease, nil
	}
	if err := rt.acquirePin(r); err != nil {
		return noRelease, err
	}

	var once sync.Once
	var releaseErr error
	return func() error {
		once.Do(func() {
			err := rt.releasePin(r)
			if errors.Is(err, ErrHostMemoryNotRegistered) {
				logger.Log.Debug("scoped pin already released", "region", r.String())
				return
			}
			releaseErr = err
		})
		return releaseErr
	}, nil
}

// Register is the idempotent form of HostRegister: already-registered and
// page-locked regions succeed as no-ops.
func Register(rt *Runtime, r *Region) error {
	if r.MemCase().HasPinnedMem() {
		return nil
	}
	if err := rt.HostRegister(r); err != nil && !errors.Is(err, ErrHostMemoryAlreadyRegistered) {
		return err
	}
	return nil
}

// Unregister is the idempotent form of HostUnregister.
func Unregister(rt *Runtime, r *Region) error {
	if r.MemCase().HasPinnedMem() {
		return nil
	}
	if err := rt.HostUnregister(r); err != nil && !errors.Is(err, ErrHostMemoryNotRegistered) {
		return err
	}
	return nil
}
