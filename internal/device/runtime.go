package device

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-eager/internal/logger"
	"github.com/23skdu/longbow-eager/internal/metrics"
)

// Options sizes a simulated accelerator runtime.
type Options struct {
	NumDevices        int
	DeviceMemoryBytes int64
	// PinnedBudgetBytes caps registered host memory. Zero means unlimited.
	PinnedBudgetBytes int64
}

// Runtime simulates an accelerator driver: per-device allocations with a
// capacity, page-locked host allocations, host memory registration and
// copies between memory cases. It is safe for concurrent use.
type Runtime struct {
	opts Options

	mu          sync.Mutex
	allocated   map[MemCase]int64
	registered  map[uintptr]int
	scopes      map[uintptr]*pinScope
	pinnedBytes int64
}

// pinScope counts the transfers holding a region pinned. owned means the
// registration goes away with the last hold.
type pinScope struct {
	holds int
	owned bool
}

func NewRuntime(opts Options) *Runtime {
	if opts.NumDevices <= 0 {
		opts.NumDevices = 1
	}
	return &Runtime{
		opts:       opts,
		allocated:  make(map[MemCase]int64),
		registered: make(map[uintptr]int),
		scopes:     make(map[uintptr]*pinScope),
	}
}

func (rt *Runtime) NumDevices() int { return rt.opts.NumDevices }

// Malloc allocates n zeroed bytes in the given memory case. Pinned host
// allocations are registered for their whole lifetime.
func (rt *Runtime) Malloc(mc MemCase, n int) (*Region, error) {
	if n < 0 {
		return nil, fatal("malloc", errors.Wrapf(ErrInvalidCopy, "negative size %d", n))
	}
	if mc.IsDevice() && (mc.DeviceID < 0 || mc.DeviceID >= rt.opts.NumDevices) {
		return nil, fatal("malloc", errors.Wrapf(ErrInvalidDevice, "device %d of %d", mc.DeviceID, rt.opts.NumDevices))
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if mc.IsDevice() && rt.opts.DeviceMemoryBytes > 0 && rt.allocated[mc]+int64(n) > rt.opts.DeviceMemoryBytes {
		return nil, fatal("malloc", errors.Wrapf(ErrOutOfMemory, "%s: requested %s, in use %s of %s", mc,
			humanize.IBytes(uint64(n)), humanize.IBytes(uint64(rt.allocated[mc])), humanize.IBytes(uint64(rt.opts.DeviceMemoryBytes))))
	}
	if mc.HasPinnedMem() && !rt.fitsPinnedBudgetLocked(n) {
		return nil, fatal("malloc", errors.Wrapf(ErrPinnedBudgetExceeded, "pinned alloc of %s", humanize.IBytes(uint64(n))))
	}

	r := &Region{memCase: mc, data: make([]byte, n)}
	rt.allocated[mc] += int64(n)
	metrics.RecordDeviceMemory(mc.String(), rt.allocated[mc])
	if mc.HasPinnedMem() && n > 0 {
		rt.registerLocked(r)
	}
	return r, nil
}

// Free releases a region allocated by Malloc. Freeing nil is a no-op.
func (rt *Runtime) Free(r *Region) {
	if r == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.registered[r.Addr()]; ok && r.Len() > 0 {
		rt.unregisterLocked(r)
	}
	delete(rt.scopes, r.Addr())
	rt.allocated[r.memCase] -= int64(r.Len())
	metrics.RecordDeviceMemory(r.memCase.String(), rt.allocated[r.memCase])
	r.data = nil
}

// HostRegister page-locks a host region so transfers can use DMA.
func (rt *Runtime) HostRegister(r *Region) error {
	if !r.memCase.IsHost() {
		metrics.RecordHostRegister("register", "error")
		return fatal("host_register", errors.Wrapf(ErrNotHostMemory, "%s", r))
	}
	if r.Len() == 0 {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.registered[r.Addr()]; ok {
		if s, held := rt.scopes[r.Addr()]; held && s.owned {
			// the caller now owns a registration a transfer created
			s.owned = false
			metrics.RecordHostRegister("register", "ok")
			return nil
		}
		metrics.RecordHostRegister("register", "already_registered")
		return ErrHostMemoryAlreadyRegistered
	}
	if !rt.fitsPinnedBudgetLocked(r.Len()) {
		metrics.RecordHostRegister("register", "error")
		return fatal("host_register", errors.Wrapf(ErrPinnedBudgetExceeded, "registering %s", humanize.IBytes(uint64(r.Len()))))
	}
	rt.registerLocked(r)
	metrics.RecordHostRegister("register", "ok")
	return nil
}

// HostUnregister reverses HostRegister.
func (rt *Runtime) HostUnregister(r *Region) error {
	if !r.memCase.IsHost() {
		metrics.RecordHostRegister("unregister", "error")
		return fatal("host_unregister", errors.Wrapf(ErrNotHostMemory, "%s", r))
	}
	if r.Len() == 0 {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.registered[r.Addr()]; !ok {
		metrics.RecordHostRegister("unregister", "not_registered")
		return ErrHostMemoryNotRegistered
	}
	if s, held := rt.scopes[r.Addr()]; held {
		if s.owned {
			metrics.RecordHostRegister("unregister", "not_registered")
			return ErrHostMemoryNotRegistered
		}
		// unregistered when the last transfer releases it
		s.owned = true
		metrics.RecordHostRegister("unregister", "ok")
		return nil
	}
	rt.unregisterLocked(r)
	metrics.RecordHostRegister("unregister", "ok")
	return nil
}

// acquirePin takes one transfer-scoped hold on a host region. The first
// hold registers the region unless it is already registered.
func (rt *Runtime) acquirePin(r *Region) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	addr := r.Addr()
	if s, ok := rt.scopes[addr]; ok {
		s.holds++
		return nil
	}
	s := &pinScope{holds: 1}
	if _, ok := rt.registered[addr]; !ok {
		if !rt.fitsPinnedBudgetLocked(r.Len()) {
			metrics.RecordHostRegister("pin", "error")
			return fatal("pin", errors.Wrapf(ErrPinnedBudgetExceeded, "pinning %s", humanize.IBytes(uint64(r.Len()))))
		}
		rt.registerLocked(r)
		s.owned = true
	}
	rt.scopes[addr] = s
	metrics.RecordHostRegister("pin", "ok")
	return nil
}

// releasePin drops one hold. The last hold unregisters the region if the
// scope owns the registration.
func (rt *Runtime) releasePin(r *Region) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	addr := r.Addr()
	s, ok := rt.scopes[addr]
	if !ok {
		return ErrHostMemoryNotRegistered
	}
	s.holds--
	if s.holds > 0 {
		return nil
	}
	delete(rt.scopes, addr)
	if _, registered := rt.registered[addr]; s.owned && registered {
		rt.unregisterLocked(r)
	}
	metrics.RecordHostRegister("unpin", "ok")
	return nil
}

// IsRegistered reports whether the region's base address is page-locked.
func (rt *Runtime) IsRegistered(r *Region) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.registered[r.Addr()]
	return ok
}

// Memcpy copies n bytes from src to dst. Host/device transfers use DMA when
// the host side is registered and go through a staging buffer otherwise.
func (rt *Runtime) Memcpy(dst, src *Region, n int) error {
	if n < 0 || n > dst.Len() || n > src.Len() {
		return fatal("memcpy", errors.Wrapf(ErrInvalidCopy, "copy %d bytes from %s to %s", n, src, dst))
	}
	for _, r := range []*Region{dst, src} {
		if r.memCase.IsDevice() && r.memCase.DeviceID >= rt.opts.NumDevices {
			return fatal("memcpy", errors.Wrapf(ErrInvalidDevice, "%s", r))
		}
	}

	direction := Direction(src.memCase, dst.memCase)
	mode := "direct"
	if direction == "h2d" || direction == "d2h" {
		host := src
		if direction == "d2h" {
			host = dst
		}
		if rt.IsRegistered(host) {
			mode = "dma"
		} else {
			mode = "staged"
		}
	}

	if mode == "staged" {
		staging := make([]byte, n)
		copy(staging, src.data[:n])
		copy(dst.data[:n], staging)
	} else {
		copy(dst.data[:n], src.data[:n])
	}
	metrics.RecordTransfer(direction, mode, n)
	logger.Log.Trace("memcpy", "direction", direction, "mode", mode, "bytes", humanize.IBytes(uint64(n)))
	return nil
}

// Allocated returns the bytes currently allocated in a memory case.
func (rt *Runtime) Allocated(mc MemCase) int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.allocated[mc]
}

// PinnedBytes returns the bytes currently registered.
func (rt *Runtime) PinnedBytes() int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pinnedBytes
}

// Direction names the transfer between two memory cases: h2d, d2h, d2d or h2h.
func Direction(src, dst MemCase) string {
	switch {
	case src.IsHost() && dst.IsDevice():
		return "h2d"
	case src.IsDevice() && dst.IsHost():
		return "d2h"
	case src.IsDevice() && dst.IsDevice():
		return "d2d"
	default:
		return "h2h"
	}
}

func (rt *Runtime) fitsPinnedBudgetLocked(n int) bool {
	return rt.opts.PinnedBudgetBytes <= 0 || rt.pinnedBytes+int64(n) <= rt.opts.PinnedBudgetBytes
}

func (rt *Runtime) registerLocked(r *Region) {
	rt.registered[r.Addr()] = r.Len()
	rt.pinnedBytes += int64(r.Len())
	metrics.RecordPinnedBytes(rt.pinnedBytes)
}

func (rt *Runtime) unregisterLocked(r *Region) {
	rt.pinnedBytes -= int64(rt.registered[r.Addr()])
	delete(rt.registered, r.Addr())
	metrics.RecordPinnedBytes(rt.pinnedBytes)
}
