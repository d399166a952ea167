package device

import (
	"fmt"
	"unsafe"
)

// Kind is the class of memory a Region lives in.
type Kind int

const (
	KindHost Kind = iota
	KindPinnedHost
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindPinnedHost:
		return "pinned_host"
	case KindDevice:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MemCase identifies where a buffer lives. DeviceID is only meaningful for
// KindDevice.
type MemCase struct {
	Kind     Kind
	DeviceID int
}

func HostMem() MemCase         { return MemCase{Kind: KindHost} }
func PinnedHostMem() MemCase   { return MemCase{Kind: KindPinnedHost} }
func DeviceMem(id int) MemCase { return MemCase{Kind: KindDevice, DeviceID: id} }

func (m MemCase) IsHost() bool       { return m.Kind == KindHost || m.Kind == KindPinnedHost }
func (m MemCase) IsDevice() bool     { return m.Kind == KindDevice }
func (m MemCase) HasPinnedMem() bool { return m.Kind == KindPinnedHost }

func (m MemCase) String() string {
	if m.Kind == KindDevice {
		return fmt.Sprintf("device:%d", m.DeviceID)
	}
	return m.Kind.String()
}

// Region is a contiguous span of bytes in one memory case. Regions are
// created by a Runtime and owned by exactly one blob.
type Region struct {
	memCase MemCase
	data    []byte
}

// WrapHost exposes caller-owned bytes as a pageable host region. The runtime
// never frees wrapped regions.
func WrapHost(data []byte) *Region {
	return &Region{memCase: HostMem(), data: data}
}

func (r *Region) MemCase() MemCase { return r.memCase }
func (r *Region) Len() int         { return len(r.data) }

// Bytes returns the backing bytes. For device regions this is the simulated
// device allocation and must only be touched through a Runtime.
func (r *Region) Bytes() []byte { return r.data }

// Addr is the base address used as the registration key.
func (r *Region) Addr() uintptr {
	if len(r.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
}

func (r *Region) String() string {
	return fmt.Sprintf("%s[%#x+%d]", r.memCase, r.Addr(), len(r.data))
}
