// Package regst holds blobs owned by the static (lazy) runtime, indexed by
// logical blob name and parallel id. The eager engine only ever aliases them.
package regst

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-eager/internal/blob"
)

type key struct {
	lbn        string
	parallelID int
}

// Manager is the register file. It owns every blob registered with it.
type Manager struct {
	mu    sync.RWMutex
	blobs map[key]*blob.Blob
}

func NewManager() *Manager {
	return &Manager{blobs: make(map[key]*blob.Blob)}
}

// Register stores b under (lbn, parallelID), replacing any previous blob.
func (m *Manager) Register(lbn string, parallelID int, b *blob.Blob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key{lbn, parallelID}] = b
}

// Blob looks up the blob for a logical blob name on one participant.
func (m *Manager) Blob(lbn string, parallelID int) (*blob.Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key{lbn, parallelID}]
	if !ok {
		return nil, fmt.Errorf("no blob registered for %q on parallel id %d", lbn, parallelID)
	}
	return b, nil
}

// ParallelDesc lists the devices a logical blob is split over. The position
// of a device in the list is its parallel id.
type ParallelDesc struct {
	DeviceIDs []int
}

func (p ParallelDesc) ParallelNum() int { return len(p.DeviceIDs) }

// ParallelID maps a stream's device to the participant index.
func (p ParallelDesc) ParallelID(deviceID int) (int, error) {
	for i, d := range p.DeviceIDs {
		if d == deviceID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("device %d not in parallel desc %v", deviceID, p.DeviceIDs)
}
