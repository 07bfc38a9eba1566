package directory

import (
	"context"
	"sync"

	"github.com/ledgerflow/flow/party"
)

// MemoryDirectory is a test-only Directory backed by a plain map, used by
// flowtest's in-process harness in place of the etcd-backed default.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byParty map[party.Party][]party.Endpoint
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{byParty: make(map[party.Party][]party.Endpoint)}
}

func (d *MemoryDirectory) Register(p party.Party, ep party.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byParty[p] = append(d.byParty[p], ep)
}

func (d *MemoryDirectory) Endpoints(_ context.Context, p party.Party) ([]party.Endpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out = make([]party.Endpoint, len(d.byParty[p]))
	copy(out, d.byParty[p])
	return out, nil
}

var _ Directory = (*MemoryDirectory)(nil)
