package session

import (
	"sync"

	"github.com/ledgerflow/flow/party"
)

// RoundRobin implements spec.md section 4.2's "Addressing shared
// identities": when multiple endpoints advertise the same logical party,
// each successive SessionInit picks the next one in strict rotation.
// Once an endpoint is chosen for a session it is pinned (by the caller,
// onto the Session record) and every later message on that session uses
// it; RoundRobin itself only ever answers "which one is next".
type RoundRobin struct {
	mu   sync.Mutex
	next map[party.Party]int
}

// NewRoundRobin returns an empty RoundRobin selector.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{next: make(map[party.Party]int)}
}

// Pick returns the next Endpoint in rotation for p among candidates, and
// advances the rotation. Candidates must be given in a stable order by
// the caller (the Directory is expected to return them sorted) so that
// rotation is deterministic across calls.
func (r *RoundRobin) Pick(p party.Party, candidates []party.Endpoint) party.Endpoint {
	if len(candidates) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var idx = r.next[p] % len(candidates)
	r.next[p] = idx + 1
	return candidates[idx]
}
