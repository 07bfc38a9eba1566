// Package directory resolves Parties to transport Endpoints. The network-
// map directory itself is an external collaborator (spec.md section 1);
// this package only defines the interface the rest of the framework
// depends on, plus a default etcd-backed implementation suitable for a
// real deployment.
package directory

import (
	"context"

	"github.com/ledgerflow/flow/party"
)

// Directory resolves a Party to the Endpoints currently backing it.
type Directory interface {
	// Endpoints returns every Endpoint currently registered for p, in a
	// stable order. An empty, non-error result means the party is known
	// but currently has no reachable endpoints.
	Endpoints(ctx context.Context, p party.Party) ([]party.Endpoint, error)
}
