// Package flowtest is the in-process two-node harness spec.md section 8
// requires for its concrete scenarios: real SQLite checkpoint stores,
// real session protocol engines, a shared in-memory Directory, and a
// loopback Transport that hands envelopes directly between nodes'
// Managers instead of going over a socket.
package flowtest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ledgerflow/flow/authz"
	"github.com/ledgerflow/flow/checkpoint"
	"github.com/ledgerflow/flow/directory"
	"github.com/ledgerflow/flow/flowrun"
	"github.com/ledgerflow/flow/manager"
	"github.com/ledgerflow/flow/ops"
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/session"
	"github.com/ledgerflow/flow/wire"
)

// Network is a shared directory and loopback transport fabric for every
// Node created against it.
type Network struct {
	dir *directory.MemoryDirectory

	mu      sync.Mutex
	nodes   map[party.Endpoint]*manager.Manager
	trace   []TraceEntry
	blocked map[party.Endpoint]bool
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{
		dir:     directory.NewMemoryDirectory(),
		nodes:   make(map[party.Endpoint]*manager.Manager),
		blocked: make(map[party.Endpoint]bool),
	}
}

// SetBlocked makes every Send to ep fail until cleared, simulating an
// unreachable peer without actually tearing down the endpoint's Node —
// exercising session.Engine's retry-until-delivered path instead of a
// node's own resurrection path.
func (net *Network) SetBlocked(ep party.Endpoint, blocked bool) {
	net.mu.Lock()
	defer net.mu.Unlock()
	if blocked {
		net.blocked[ep] = true
	} else {
		delete(net.blocked, ep)
	}
}

// TraceEntry records one envelope the loopback transport handed off, in
// delivery order, for scenarios that assert an exact wire sequence.
type TraceEntry struct {
	From party.Party
	To   party.Endpoint
	Tag  wire.Tag
}

// Trace returns every envelope delivered on this Network so far.
func (net *Network) Trace() []TraceEntry {
	net.mu.Lock()
	defer net.mu.Unlock()
	var out = make([]TraceEntry, len(net.trace))
	copy(out, net.trace)
	return out
}

// RegisterAlias lets an additional endpoint answer for p, backed by
// target, alongside whatever endpoint target was already registered
// under for its own party. This is how a test stands up several
// replicas behind one shared logical identity to exercise round-robin
// addressing (spec.md section 4.2).
func (net *Network) RegisterAlias(p party.Party, ep party.Endpoint, target *Node) {
	net.dir.Register(p, ep)
	net.mu.Lock()
	net.nodes[ep] = target.Manager
	net.mu.Unlock()
}

// Node is one flow framework node running against a temp-file SQLite
// database, so that Restart can close and reopen it the way a real
// process restart would.
type Node struct {
	Party    party.Party
	Endpoint party.Endpoint
	Registry *flowrun.Registry
	Manager  *manager.Manager

	net     *Network
	dbPath  string
	db      *sql.DB
	publish ops.Publisher
	events  <-chan flowrun.Event
}

// Events returns this Node's change-stream subscription, established
// before Start so it observes every Added/Removed event including ones
// a restart's resurrection emits before the caller regains control
// (spec.md section 4.4).
func (n *Node) Events() <-chan flowrun.Event { return n.events }

// loopbackTransport hands an outbound envelope directly to the
// recipient node's Manager, standing in for spec.md section 6's
// reliable, FIFO, party-addressed transport contract without a real
// socket.
type loopbackTransport struct {
	self party.Party
	net  *Network
}

func (t *loopbackTransport) Send(ctx context.Context, to party.Endpoint, env wire.Envelope) error {
	t.net.mu.Lock()
	if t.net.blocked[to] {
		t.net.mu.Unlock()
		return fmt.Errorf("endpoint %s is unreachable", to)
	}
	target, ok := t.net.nodes[to]
	t.net.trace = append(t.net.trace, TraceEntry{From: t.self, To: to, Tag: env.Body.Tag()})
	t.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("no node listening at endpoint %s", to)
	}
	return target.Deliver(ctx, t.self, selfEndpointFor(t.self), env)
}

// endpoint naming is 1:1 with party in this harness: every node
// advertises exactly one endpoint, itself.
func selfEndpointFor(p party.Party) party.Endpoint { return party.Endpoint(p) }

var _ session.Transport = (*loopbackTransport)(nil)

// AddNode creates and starts a new Node named p, backed by a SQLite file
// under dir. registerDefaults, if non-nil, is called with the Node's
// Registry before Start freezes it.
func AddNode(ctx context.Context, net *Network, dir string, p party.Party, registerDefaults func(*flowrun.Registry)) (*Node, error) {
	var dbPath = filepath.Join(dir, string(p)+".db")
	return startNode(ctx, net, p, dbPath, registerDefaults)
}

func startNode(ctx context.Context, net *Network, p party.Party, dbPath string, registerDefaults func(*flowrun.Registry)) (*Node, error) {
	db, err := checkpoint.OpenSQLite(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	var pub = ops.NewLocalPublisher(ops.Scope{})
	var store = checkpoint.NewSQLiteStore(pub)
	var registry = flowrun.NewRegistry()
	if registerDefaults != nil {
		registerDefaults(registry)
	}

	net.dir.Register(p, selfEndpointFor(p))

	var mgr *manager.Manager
	var rt = flowrun.NewRuntime(db, store, p, &loopbackTransport{self: p, net: net}, net.dir, pub, nil, 4096,
		func(e flowrun.Event) { mgr.OnChange(e) })
	mgr = manager.New(registry, rt, authz.NewAuthorizer([]byte("flowtest-secret")), pub)

	// Subscribe before Start so resurrection's Added/Removed events,
	// which can fire before Start returns, are never missed.
	var events = mgr.Subscribe(ctx)

	if err := mgr.Start(ctx); err != nil {
		db.Close()
		return nil, err
	}

	net.mu.Lock()
	net.nodes[selfEndpointFor(p)] = mgr
	net.mu.Unlock()

	return &Node{Party: p, Endpoint: selfEndpointFor(p), Registry: registry, Manager: mgr, net: net, dbPath: dbPath, db: db, publish: pub, events: events}, nil
}

// Restart simulates a process restart: it drops the in-memory Manager
// and Runtime (discarding any uncommitted state) and rebuilds one from
// the same SQLite file, resurrecting every checkpoint found there
// (spec.md section 4.4's startup sequencing). The Node's Registry is
// replaced; callers must pass the same registerDefaults used originally.
func (n *Node) Restart(ctx context.Context, registerDefaults func(*flowrun.Registry)) error {
	n.net.mu.Lock()
	delete(n.net.nodes, n.Endpoint)
	n.net.mu.Unlock()

	if err := n.db.Close(); err != nil {
		return err
	}

	fresh, err := startNode(ctx, n.net, n.Party, n.dbPath, registerDefaults)
	if err != nil {
		return err
	}
	n.Registry = fresh.Registry
	n.Manager = fresh.Manager
	n.db = fresh.db
	n.events = fresh.events
	return nil
}

// Close releases the Node's database handle.
func (n *Node) Close() error {
	n.net.mu.Lock()
	delete(n.net.nodes, n.Endpoint)
	n.net.mu.Unlock()
	return n.db.Close()
}
