package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ledgerflow/flow/ops"
	"github.com/ledgerflow/flow/party"
)

// EtcdDirectory is the default Directory implementation: it watches an
// etcd key prefix of the form "<prefix>/<party>/<endpoint>" and keeps an
// in-memory view up to date, mirroring the node's own use of etcd
// elsewhere for cluster coordination.
type EtcdDirectory struct {
	client    *clientv3.Client
	prefix    string
	publisher ops.Publisher

	mu   sync.RWMutex
	byParty map[party.Party][]party.Endpoint
}

// NewEtcdDirectory returns an EtcdDirectory rooted at prefix and starts
// watching it in the background. Call Close when done.
func NewEtcdDirectory(ctx context.Context, client *clientv3.Client, prefix string, publisher ops.Publisher) (*EtcdDirectory, error) {
	var d = &EtcdDirectory{
		client:    client,
		prefix:    strings.TrimSuffix(prefix, "/"),
		publisher: publisher,
		byParty:   make(map[party.Party][]party.Endpoint),
	}

	resp, err := client.Get(ctx, d.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("initial directory listing: %w", err)
	}
	for _, kv := range resp.Kvs {
		d.apply(string(kv.Key), string(kv.Value), false)
	}

	go d.watch(ctx, resp.Header.Revision+1)
	return d, nil
}

func (d *EtcdDirectory) watch(ctx context.Context, fromRevision int64) {
	var watchCh = d.client.Watch(ctx, d.prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(fromRevision))
	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			ops.PublishLog(d.publisher, ops.LevelError, "directory watch error", "error", err)
			continue
		}
		for _, ev := range resp.Events {
			d.apply(string(ev.Kv.Key), string(ev.Kv.Value), ev.Type == clientv3.EventTypeDelete)
		}
	}
}

// apply updates the in-memory view for a single etcd key change. Keys are
// "<prefix>/<party>/<endpoint>"; the value is unused (presence is enough).
func (d *EtcdDirectory) apply(key, _ string, deleted bool) {
	var rest = strings.TrimPrefix(key, d.prefix+"/")
	var parts = strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return
	}
	var p = party.Party(parts[0])
	var ep = party.Endpoint(parts[1])

	d.mu.Lock()
	defer d.mu.Unlock()

	var eps = d.byParty[p]
	var idx = -1
	for i, existing := range eps {
		if existing == ep {
			idx = i
			break
		}
	}
	if deleted {
		if idx >= 0 {
			eps = append(eps[:idx], eps[idx+1:]...)
		}
	} else if idx < 0 {
		eps = append(eps, ep)
		sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	}
	d.byParty[p] = eps
}

func (d *EtcdDirectory) Endpoints(_ context.Context, p party.Party) ([]party.Endpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out = make([]party.Endpoint, len(d.byParty[p]))
	copy(out, d.byParty[p])
	return out, nil
}

var _ Directory = (*EtcdDirectory)(nil)
