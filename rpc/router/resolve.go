package router

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/flame4/tikv/lib/util"
	"github.com/flame4/tikv/rpc/common"
)

// ResolveCallback delivers the outcome of one address resolution. It fires
// at most once per Resolve call.
type ResolveCallback func(addr string, err error)

// StoreAddrResolver turns a store ID into a dialable address. Resolve
// returns immediately; the lookup runs on the resolver's own worker and the
// callback fires from there.
type StoreAddrResolver interface {
	Resolve(storeID uint64, cb ResolveCallback) error
}

// etcdKeyPrefix is where stores publish their advertise address.
const etcdKeyPrefix = "/tikv/store/"

// StoreKey returns the etcd key a store publishes its address under.
func StoreKey(storeID uint64) string {
	return etcdKeyPrefix + fmt.Sprint(storeID)
}

// --------------------------------------------------------------------------
// Worker-backed resolver
// --------------------------------------------------------------------------

// lookupFunc performs one blocking address lookup.
type lookupFunc func(storeID uint64) (string, error)

type resolveTask struct {
	storeID uint64
	cb      ResolveCallback
}

// resolverRunner executes lookups one at a time on the resolver worker.
type resolverRunner struct {
	lookup lookupFunc
}

// docu see util.Runnable
func (r *resolverRunner) Run(task *resolveTask) {
	addr, err := r.lookup(task.storeID)
	task.cb(addr, err)
}

// Resolver schedules lookups onto a dedicated worker so callers never
// block on the lookup itself.
type Resolver struct {
	worker *util.Worker[resolveTask]
	close  func()
}

// docu see StoreAddrResolver
func (r *Resolver) Resolve(storeID uint64, cb ResolveCallback) error {
	return r.worker.Schedule(&resolveTask{storeID: storeID, cb: cb})
}

// Stop shuts the resolver worker down.
func (r *Resolver) Stop() {
	r.worker.Stop()
	if r.close != nil {
		r.close()
	}
}

func newWorkerResolver(lookup lookupFunc, close func()) *Resolver {
	w := util.NewWorker[resolveTask]("resolver")
	w.Start(&resolverRunner{lookup: lookup})
	return &Resolver{worker: w, close: close}
}

// NewStaticResolver resolves store IDs from a fixed member table.
func NewStaticResolver(members map[uint64]string) *Resolver {
	table := make(map[uint64]string, len(members))
	for id, addr := range members {
		table[id] = addr
	}
	return newWorkerResolver(func(storeID uint64) (string, error) {
		addr, ok := table[storeID]
		if !ok {
			return "", errors.Errorf("store %d not in member table", storeID)
		}
		return addr, nil
	}, nil)
}

// NewEtcdResolver resolves store IDs from the cluster's etcd registry.
func NewEtcdResolver(endpoints []string, timeout time.Duration) (*Resolver, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd resolver")
	}

	lookup := func(storeID uint64) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resp, err := cli.Get(ctx, StoreKey(storeID))
		if err != nil {
			return "", errors.Wrapf(err, "lookup store %d", storeID)
		}
		if len(resp.Kvs) == 0 {
			return "", errors.Errorf("store %d not registered", storeID)
		}
		return string(resp.Kvs[0].Value), nil
	}
	return newWorkerResolver(lookup, func() { cli.Close() }), nil
}

// NewResolver picks the resolver the configuration asks for: the static
// member table when present, otherwise etcd.
func NewResolver(cfg *common.ServerConfig) (*Resolver, error) {
	if len(cfg.ClusterMembers) > 0 {
		return NewStaticResolver(cfg.ClusterMembers), nil
	}
	if len(cfg.ResolverEndpoints) == 0 {
		return nil, errors.New("no resolver configured: need cluster members or etcd endpoints")
	}
	timeout := time.Duration(cfg.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return NewEtcdResolver(cfg.ResolverEndpoints, timeout)
}

// PublishAddr writes this store's advertise address into the etcd registry
// so peers can resolve it.
func PublishAddr(endpoints []string, storeID uint64, addr string, timeout time.Duration) error {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return errors.Wrap(err, "connect etcd registry")
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := cli.Put(ctx, StoreKey(storeID), addr); err != nil {
		return errors.Wrapf(err, "publish address of store %d", storeID)
	}
	return nil
}
