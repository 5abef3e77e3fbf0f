// etcd-backed Registry.
//
//	Key:   /mq-rpc/{procedure}/{queue}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL leases: if the server dies, the lease expires and
// the entry disappears.
package registry

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/mq-rpc/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

func procedurePrefix(procedure string) string {
	return keyPrefix + procedure + "/"
}

// Register adds an endpoint under a TTL lease and keeps the lease alive.
//
// leaseID stays a local variable: one EtcdRegistry may be shared by several
// servers.
func (r *EtcdRegistry) Register(procedure string, endpoint Endpoint, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, procedurePrefix(procedure)+endpoint.Queue, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an endpoint. Called during graceful shutdown before the
// server stops consuming.
func (r *EtcdRegistry) Deregister(procedure string, queue string) error {
	_, err := r.client.Delete(context.TODO(), procedurePrefix(procedure)+queue)
	return err
}

// Watch emits the full endpoint list whenever anything under the procedure
// prefix changes.
func (r *EtcdRegistry) Watch(procedure string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		watchChan := r.client.Watch(context.TODO(), procedurePrefix(procedure), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch rather than apply individual events
			endpoints, _ := r.Discover(procedure)
			ch <- endpoints
		}
	}()

	return ch
}

// Discover returns every endpoint currently registered for procedure.
func (r *EtcdRegistry) Discover(procedure string) ([]Endpoint, error) {
	resp, err := r.client.Get(context.TODO(), procedurePrefix(procedure), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue // Skip malformed entries
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
