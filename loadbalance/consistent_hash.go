package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"mq-rpc/registry"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring. Keyed by the
// client's correlation id, every call from one client lands on the same
// request queue until the endpoint set changes.
//
// Each endpoint gets replicas virtual nodes, hashed from "{queue}#{i}", so a
// handful of queues still spread evenly around the ring.
type ConsistentHashBalancer struct {
	mu       sync.Mutex
	replicas int
	ring     []uint32                      // Sorted hash values on the ring
	nodes    map[uint32]*registry.Endpoint // Hash value → endpoint
	members  string                        // Signature of the endpoint set the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Endpoint),
	}
}

// Add places an endpoint onto the ring.
func (b *ConsistentHashBalancer) Add(endpoint *registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(endpoint)
}

func (b *ConsistentHashBalancer) add(endpoint *registry.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", endpoint.Queue, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = endpoint
	}
	// Keep the ring sorted for binary search in lookup()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick rebuilds the ring if the endpoint set changed, then looks key up.
func (b *ConsistentHashBalancer) Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(endpoints); sig != b.members {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*registry.Endpoint)
		for i := range endpoints {
			ep := endpoints[i]
			b.add(&ep)
		}
		b.members = sig
	}
	return b.lookup(key)
}

// PickKey looks key up on the ring built with Add.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(key)
}

// lookup finds the first node clockwise from key's hash, wrapping around.
func (b *ConsistentHashBalancer) lookup(key string) (*registry.Endpoint, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func signature(endpoints []registry.Endpoint) string {
	queues := make([]string, len(endpoints))
	for i, ep := range endpoints {
		queues[i] = ep.Queue
	}
	sort.Strings(queues)
	return strings.Join(queues, ",")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
