// Package loadbalance picks which request queue a call is published to when
// several queues serve the same procedure.
//
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  heterogeneous servers
//   - ConsistentHash:  pins a key (the client's correlation id) to one queue
package loadbalance

import "mq-rpc/registry"

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one endpoint. key identifies the caller; strategies
	// without affinity ignore it. Must be goroutine-safe.
	Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
