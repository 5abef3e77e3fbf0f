// Package registry maps procedure names to the request queues that serve
// them.
//
// A server registers each of its procedures under the shared queue it
// consumes; a client discovers the queues for a procedure and lets a
// balancer pick one.
package registry

// Endpoint is one request queue serving a procedure.
type Endpoint struct {
	Queue   string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(procedure string, endpoint Endpoint, ttl int64) error
	Deregister(procedure string, queue string) error
	Discover(procedure string) ([]Endpoint, error)
	Watch(procedure string) <-chan []Endpoint
}
