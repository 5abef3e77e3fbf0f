package registry

import (
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-binary
// deployments. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	endpoints map[string][]Endpoint
	watchers  map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		endpoints: make(map[string][]Endpoint),
		watchers:  make(map[string][]chan []Endpoint),
	}
}

func (m *MemoryRegistry) Register(procedure string, endpoint Endpoint, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[procedure]
	for i, ep := range eps {
		if ep.Queue == endpoint.Queue {
			eps[i] = endpoint
			m.notify(procedure)
			return nil
		}
	}
	m.endpoints[procedure] = append(eps, endpoint)
	m.notify(procedure)
	return nil
}

func (m *MemoryRegistry) Deregister(procedure string, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[procedure]
	for i, ep := range eps {
		if ep.Queue == queue {
			m.endpoints[procedure] = append(eps[:i:i], eps[i+1:]...)
			break
		}
	}
	m.notify(procedure)
	return nil
}

func (m *MemoryRegistry) Discover(procedure string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(procedure), nil
}

// Watch emits the endpoint list after every change. Slow readers see only
// the latest list.
func (m *MemoryRegistry) Watch(procedure string) <-chan []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []Endpoint, 1)
	m.watchers[procedure] = append(m.watchers[procedure], ch)
	return ch
}

// notify pushes the current list to watchers. Caller holds m.mu.
func (m *MemoryRegistry) notify(procedure string) {
	for _, ch := range m.watchers[procedure] {
		select {
		case <-ch: // Drop the stale list
		default:
		}
		ch <- m.snapshot(procedure)
	}
}

func (m *MemoryRegistry) snapshot(procedure string) []Endpoint {
	out := make([]Endpoint, len(m.endpoints[procedure]))
	copy(out, m.endpoints[procedure])
	return out
}
