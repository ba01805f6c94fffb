package server

import (
	"sort"
	"sync"

	"github.com/e7canasta/avswitch/internal/metrics"
)

// maxPort is the highest TCP port a sink can bind.
const maxPort = 65535

// allocator hands out sink ports counting up from the video acceptor port.
// A revoked port is only handed out again once the counter reaches maxPort.
type allocator struct {
	metrics *metrics.Metrics

	mu       sync.Mutex
	base     int
	count    int
	reserved map[int]bool
	live     map[int]bool
}

func newAllocator(m *metrics.Metrics) *allocator {
	return &allocator{
		metrics:  m,
		reserved: make(map[int]bool),
		live:     make(map[int]bool),
	}
}

// reset sets the base port and the ports that must never be handed out
// (the acceptors' own ports).
func (a *allocator) reset(base int, reserved ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.base = base
	a.count = 0
	a.reserved = make(map[int]bool, len(reserved))
	for _, p := range reserved {
		a.reserved[p] = true
	}
	a.live = make(map[int]bool)
}

// allocate returns the next sink port, or ErrPortsExhausted when every port
// above the base is reserved or live.
func (a *allocator) allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for a.base+a.count < maxPort {
		a.count++
		if port := a.base + a.count; !a.reserved[port] {
			return a.takeLocked(port), nil
		}
	}

	for port := a.base + 1; port <= maxPort; port++ {
		if !a.reserved[port] && !a.live[port] {
			return a.takeLocked(port), nil
		}
	}
	return 0, ErrPortsExhausted
}

func (a *allocator) takeLocked(port int) int {
	a.live[port] = true
	a.metrics.IncPortsAllocated()
	return port
}

// revoke drops port from the live set. It reports whether the port was live.
func (a *allocator) revoke(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.live[port] {
		return false
	}
	delete(a.live, port)
	a.metrics.IncPortsRevoked()
	return true
}

// allocated returns the live ports in ascending order.
func (a *allocator) allocated() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int, 0, len(a.live))
	for p := range a.live {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
