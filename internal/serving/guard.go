package serving

import "sync"

// Guard serializes all mutating work against one endpoint. The traffic
// allocator and the deployment lifecycle manager share a Guard so that a
// validate-apply-verify sequence never interleaves with a create or delete
// on the same endpoint. Different endpoints proceed independently.
type Guard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewGuard() *Guard {
	return &Guard{locks: map[string]*sync.Mutex{}}
}

func (g *Guard) lockFor(endpoint string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[endpoint]
	if !ok {
		l = &sync.Mutex{}
		g.locks[endpoint] = l
	}
	return l
}

// Lock acquires the endpoint's exclusive lock, blocking until available.
func (g *Guard) Lock(endpoint string) {
	g.lockFor(endpoint).Lock()
}

// Unlock releases the endpoint's exclusive lock.
func (g *Guard) Unlock(endpoint string) {
	g.lockFor(endpoint).Unlock()
}
