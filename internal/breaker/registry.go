package breaker

import (
	"sort"
	"sync"
)

// Registry owns one Breaker per backend identity, created on first use.
type Registry struct {
	cfg  Config
	opts []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry returns a registry whose breakers share cfg and opts.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for backend, creating a closed one if needed.
// Concurrent callers for the same backend always receive the same instance.
func (r *Registry) Get(backend string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[backend]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[backend]; ok {
		return b
	}
	b = New(backend, r.cfg, r.opts...)
	r.breakers[backend] = b
	return b
}

// Snapshot returns the state of every known breaker, ordered by backend.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, b := range all {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
