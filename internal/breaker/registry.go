package breaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry owns one breaker per downstream target for the process lifetime.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry; breakers are created on first use.
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	return &Registry{opts: opts, logger: logger, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it closed if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.opts, r.logger)
		r.breakers[name] = b
	}
	return b
}

// Reset closes the named breaker. It reports false for unknown targets.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	for _, b := range r.list() {
		b.Reset()
	}
}

// Snapshots returns the state of every breaker sorted by target.
func (r *Registry) Snapshots() []Snapshot {
	breakers := r.list()
	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

func (r *Registry) list() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
