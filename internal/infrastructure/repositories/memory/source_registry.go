package memory

import (
	"context"
	"sort"
	"sync"

	"camrelay/internal/core/domain"
)

// MemorySourceRegistry is the camera registry, seeded from configuration.
type MemorySourceRegistry struct {
	sources map[domain.SourceID]*domain.Source
	mu      sync.RWMutex
}

func NewMemorySourceRegistry(sources []*domain.Source) *MemorySourceRegistry {
	r := &MemorySourceRegistry{sources: make(map[domain.SourceID]*domain.Source, len(sources))}
	for _, s := range sources {
		src := *s
		r.sources[s.ID] = &src
	}
	return r
}

func (r *MemorySourceRegistry) Get(ctx context.Context, id domain.SourceID) (*domain.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, exists := r.sources[id]
	if !exists {
		return nil, domain.ErrSourceNotFound
	}
	c := *src
	return &c, nil
}

func (r *MemorySourceRegistry) List(ctx context.Context) ([]*domain.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Source, 0, len(r.sources))
	for _, src := range r.sources {
		c := *src
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
