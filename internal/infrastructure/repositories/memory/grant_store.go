package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"camrelay/internal/core/domain"
)

// MemoryGrantStore keeps grants in process memory. Grants are copied on the
// way in and out so callers never share state with the store.
type MemoryGrantStore struct {
	grants map[string]*domain.AccessGrant
	byID   map[domain.GrantID]string
	mu     sync.RWMutex
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{
		grants: make(map[string]*domain.AccessGrant),
		byID:   make(map[domain.GrantID]string),
	}
}

func (s *MemoryGrantStore) Get(ctx context.Context, token string) (*domain.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, exists := s.grants[token]
	if !exists {
		return nil, domain.ErrGrantNotFound
	}
	return grant.Clone(), nil
}

func (s *MemoryGrantStore) GetByID(ctx context.Context, id domain.GrantID) (*domain.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, exists := s.byID[id]
	if !exists {
		return nil, domain.ErrGrantNotFound
	}
	return s.grants[token].Clone(), nil
}

func (s *MemoryGrantStore) Put(ctx context.Context, grant *domain.AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[grant.InviteToken] = grant.Clone()
	s.byID[grant.ID] = grant.InviteToken
	return nil
}

func (s *MemoryGrantStore) ListActive(ctx context.Context) ([]*domain.AccessGrant, error) {
	return s.filter(func(g *domain.AccessGrant) bool { return g.IsActive }), nil
}

func (s *MemoryGrantStore) ListExpired(ctx context.Context, now time.Time) ([]*domain.AccessGrant, error) {
	return s.filter(func(g *domain.AccessGrant) bool {
		return g.IsActive && g.IsExpired(now)
	}), nil
}

func (s *MemoryGrantStore) ListByCreator(ctx context.Context, createdBy domain.UserID) ([]*domain.AccessGrant, error) {
	return s.filter(func(g *domain.AccessGrant) bool { return g.CreatedBy == createdBy }), nil
}

// All returns every stored grant, for snapshots.
func (s *MemoryGrantStore) All() []*domain.AccessGrant {
	return s.filter(func(*domain.AccessGrant) bool { return true })
}

// Restore replaces the store contents with grants from a snapshot. Viewer
// slots are not carried across restarts since no channel survives one.
func (s *MemoryGrantStore) Restore(grants []*domain.AccessGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants = make(map[string]*domain.AccessGrant, len(grants))
	s.byID = make(map[domain.GrantID]string, len(grants))
	for _, g := range grants {
		c := g.Clone()
		c.CurrentViewers = 0
		c.Admissions = make(map[domain.AdmissionID]time.Time)
		s.grants[c.InviteToken] = c
		s.byID[c.ID] = c.InviteToken
	}
}

func (s *MemoryGrantStore) filter(keep func(*domain.AccessGrant) bool) []*domain.AccessGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.AccessGrant, 0)
	for _, g := range s.grants {
		if keep(g) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
