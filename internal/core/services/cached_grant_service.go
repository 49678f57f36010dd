package services

import (
	"context"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/cache"
)

// CachedGrantService caches the dashboard reads (Stats, ListActiveLinks)
// of a GrantService. When the base service reports grant changes, every
// change drops all cached entries, whichever caller made it. Changes made
// on other instances show up once the TTL runs out.
type CachedGrantService struct {
	ports.GrantService
	stats *cache.Cache[*domain.GrantStats]
	links *cache.Cache[[]domain.LinkView]
}

type changeNotifier interface {
	AddChangeListener(l ports.GrantChangeListener)
}

func NewCachedGrantService(base ports.GrantService, ttl time.Duration) *CachedGrantService {
	s := &CachedGrantService{
		GrantService: base,
		stats:        cache.New[*domain.GrantStats](ttl),
		links:        cache.New[[]domain.LinkView](ttl),
	}
	if n, ok := base.(changeNotifier); ok {
		n.AddChangeListener(s)
	}
	return s
}

// OnGrantChanged drops every cached view.
func (s *CachedGrantService) OnGrantChanged(domain.GrantID) {
	s.stats.InvalidatePrefix("")
	s.links.InvalidatePrefix("")
}

func (s *CachedGrantService) Stats(ctx context.Context, userID domain.UserID) (*domain.GrantStats, error) {
	return s.stats.GetOrLoad(ctx, string(userID), func(ctx context.Context) (*domain.GrantStats, error) {
		return s.GrantService.Stats(ctx, userID)
	})
}

func (s *CachedGrantService) ListActiveLinks(ctx context.Context, userID domain.UserID) ([]domain.LinkView, error) {
	return s.links.GetOrLoad(ctx, string(userID), func(ctx context.Context) ([]domain.LinkView, error) {
		return s.GrantService.ListActiveLinks(ctx, userID)
	})
}

func (s *CachedGrantService) Stop() {
	s.stats.Stop()
	s.links.Stop()
}
