package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedGrantStore fails fast while the backing store keeps erroring, so
// admissions do not pile up behind a dead connection. It never retries;
// every failure surfaces to the caller.
type GuardedGrantStore struct {
	store   ports.GrantStore
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewGuardedGrantStore(store ports.GrantStore, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedGrantStore {
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, domain.ErrGrantNotFound) &&
			!errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded)
	}
	g := &GuardedGrantStore{
		store:   store,
		breaker: circuitbreaker.New(cfg),
		logger:  logger,
	}
	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("grant store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return g
}

func (g *GuardedGrantStore) State() circuitbreaker.State {
	return g.breaker.GetState()
}

func (g *GuardedGrantStore) Get(ctx context.Context, token string) (*domain.AccessGrant, error) {
	var grant *domain.AccessGrant
	err := g.do(ctx, func() error {
		var err error
		grant, err = g.store.Get(ctx, token)
		return err
	})
	return grant, err
}

func (g *GuardedGrantStore) GetByID(ctx context.Context, id domain.GrantID) (*domain.AccessGrant, error) {
	var grant *domain.AccessGrant
	err := g.do(ctx, func() error {
		var err error
		grant, err = g.store.GetByID(ctx, id)
		return err
	})
	return grant, err
}

func (g *GuardedGrantStore) Put(ctx context.Context, grant *domain.AccessGrant) error {
	return g.do(ctx, func() error {
		return g.store.Put(ctx, grant)
	})
}

func (g *GuardedGrantStore) ListActive(ctx context.Context) ([]*domain.AccessGrant, error) {
	return g.list(ctx, func() ([]*domain.AccessGrant, error) {
		return g.store.ListActive(ctx)
	})
}

func (g *GuardedGrantStore) ListExpired(ctx context.Context, now time.Time) ([]*domain.AccessGrant, error) {
	return g.list(ctx, func() ([]*domain.AccessGrant, error) {
		return g.store.ListExpired(ctx, now)
	})
}

func (g *GuardedGrantStore) ListByCreator(ctx context.Context, createdBy domain.UserID) ([]*domain.AccessGrant, error) {
	return g.list(ctx, func() ([]*domain.AccessGrant, error) {
		return g.store.ListByCreator(ctx, createdBy)
	})
}

func (g *GuardedGrantStore) list(ctx context.Context, fn func() ([]*domain.AccessGrant, error)) ([]*domain.AccessGrant, error) {
	var grants []*domain.AccessGrant
	err := g.do(ctx, func() error {
		var err error
		grants, err = fn()
		return err
	})
	return grants, err
}

func (g *GuardedGrantStore) do(ctx context.Context, fn func() error) error {
	err := g.breaker.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", domain.ErrStore, err)
	}
	return err
}
