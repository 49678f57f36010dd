package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type MockGrantStore struct {
	mock.Mock
}

func (m *MockGrantStore) Get(ctx context.Context, token string) (*domain.AccessGrant, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AccessGrant), args.Error(1)
}

func (m *MockGrantStore) GetByID(ctx context.Context, id domain.GrantID) (*domain.AccessGrant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AccessGrant), args.Error(1)
}

func (m *MockGrantStore) Put(ctx context.Context, grant *domain.AccessGrant) error {
	return m.Called(ctx, grant).Error(0)
}

func (m *MockGrantStore) ListActive(ctx context.Context) ([]*domain.AccessGrant, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*domain.AccessGrant), args.Error(1)
}

func (m *MockGrantStore) ListExpired(ctx context.Context, now time.Time) ([]*domain.AccessGrant, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]*domain.AccessGrant), args.Error(1)
}

func (m *MockGrantStore) ListByCreator(ctx context.Context, createdBy domain.UserID) ([]*domain.AccessGrant, error) {
	args := m.Called(ctx, createdBy)
	return args.Get(0).([]*domain.AccessGrant), args.Error(1)
}

func breakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Hour,
		MaxRequestsHalfOpen: 1,
	}
}

func TestGuardedGrantStore_NotFoundDoesNotTrip(t *testing.T) {
	store := new(MockGrantStore)
	store.On("Get", mock.Anything, "missing").Return(nil, domain.ErrGrantNotFound)

	guard := NewGuardedGrantStore(store, breakerConfig(), zap.NewNop().Sugar())
	for i := 0; i < 5; i++ {
		_, err := guard.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrGrantNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, guard.State())
	store.AssertNumberOfCalls(t, "Get", 5)
}

func TestGuardedGrantStore_OpensOnBackendFailures(t *testing.T) {
	store := new(MockGrantStore)
	backendErr := errors.New("connection refused")
	store.On("Put", mock.Anything, mock.Anything).Return(backendErr)

	guard := NewGuardedGrantStore(store, breakerConfig(), zap.NewNop().Sugar())
	g := &domain.AccessGrant{ID: "g1", InviteToken: "tok"}

	assert.ErrorIs(t, guard.Put(context.Background(), g), backendErr)
	assert.ErrorIs(t, guard.Put(context.Background(), g), backendErr)

	err := guard.Put(context.Background(), g)
	assert.ErrorIs(t, err, domain.ErrStore)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	store.AssertNumberOfCalls(t, "Put", 2)
}

func TestGuardedGrantStore_ListPassesThrough(t *testing.T) {
	store := new(MockGrantStore)
	grants := []*domain.AccessGrant{{ID: "g1"}}
	store.On("ListActive", mock.Anything).Return(grants, nil)

	guard := NewGuardedGrantStore(store, breakerConfig(), zap.NewNop().Sugar())
	got, err := guard.ListActive(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, grants, got)
}
