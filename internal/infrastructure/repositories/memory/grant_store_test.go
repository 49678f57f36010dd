package memory

import (
	"context"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGrant(id, token string, expiresAt time.Time) *domain.AccessGrant {
	return &domain.AccessGrant{
		ID:                   domain.GrantID(id),
		InviteToken:          token,
		ExpiresAt:            expiresAt,
		AllowedSources:       []domain.SourceID{"cam-1"},
		MaxConcurrentViewers: 1,
		IsActive:             true,
		CreatedBy:            "owner-1",
		CreatedAt:            time.Now(),
		Admissions:           map[domain.AdmissionID]time.Time{},
	}
}

func TestMemoryGrantStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGrantStore()
	require.NoError(t, store.Put(ctx, newGrant("g1", "tok1", time.Now().Add(time.Hour))))

	g, err := store.Get(ctx, "tok1")
	require.NoError(t, err)
	g.CurrentViewers = 5
	g.AllowedSources[0] = "cam-9"

	again, err := store.Get(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.CurrentViewers)
	assert.Equal(t, domain.SourceID("cam-1"), again.AllowedSources[0])

	byID, err := store.GetByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "tok1", byID.InviteToken)
}

func TestMemoryGrantStore_NotFound(t *testing.T) {
	store := NewMemoryGrantStore()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrGrantNotFound)
	_, err = store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrGrantNotFound)
}

func TestMemoryGrantStore_Listings(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryGrantStore()

	live := newGrant("live", "t-live", now.Add(time.Hour))
	expired := newGrant("expired", "t-expired", now.Add(-time.Minute))
	revoked := newGrant("revoked", "t-revoked", now.Add(-time.Minute))
	revoked.IsActive = false
	other := newGrant("other", "t-other", now.Add(time.Hour))
	other.CreatedBy = "admin-1"

	for _, g := range []*domain.AccessGrant{live, expired, revoked, other} {
		require.NoError(t, store.Put(ctx, g))
	}

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	exp, err := store.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, exp, 1)
	assert.Equal(t, domain.GrantID("expired"), exp[0].ID)

	mine, err := store.ListByCreator(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, mine, 3)
}

func TestMemoryGrantStore_RestoreClearsViewerSlots(t *testing.T) {
	store := NewMemoryGrantStore()
	g := newGrant("g1", "tok1", time.Now().Add(time.Hour))
	g.CurrentViewers = 1
	g.Admissions["a1"] = time.Now()

	store.Restore([]*domain.AccessGrant{g})

	restored, err := store.Get(context.Background(), "tok1")
	require.NoError(t, err)
	assert.Equal(t, 0, restored.CurrentViewers)
	assert.Empty(t, restored.Admissions)
	assert.Len(t, store.All(), 1)
}
