package ports

import (
	"context"
	"time"

	"camrelay/internal/core/domain"
)

// GrantStore persists access grants together with their share link, keyed by
// the invite token. Get and GetByID return domain.ErrGrantNotFound for
// unknown keys.
type GrantStore interface {
	Get(ctx context.Context, token string) (*domain.AccessGrant, error)
	GetByID(ctx context.Context, id domain.GrantID) (*domain.AccessGrant, error)
	Put(ctx context.Context, grant *domain.AccessGrant) error
	ListActive(ctx context.Context) ([]*domain.AccessGrant, error)
	ListExpired(ctx context.Context, now time.Time) ([]*domain.AccessGrant, error)
	ListByCreator(ctx context.Context, createdBy domain.UserID) ([]*domain.AccessGrant, error)
}

// GrantLocker serializes mutations of a single grant.
type GrantLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type SourceRegistry interface {
	Get(ctx context.Context, id domain.SourceID) (*domain.Source, error)
	List(ctx context.Context) ([]*domain.Source, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateGuest(ctx context.Context, id domain.UserID, displayName string) (*domain.User, error)
}

type ChatRepository interface {
	Add(ctx context.Context, msg *domain.ChatMessage) error
	Recent(ctx context.Context, limit int) ([]*domain.ChatMessage, error)
}

type RecordingRequestRepository interface {
	Create(ctx context.Context, req *domain.RecordingRequest) error
	GetByID(ctx context.Context, id domain.RequestID) (*domain.RecordingRequest, error)
	Update(ctx context.Context, req *domain.RecordingRequest) error
	List(ctx context.Context) ([]*domain.RecordingRequest, error)
}
