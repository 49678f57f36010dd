package ports

import (
	"context"
	"time"

	"camrelay/internal/core/domain"
)

type GrantService interface {
	CreateGrant(ctx context.Context, createdBy domain.UserID, opts domain.GrantOptions) (*domain.AccessGrant, error)
	CreateQuickSourceLink(ctx context.Context, createdBy domain.UserID, sourceID domain.SourceID, d time.Duration) (*domain.AccessGrant, error)
	CreateEmergencyLink(ctx context.Context, createdBy domain.UserID, d time.Duration) (*domain.AccessGrant, error)
	Admit(ctx context.Context, token string, sourceID domain.SourceID, info domain.AccessInfo) (*domain.Admission, error)
	Release(ctx context.Context, admission *domain.Admission) error
	Revoke(ctx context.Context, token string, revokedBy domain.UserID, reason string) error
	SweepExpired(ctx context.Context) (int, error)
	Authorize(ctx context.Context, token string, sourceID domain.SourceID, c domain.Capability) (*domain.AccessGrant, error)
	Lookup(ctx context.Context, token string) (*domain.AccessGrant, error)
	ListActiveLinks(ctx context.Context, userID domain.UserID) ([]domain.LinkView, error)
	Stats(ctx context.Context, userID domain.UserID) (*domain.GrantStats, error)
}

type GrantReleaser interface {
	Release(ctx context.Context, admission *domain.Admission) error
}

// GrantEventSink receives grant lifecycle events.
type GrantEventSink interface {
	OnGrantRevoked(ctx context.Context, event domain.GrantRevokedEvent)
}

// GrantChangeListener is told after any grant change has been stored.
// It runs while the grant's lock is held and must not call back into the
// grant service.
type GrantChangeListener interface {
	OnGrantChanged(grantID domain.GrantID)
}

// Outbound is the write side of a websocket channel. WriteFrame may block;
// callers own the goroutine that invokes it.
type Outbound interface {
	WriteFrame(v interface{}) error
	Close(code domain.CloseCode, reason string) error
}

type Subscription struct {
	ConnID    domain.ConnectionID
	SourceID  domain.SourceID
	Admission *domain.Admission
	Conn      Outbound
}

type BroadcastHub interface {
	Subscribe(ctx context.Context, sub Subscription) error
	Publish(sourceID domain.SourceID, chunk []byte)
	Unsubscribe(ctx context.Context, connID domain.ConnectionID)
	RegisterControl(connID domain.ConnectionID, conn Outbound)
	UnregisterControl(connID domain.ConnectionID)
	BroadcastControl(msg interface{}, excluding ...domain.ConnectionID)
	SubscriberCount(sourceID domain.SourceID) int
}

type RelaySupervisor interface {
	EnsureRunning(ctx context.Context, source *domain.Source, profile domain.QualityProfile) (*domain.RelayStatus, error)
	Release(ctx context.Context, sourceID domain.SourceID)
	Status() []domain.RelayStatus
}

type SessionGateway interface {
	OpenChannel(ctx context.Context, req OpenChannelRequest) (*domain.Admission, error)
	CloseChannel(ctx context.Context, connID domain.ConnectionID)
	GrantEventSink
}

type OpenChannelRequest struct {
	Token      string
	SourceID   domain.SourceID
	ConnID     domain.ConnectionID
	AccessInfo domain.AccessInfo
	Conn       Outbound
}

type ChatService interface {
	Post(ctx context.Context, userID domain.UserID, content string) (*domain.ChatMessage, error)
	Recent(ctx context.Context, limit int) ([]*domain.ChatMessage, error)
}

type RecordingService interface {
	Request(ctx context.Context, req *domain.RecordingRequest, shareToken string) (*domain.RecordingRequest, error)
	UpdateStatus(ctx context.Context, id domain.RequestID, status domain.RequestStatus, reviewer domain.UserID) (*domain.RecordingRequest, error)
	List(ctx context.Context) ([]*domain.RecordingRequest, error)
}
