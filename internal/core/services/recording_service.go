package services

import (
	"context"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRecordingDuration = 4 * time.Hour

type recordingService struct {
	repo      ports.RecordingRequestRepository
	grants    ports.GrantService
	users     ports.UserDirectory
	sources   ports.SourceRegistry
	broadcast ControlBroadcaster
	logger    *zap.SugaredLogger
}

func NewRecordingService(
	repo ports.RecordingRequestRepository,
	grants ports.GrantService,
	users ports.UserDirectory,
	sources ports.SourceRegistry,
	broadcast ControlBroadcaster,
	logger *zap.SugaredLogger,
) ports.RecordingService {
	return &recordingService{
		repo:      repo,
		grants:    grants,
		users:     users,
		sources:   sources,
		broadcast: broadcast,
		logger:    logger,
	}
}

// Request files a recording request. With a share token the request is
// made by the grant's guest and needs a grant that allows recording the
// source; otherwise RequestedBy must be a known user.
func (s *recordingService) Request(ctx context.Context, req *domain.RecordingRequest, shareToken string) (*domain.RecordingRequest, error) {
	if req.Duration <= 0 || req.Duration > maxRecordingDuration {
		return nil, fmt.Errorf("%w: duration must be between 1s and %s", domain.ErrValidation, maxRecordingDuration)
	}
	if _, err := s.sources.Get(ctx, req.SourceID); err != nil {
		return nil, err
	}

	if shareToken != "" {
		grant, err := s.grants.Authorize(ctx, shareToken, req.SourceID, domain.CapabilityRecord)
		if err != nil {
			return nil, err
		}
		req.RequestedBy = grant.GuestID
	} else if _, err := s.users.GetUser(ctx, req.RequestedBy); err != nil {
		return nil, fmt.Errorf("%w: unknown requester", domain.ErrForbidden)
	}

	now := time.Now()
	created := &domain.RecordingRequest{
		ID:          domain.RequestID(uuid.NewString()),
		RequestedBy: req.RequestedBy,
		SourceID:    req.SourceID,
		Reason:      utils.TruncateString(utils.SanitizeString(req.Reason), 500),
		Duration:    req.Duration,
		Status:      domain.RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, created); err != nil {
		return nil, fmt.Errorf("store recording request: %w", err)
	}

	s.broadcast.BroadcastControl(domain.ControlMessage{Type: ControlRecordingRequest, Data: created})
	s.logger.Infow("recording requested",
		"request_id", created.ID,
		"requested_by", created.RequestedBy,
		"source_id", created.SourceID,
		"duration", created.Duration,
	)
	return created, nil
}

func (s *recordingService) UpdateStatus(ctx context.Context, id domain.RequestID, status domain.RequestStatus, reviewer domain.UserID) (*domain.RecordingRequest, error) {
	if status != domain.RequestApproved && status != domain.RequestDenied {
		return nil, fmt.Errorf("%w: status must be approved or denied, got %q", domain.ErrValidation, status)
	}
	user, err := s.users.GetUser(ctx, reviewer)
	if err != nil || !user.Role.Elevated() {
		return nil, fmt.Errorf("%w: owner or admin role required", domain.ErrForbidden)
	}

	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Status = status
	req.ReviewedBy = reviewer
	req.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("update recording request: %w", err)
	}

	s.broadcast.BroadcastControl(domain.ControlMessage{Type: ControlRecordingRequestUpdate, Data: req})
	s.logger.Infow("recording request reviewed", "request_id", id, "status", status, "reviewed_by", reviewer)
	return req, nil
}

func (s *recordingService) List(ctx context.Context) ([]*domain.RecordingRequest, error) {
	return s.repo.List(ctx)
}
