package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/clock"
	"camrelay/pkg/tracing"
	"camrelay/pkg/utils"
	"camrelay/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultQuickLinkDuration     = 24 * time.Hour
	DefaultEmergencyLinkDuration = time.Hour

	oneTimeReason = "One-time use completed"
	expiryReason  = "Expired"
	tokenAttempts = 3
)

type GrantServiceConfig struct {
	BaseURL     string
	MaxDuration time.Duration
	Clock       clock.Clock
	Metrics     ports.Metrics
}

// GrantService owns the access grant state machine. Every mutation of a
// grant happens while holding the grant's lock from the GrantLocker, so
// admit, release, revoke and the expiry sweep never interleave on one grant.
type GrantService struct {
	store   ports.GrantStore
	locker  ports.GrantLocker
	users   ports.UserDirectory
	sources ports.SourceRegistry
	cfg     GrantServiceConfig
	clock   clock.Clock
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	sinksMu   sync.RWMutex
	sinks     []ports.GrantEventSink
	listeners []ports.GrantChangeListener
}

func NewGrantService(
	store ports.GrantStore,
	locker ports.GrantLocker,
	users ports.UserDirectory,
	sources ports.SourceRegistry,
	cfg GrantServiceConfig,
	logger *zap.SugaredLogger,
) *GrantService {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	return &GrantService{
		store:   store,
		locker:  locker,
		users:   users,
		sources: sources,
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// AddEventSink registers a receiver for grant revocation events.
func (s *GrantService) AddEventSink(sink ports.GrantEventSink) {
	s.sinksMu.Lock()
	s.sinks = append(s.sinks, sink)
	s.sinksMu.Unlock()
}

// AddChangeListener registers a receiver told about every persisted grant
// change, admissions and releases included.
func (s *GrantService) AddChangeListener(l ports.GrantChangeListener) {
	s.sinksMu.Lock()
	s.listeners = append(s.listeners, l)
	s.sinksMu.Unlock()
}

func (s *GrantService) CreateGrant(ctx context.Context, createdBy domain.UserID, opts domain.GrantOptions) (grant *domain.AccessGrant, err error) {
	ctx, span := tracing.TraceGrantOperation(ctx, "create")
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	if createdBy == "" {
		return nil, fmt.Errorf("%w: creator is required", domain.ErrValidation)
	}
	if len(opts.AllowedSources) == 0 {
		return nil, fmt.Errorf("%w: allowed sources must not be empty", domain.ErrValidation)
	}
	if err := validation.ValidateGrantDuration(opts.Duration, s.cfg.MaxDuration); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if opts.MaxConcurrentViewers == 0 {
		opts.MaxConcurrentViewers = 1
	}
	if err := validation.ValidateMaxViewers(opts.MaxConcurrentViewers); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	allowed, err := s.resolveSources(ctx, opts.AllowedSources)
	if err != nil {
		return nil, err
	}

	token, err := s.newToken(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	grantID := domain.GrantID(utils.GenerateGrantID())
	guestID := domain.UserID(utils.GenerateGuestID())
	expiresAt := now.Add(opts.Duration)

	if _, err := s.users.CreateGuest(ctx, guestID, "Guest "+string(guestID)[len("guest_"):len("guest_")+8]); err != nil {
		return nil, fmt.Errorf("create guest principal: %w", err)
	}

	grant = &domain.AccessGrant{
		ID:                   grantID,
		GuestID:              guestID,
		InviteToken:          token,
		ShareURL:             s.cfg.BaseURL + "/share/" + token,
		ExpiresAt:            expiresAt,
		AllowedSources:       allowed,
		CanRecord:            opts.CanRecord,
		CanPTZ:               opts.CanPTZ,
		MaxConcurrentViewers: opts.MaxConcurrentViewers,
		Admissions:           make(map[domain.AdmissionID]time.Time),
		IsOneTime:            opts.IsOneTime,
		IsActive:             true,
		CreatedBy:            createdBy,
		CreatedAt:            now,
		Link: domain.ShareLink{
			ID:        domain.LinkID(uuid.NewString()),
			Token:     token,
			SessionID: grantID,
			CreatedBy: createdBy,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		},
	}

	if err := s.put(ctx, grant); err != nil {
		return nil, storeError("put grant", err)
	}

	s.metrics.GrantCreated()
	tracing.AddSpanAttributes(ctx, tracing.GrantIDKey.String(string(grant.ID)))
	s.logger.Infow("grant created",
		"grant_id", grant.ID,
		"token", utils.MaskSensitive(token, 8),
		"created_by", createdBy,
		"sources", allowed,
		"expires_at", expiresAt,
		"max_viewers", grant.MaxConcurrentViewers,
		"one_time", grant.IsOneTime,
	)
	return grant.Clone(), nil
}

func (s *GrantService) CreateQuickSourceLink(ctx context.Context, createdBy domain.UserID, sourceID domain.SourceID, d time.Duration) (*domain.AccessGrant, error) {
	if d == 0 {
		d = DefaultQuickLinkDuration
	}
	return s.CreateGrant(ctx, createdBy, domain.GrantOptions{
		Duration:             d,
		AllowedSources:       []domain.SourceID{sourceID},
		MaxConcurrentViewers: 1,
	})
}

func (s *GrantService) CreateEmergencyLink(ctx context.Context, createdBy domain.UserID, d time.Duration) (*domain.AccessGrant, error) {
	if d == 0 {
		d = DefaultEmergencyLinkDuration
	}
	all, err := s.sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	ids := make([]domain.SourceID, 0, len(all))
	for _, src := range all {
		ids = append(ids, src.ID)
	}
	return s.CreateGrant(ctx, createdBy, domain.GrantOptions{
		Duration:             d,
		AllowedSources:       ids,
		CanRecord:            true,
		CanPTZ:               true,
		MaxConcurrentViewers: 1,
		IsOneTime:            true,
	})
}

// Admit takes a viewer slot on the grant identified by token. For one-time
// grants the slot is taken and the grant consumed in the same write, so at
// most one admission ever succeeds.
func (s *GrantService) Admit(ctx context.Context, token string, sourceID domain.SourceID, info domain.AccessInfo) (*domain.Admission, error) {
	unlock, err := s.lock(ctx, token)
	if err != nil {
		s.metrics.AdmissionResult("error")
		return nil, err
	}
	defer unlock()

	grant, err := s.store.Get(ctx, token)
	if err != nil {
		s.metrics.AdmissionResult(admissionResult(err))
		return nil, storeError("get grant", err)
	}

	now := s.clock.Now()
	if err := checkAdmissible(grant, sourceID, now); err != nil {
		s.metrics.AdmissionResult(admissionResult(err))
		return nil, err
	}
	if grant.CurrentViewers >= grant.MaxConcurrentViewers {
		s.metrics.AdmissionResult(admissionResult(domain.ErrCapacityReached))
		return nil, fmt.Errorf("%w: %d of %d viewers connected", domain.ErrCapacityReached, grant.CurrentViewers, grant.MaxConcurrentViewers)
	}

	admission := &domain.Admission{
		ID:        domain.AdmissionID(uuid.NewString()),
		GrantID:   grant.ID,
		Token:     grant.InviteToken,
		GuestID:   grant.GuestID,
		SourceID:  sourceID,
		CanRecord: grant.CanRecord,
		CanPTZ:    grant.CanPTZ,
		ExpiresAt: grant.ExpiresAt,
	}

	if grant.Admissions == nil {
		grant.Admissions = make(map[domain.AdmissionID]time.Time)
	}
	grant.Admissions[admission.ID] = now
	grant.CurrentViewers++
	accessedAt := now
	grant.Link.AccessedBy = utils.DescribeClient(info.IP, info.UserAgent)
	grant.Link.AccessedAt = &accessedAt

	consumed := false
	if grant.IsOneTime {
		consumed = grant.Retire(domain.CauseConsumed, grant.CreatedBy, oneTimeReason, now)
	}

	if err := s.put(ctx, grant); err != nil {
		s.metrics.AdmissionResult("error")
		return nil, storeError("put grant", err)
	}

	s.metrics.AdmissionResult("admitted")
	s.metrics.ViewersChanged(1)
	if consumed {
		s.metrics.GrantRetired(domain.CauseConsumed)
	}
	s.logger.Infow("viewer admitted",
		"grant_id", grant.ID,
		"source_id", sourceID,
		"admission_id", admission.ID,
		"viewers", grant.CurrentViewers,
		"consumed", consumed,
	)
	return admission, nil
}

// Release frees the slot taken by admission. Releasing the same admission
// twice, or an admission whose grant is gone, is a no-op.
func (s *GrantService) Release(ctx context.Context, admission *domain.Admission) error {
	if admission == nil {
		return nil
	}
	unlock, err := s.lock(ctx, admission.Token)
	if err != nil {
		return err
	}
	defer unlock()

	grant, err := s.store.Get(ctx, admission.Token)
	if errors.Is(err, domain.ErrGrantNotFound) {
		return nil
	}
	if err != nil {
		return storeError("get grant", err)
	}

	if _, ok := grant.Admissions[admission.ID]; !ok {
		return nil
	}
	delete(grant.Admissions, admission.ID)
	grant.CurrentViewers--
	if grant.CurrentViewers < 0 {
		grant.CurrentViewers = 0
	}

	if err := s.put(ctx, grant); err != nil {
		return storeError("put grant", err)
	}
	s.metrics.ViewersChanged(-1)
	s.logger.Debugw("viewer released", "grant_id", grant.ID, "admission_id", admission.ID, "viewers", grant.CurrentViewers)
	return nil
}

// Revoke deactivates the grant and its share link. Only the creator or an
// elevated role may revoke; revoking a grant that is already terminal
// succeeds without changing it.
func (s *GrantService) Revoke(ctx context.Context, token string, revokedBy domain.UserID, reason string) error {
	ctx, span := tracing.TraceGrantOperation(ctx, "revoke")
	defer span.End()

	event, err := s.revoke(ctx, token, revokedBy, reason)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if event != nil {
		s.notifyRevoked(ctx, *event)
	}
	return nil
}

func (s *GrantService) revoke(ctx context.Context, token string, revokedBy domain.UserID, reason string) (*domain.GrantRevokedEvent, error) {
	unlock, err := s.lock(ctx, token)
	if err != nil {
		return nil, err
	}
	defer unlock()

	grant, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, storeError("get grant", err)
	}

	if revokedBy != grant.CreatedBy {
		user, err := s.users.GetUser(ctx, revokedBy)
		if err != nil || !user.Role.Elevated() {
			return nil, fmt.Errorf("%w: %s may not revoke grant %s", domain.ErrForbidden, revokedBy, grant.ID)
		}
	}

	now := s.clock.Now()
	if !grant.Retire(domain.CauseRevoked, revokedBy, reason, now) {
		return nil, nil
	}
	if err := s.put(ctx, grant); err != nil {
		return nil, storeError("put grant", err)
	}

	s.metrics.GrantRetired(domain.CauseRevoked)
	s.logger.Infow("grant revoked", "grant_id", grant.ID, "revoked_by", revokedBy, "reason", reason)
	return &domain.GrantRevokedEvent{
		GrantID:   grant.ID,
		Cause:     domain.CauseRevoked,
		RevokedBy: revokedBy,
		Reason:    reason,
		At:        now,
	}, nil
}

// SweepExpired retires every active grant whose expiry has passed and
// returns how many it retired. Concurrent sweeps each re-check the grant
// under its lock, so a grant is counted by exactly one of them.
func (s *GrantService) SweepExpired(ctx context.Context) (int, error) {
	start := time.Now()
	now := s.clock.Now()

	candidates, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return 0, storeError("list expired grants", err)
	}

	retired := 0
	var firstErr error
	for _, candidate := range candidates {
		event, err := s.retireExpired(ctx, candidate.InviteToken, now)
		if err != nil {
			s.logger.Warnw("failed to retire expired grant", "grant_id", candidate.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if event != nil {
			retired++
			s.notifyRevoked(ctx, *event)
		}
	}

	s.metrics.SweepCompleted(time.Since(start), retired)
	if retired > 0 {
		s.logger.Infow("expired grants swept", "retired", retired, "candidates", len(candidates))
	}
	return retired, firstErr
}

func (s *GrantService) retireExpired(ctx context.Context, token string, now time.Time) (*domain.GrantRevokedEvent, error) {
	unlock, err := s.lock(ctx, token)
	if err != nil {
		return nil, err
	}
	defer unlock()

	grant, err := s.store.Get(ctx, token)
	if errors.Is(err, domain.ErrGrantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get grant", err)
	}
	if !grant.IsExpired(now) {
		return nil, nil
	}
	if !grant.Retire(domain.CauseExpired, domain.SystemIdentity, expiryReason, now) {
		return nil, nil
	}
	if err := s.put(ctx, grant); err != nil {
		return nil, storeError("put grant", err)
	}

	s.metrics.GrantRetired(domain.CauseExpired)
	return &domain.GrantRevokedEvent{
		GrantID:   grant.ID,
		Cause:     domain.CauseExpired,
		RevokedBy: domain.SystemIdentity,
		Reason:    expiryReason,
		At:        now,
	}, nil
}

// Authorize checks that the grant currently permits capability c on
// sourceID without taking a viewer slot. An empty sourceID skips the
// source check.
func (s *GrantService) Authorize(ctx context.Context, token string, sourceID domain.SourceID, c domain.Capability) (*domain.AccessGrant, error) {
	grant, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, storeError("get grant", err)
	}
	if err := checkAdmissible(grant, sourceID, s.clock.Now()); err != nil {
		return nil, err
	}
	if !grant.Allows(c) {
		return nil, fmt.Errorf("%w: grant does not allow %s", domain.ErrForbidden, c)
	}
	return grant, nil
}

func (s *GrantService) Lookup(ctx context.Context, token string) (*domain.AccessGrant, error) {
	grant, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, storeError("get grant", err)
	}
	return grant, nil
}

// ListActiveLinks lists the non-revoked links created by userID. Only
// elevated roles may list links.
func (s *GrantService) ListActiveLinks(ctx context.Context, userID domain.UserID) ([]domain.LinkView, error) {
	if err := s.requireElevated(ctx, userID); err != nil {
		return nil, err
	}
	grants, err := s.store.ListByCreator(ctx, userID)
	if err != nil {
		return nil, storeError("list grants", err)
	}

	now := s.clock.Now()
	views := make([]domain.LinkView, 0, len(grants))
	for _, g := range grants {
		if g.Link.IsRevoked {
			continue
		}
		expired := g.IsExpired(now)
		views = append(views, domain.LinkView{
			Grant:     g,
			IsExpired: expired,
			IsActive:  g.IsActive && !expired,
			State:     g.State(now),
		})
	}
	return views, nil
}

func (s *GrantService) Stats(ctx context.Context, userID domain.UserID) (*domain.GrantStats, error) {
	if err := s.requireElevated(ctx, userID); err != nil {
		return nil, err
	}
	grants, err := s.store.ListByCreator(ctx, userID)
	if err != nil {
		return nil, storeError("list grants", err)
	}

	now := s.clock.Now()
	stats := &domain.GrantStats{Total: len(grants)}
	for _, g := range grants {
		switch g.State(now) {
		case domain.GrantActive:
			stats.Active++
		case domain.GrantExpired:
			stats.Expired++
		case domain.GrantConsumed:
			stats.Consumed++
		case domain.GrantRevoked:
			stats.Revoked++
		}
		stats.CurrentViewers += g.CurrentViewers
	}
	return stats, nil
}

func (s *GrantService) requireElevated(ctx context.Context, userID domain.UserID) error {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil || !user.Role.Elevated() {
		return fmt.Errorf("%w: owner or admin role required", domain.ErrForbidden)
	}
	return nil
}

func (s *GrantService) resolveSources(ctx context.Context, ids []domain.SourceID) ([]domain.SourceID, error) {
	seen := make(map[domain.SourceID]bool, len(ids))
	out := make([]domain.SourceID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.sources.Get(ctx, id); err != nil {
			if errors.Is(err, domain.ErrSourceNotFound) {
				return nil, fmt.Errorf("%w: unknown source %q", domain.ErrValidation, id)
			}
			return nil, fmt.Errorf("resolve source %q: %w", id, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *GrantService) newToken(ctx context.Context) (string, error) {
	for i := 0; i < tokenAttempts; i++ {
		token, err := utils.GenerateToken()
		if err != nil {
			return "", err
		}
		_, err = s.store.Get(ctx, token)
		if errors.Is(err, domain.ErrGrantNotFound) {
			return token, nil
		}
		if err != nil {
			return "", storeError("check token", err)
		}
	}
	return "", domain.ErrTokenExists
}

func (s *GrantService) lock(ctx context.Context, token string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "grant:"+token)
	if err != nil {
		return nil, fmt.Errorf("%w: lock grant: %w", domain.ErrStore, err)
	}
	return unlock, nil
}

func (s *GrantService) notifyRevoked(ctx context.Context, event domain.GrantRevokedEvent) {
	ctx = context.WithoutCancel(ctx)
	s.sinksMu.RLock()
	sinks := append([]ports.GrantEventSink(nil), s.sinks...)
	s.sinksMu.RUnlock()
	for _, sink := range sinks {
		sink.OnGrantRevoked(ctx, event)
	}
}

// put persists grant and tells change listeners about it.
func (s *GrantService) put(ctx context.Context, grant *domain.AccessGrant) error {
	if err := s.store.Put(ctx, grant); err != nil {
		return err
	}
	s.sinksMu.RLock()
	listeners := append([]ports.GrantChangeListener(nil), s.listeners...)
	s.sinksMu.RUnlock()
	for _, l := range listeners {
		l.OnGrantChanged(grant.ID)
	}
	return nil
}

// checkAdmissible applies the admission checks in order: expiry, revocation,
// source. Capacity is checked separately by Admit.
func checkAdmissible(g *domain.AccessGrant, sourceID domain.SourceID, now time.Time) error {
	if g.IsExpired(now) {
		return fmt.Errorf("%w: expired at %s", domain.ErrGrantExpired, g.ExpiresAt.Format(time.RFC3339))
	}
	if !g.IsActive || g.Link.IsRevoked {
		return fmt.Errorf("%w: grant %s is no longer active", domain.ErrGrantRevoked, g.ID)
	}
	if sourceID != "" && !g.AllowsSource(sourceID) {
		return fmt.Errorf("%w: %s", domain.ErrForbiddenSource, sourceID)
	}
	return nil
}

func storeError(op string, err error) error {
	if errors.Is(err, domain.ErrGrantNotFound) || errors.Is(err, domain.ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStore, op, err)
}

func admissionResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrGrantNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrGrantExpired):
		return "expired"
	case errors.Is(err, domain.ErrGrantRevoked):
		return "revoked"
	case errors.Is(err, domain.ErrForbiddenSource):
		return "forbidden_source"
	case errors.Is(err, domain.ErrCapacityReached):
		return "capacity"
	default:
		return "error"
	}
}
