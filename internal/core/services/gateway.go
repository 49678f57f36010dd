package services

import (
	"context"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/tracing"

	"go.uber.org/zap"
)

type channel struct {
	admission *domain.Admission
	conn      ports.Outbound
}

// Gateway is the only path from a viewer connection to a relay. It admits
// through the grant service, subscribes through the hub, and tracks which
// channels each grant admitted so a revocation can close them.
type Gateway struct {
	grants ports.GrantService
	hub    ports.BroadcastHub
	logger *zap.SugaredLogger

	mu       sync.Mutex
	channels map[domain.ConnectionID]*channel
	byGrant  map[domain.GrantID]map[domain.ConnectionID]struct{}
}

func NewGateway(grants ports.GrantService, hub ports.BroadcastHub, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{
		grants:   grants,
		hub:      hub,
		logger:   logger,
		channels: make(map[domain.ConnectionID]*channel),
		byGrant:  make(map[domain.GrantID]map[domain.ConnectionID]struct{}),
	}
}

// OpenChannel admits the viewer and subscribes it to the source. On any
// failure the connection is closed with the matching code and nothing is
// left registered.
func (g *Gateway) OpenChannel(ctx context.Context, req ports.OpenChannelRequest) (*domain.Admission, error) {
	ctx, span := tracing.TraceChannelOpen(ctx, string(req.ConnID), string(req.SourceID))
	defer span.End()

	admission, err := g.grants.Admit(ctx, req.Token, req.SourceID, req.AccessInfo)
	if err != nil {
		tracing.RecordError(ctx, err)
		g.reject(req, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx, tracing.GrantIDKey.String(string(admission.GrantID)))

	g.track(req.ConnID, admission, req.Conn)

	err = g.hub.Subscribe(ctx, ports.Subscription{
		ConnID:    req.ConnID,
		SourceID:  req.SourceID,
		Admission: admission,
		Conn:      req.Conn,
	})
	if err != nil {
		// The hub has already handed the slot back.
		g.untrack(req.ConnID)
		tracing.RecordError(ctx, err)
		g.reject(req, err)
		return nil, err
	}

	// A revocation may have closed the channel while it subscribed; the hub
	// registration is then the only thing left to undo.
	if !g.tracked(req.ConnID) {
		g.hub.Unsubscribe(ctx, req.ConnID)
		return nil, domain.ErrGrantRevoked
	}

	// A revocation that landed between admit and track was not seen by
	// OnGrantRevoked; catch it here.
	if grant, err := g.grants.Lookup(ctx, req.Token); err == nil {
		if grant.Cause == domain.CauseRevoked || grant.Cause == domain.CauseExpired {
			g.evict(ctx, req.ConnID, domain.CloseCodeForCause(grant.Cause), string(grant.Cause))
			return nil, domain.ErrGrantRevoked
		}
	}

	g.logger.Infow("channel opened",
		"connection_id", req.ConnID,
		"source_id", req.SourceID,
		"grant_id", admission.GrantID,
		"ip", req.AccessInfo.IP,
	)
	return admission, nil
}

// CloseChannel runs the disconnect path for connID exactly once, however
// many close signals arrive.
func (g *Gateway) CloseChannel(ctx context.Context, connID domain.ConnectionID) {
	ch := g.untrack(connID)
	if ch == nil {
		return
	}
	g.hub.Unsubscribe(ctx, connID)
	g.logger.Infow("channel closed", "connection_id", connID, "grant_id", ch.admission.GrantID)
}

// OnGrantRevoked force-closes every channel the grant admitted.
func (g *Gateway) OnGrantRevoked(ctx context.Context, event domain.GrantRevokedEvent) {
	g.mu.Lock()
	ids := make([]domain.ConnectionID, 0, len(g.byGrant[event.GrantID]))
	for id := range g.byGrant[event.GrantID] {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	g.logger.Infow("closing channels of retired grant",
		"grant_id", event.GrantID,
		"cause", event.Cause,
		"channels", len(ids),
	)

	code := domain.CloseCodeForCause(event.Cause)
	reason := string(event.Cause)
	if event.Reason != "" {
		reason = event.Reason
	}
	for _, id := range ids {
		g.evict(ctx, id, code, reason)
	}
}

// CloseAll closes every open channel with CloseNormal and hands its slot
// back. It runs on shutdown.
func (g *Gateway) CloseAll(ctx context.Context, reason string) int {
	g.mu.Lock()
	ids := make([]domain.ConnectionID, 0, len(g.channels))
	for id := range g.channels {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.evict(ctx, id, domain.CloseNormal, reason)
	}
	return len(ids)
}

func (g *Gateway) OpenChannels() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.channels)
}

func (g *Gateway) evict(ctx context.Context, connID domain.ConnectionID, code domain.CloseCode, reason string) {
	g.mu.Lock()
	ch := g.channels[connID]
	g.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.conn.Close(code, truncateReason(reason)); err != nil {
		g.logger.Debugw("close channel", "connection_id", connID, "error", err)
	}
	g.CloseChannel(ctx, connID)
}

func (g *Gateway) reject(req ports.OpenChannelRequest, err error) {
	code := domain.CloseCodeFor(err)
	log := g.logger.Warnw
	if domain.IsAuthorizationError(err) {
		log = g.logger.Infow
	}
	log("channel rejected",
		"connection_id", req.ConnID,
		"source_id", req.SourceID,
		"code", int(code),
		"error", err,
	)
	if req.Conn != nil {
		_ = req.Conn.Close(code, truncateReason(err.Error()))
	}
}

func (g *Gateway) track(connID domain.ConnectionID, admission *domain.Admission, conn ports.Outbound) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[connID] = &channel{admission: admission, conn: conn}
	set := g.byGrant[admission.GrantID]
	if set == nil {
		set = make(map[domain.ConnectionID]struct{})
		g.byGrant[admission.GrantID] = set
	}
	set[connID] = struct{}{}
}

func (g *Gateway) tracked(connID domain.ConnectionID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.channels[connID]
	return ok
}

func (g *Gateway) untrack(connID domain.ConnectionID) *channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[connID]
	if !ok {
		return nil
	}
	delete(g.channels, connID)
	if set := g.byGrant[ch.admission.GrantID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(g.byGrant, ch.admission.GrantID)
		}
	}
	return ch
}

// Close frame reasons are limited to 123 bytes.
func truncateReason(s string) string {
	if len(s) > 123 {
		return s[:123]
	}
	return s
}
