package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"go.uber.org/zap"
)

const DefaultQueueSize = 256

// Profiles resolves the encoder settings used when a source's relay starts.
type Profiles interface {
	ProfileFor(source *domain.Source) domain.QualityProfile
}

type Config struct {
	// QueueSize bounds the frames buffered per subscriber. A subscriber
	// whose queue is full is evicted instead of slowing the others.
	QueueSize int
	Metrics   ports.Metrics
}

// Hub fans relay output out to viewers and control messages out to control
// channels. The two registries are separate: video for one source never
// reaches a viewer of another, and chat never travels on a viewer channel.
type Hub struct {
	grants   ports.GrantReleaser
	sources  ports.SourceRegistry
	profiles Profiles
	relays   ports.RelaySupervisor

	queueSize int
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	mu       sync.RWMutex
	subs     map[domain.ConnectionID]*subscriber
	bySource map[domain.SourceID]map[domain.ConnectionID]*subscriber

	controlMu sync.RWMutex
	control   map[domain.ConnectionID]*subscriber
}

func New(grants ports.GrantReleaser, sources ports.SourceRegistry, profiles Profiles, cfg Config, logger *zap.SugaredLogger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	return &Hub{
		grants:    grants,
		sources:   sources,
		profiles:  profiles,
		queueSize: cfg.QueueSize,
		metrics:   cfg.Metrics,
		logger:    logger,
		subs:      make(map[domain.ConnectionID]*subscriber),
		bySource:  make(map[domain.SourceID]map[domain.ConnectionID]*subscriber),
		control:   make(map[domain.ConnectionID]*subscriber),
	}
}

// AttachRelays sets the supervisor the hub starts and releases relays on.
// It must be called before the first Subscribe.
func (h *Hub) AttachRelays(relays ports.RelaySupervisor) {
	h.relays = relays
}

// Subscribe registers the viewer and makes sure the source's relay runs.
// Joining a running relay is a no-op on the supervisor side. When Subscribe
// fails the admission has already been released.
func (h *Hub) Subscribe(ctx context.Context, s ports.Subscription) error {
	source, err := h.sources.Get(ctx, s.SourceID)
	if err != nil {
		h.releaseGrant(ctx, s.Admission)
		return fmt.Errorf("resolve source %s: %w", s.SourceID, err)
	}

	sub := newSubscriber(s.ConnID, s.SourceID, s.Admission, s.Conn, h.queueSize)
	// started must precede any data frame Publish can queue once sub is visible.
	sub.enqueue(domain.StreamFrame{Type: domain.FrameStarted, SourceID: s.SourceID, Message: source.Name})

	h.mu.Lock()
	if _, exists := h.subs[s.ConnID]; exists {
		h.mu.Unlock()
		h.releaseGrant(ctx, s.Admission)
		return fmt.Errorf("%w: %s", domain.ErrSubscriberExists, s.ConnID)
	}
	h.subs[s.ConnID] = sub
	peers := h.bySource[s.SourceID]
	if peers == nil {
		peers = make(map[domain.ConnectionID]*subscriber)
		h.bySource[s.SourceID] = peers
	}
	peers[s.ConnID] = sub
	count := len(peers)
	h.mu.Unlock()

	h.metrics.SubscriberAdded(s.SourceID)
	h.logger.Infow("viewer subscribed", "connection_id", s.ConnID, "source_id", s.SourceID, "subscribers", count)

	status, err := h.relays.EnsureRunning(ctx, source, h.profiles.ProfileFor(source))
	if err != nil {
		h.logger.Warnw("relay unavailable for subscriber", "connection_id", s.ConnID, "source_id", s.SourceID, "error", err)
		h.Unsubscribe(context.WithoutCancel(ctx), s.ConnID)
		return err
	}

	// The writer starts only once the relay is up, so a failed join never
	// leaks the queued started frame to the viewer.
	go sub.run(h.onWriteFailure)
	h.logger.Debugw("relay joined", "source_id", s.SourceID, "pid", status.PID, "state", status.State)
	return nil
}

// Publish hands chunk to every subscriber of sourceID without blocking. A
// subscriber that cannot take the chunk is evicted in the background.
func (h *Hub) Publish(sourceID domain.SourceID, chunk []byte) {
	h.mu.RLock()
	peers := h.bySource[sourceID]
	targets := make([]*subscriber, 0, len(peers))
	for _, sub := range peers {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	frame := domain.StreamFrame{Type: domain.FrameData, SourceID: sourceID, Data: chunk}
	for _, sub := range targets {
		if !sub.enqueue(frame) {
			h.metrics.SubscriberEvicted(sourceID)
			go h.evict(sub, domain.CloseInternal, "subscriber too slow")
		}
	}
}

// Unsubscribe removes the viewer. The last viewer of a source releases the
// relay, and the admission is always handed back to the grant manager.
// Unknown or already removed connections are ignored.
func (h *Hub) Unsubscribe(ctx context.Context, connID domain.ConnectionID) {
	sub, last := h.detach(connID)
	if sub == nil {
		return
	}
	sub.stop()
	h.finishDetach(ctx, sub, last)
}

// SourceFailed ends every viewer of a source whose relay gave up, sending
// each an error frame before the channel closes.
func (h *Hub) SourceFailed(sourceID domain.SourceID, cause error) {
	code := "upstream_unavailable"
	if !errors.Is(cause, domain.ErrUpstreamUnavailable) {
		code = "relay_failed"
	}
	frame := domain.StreamFrame{Type: domain.FrameError, SourceID: sourceID, Code: code, Message: cause.Error()}
	n := h.endSource(sourceID, frame, domain.CloseUpstreamUnavailable, "source unavailable")
	h.logger.Warnw("relay failed, closed viewers", "source_id", sourceID, "viewers", n, "error", cause)
}

// SourceStopped ends every viewer of a source whose relay exited cleanly.
// Each gets a stopped frame and a normal close.
func (h *Hub) SourceStopped(sourceID domain.SourceID) {
	frame := domain.StreamFrame{Type: domain.FrameStopped, SourceID: sourceID}
	n := h.endSource(sourceID, frame, domain.CloseNormal, "stream ended")
	h.logger.Infow("relay stopped, closed viewers", "source_id", sourceID, "viewers", n)
}

func (h *Hub) endSource(sourceID domain.SourceID, frame domain.StreamFrame, code domain.CloseCode, reason string) int {
	h.mu.RLock()
	peers := make([]*subscriber, 0, len(h.bySource[sourceID]))
	for _, sub := range h.bySource[sourceID] {
		peers = append(peers, sub)
	}
	h.mu.RUnlock()

	closed := 0
	for _, sub := range peers {
		detached, last := h.detach(sub.connID)
		if detached == nil {
			continue
		}
		detached.finish(frame, code, reason)
		h.finishDetach(context.Background(), detached, last)
		closed++
	}
	return closed
}

func (h *Hub) SubscriberCount(sourceID domain.SourceID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySource[sourceID])
}

// Subscribers lists the viewers attached to sourceID.
func (h *Hub) Subscribers(sourceID domain.SourceID) []domain.ConnectionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]domain.ConnectionID, 0, len(h.bySource[sourceID]))
	for id := range h.bySource[sourceID] {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) RegisterControl(connID domain.ConnectionID, conn ports.Outbound) {
	sub := newSubscriber(connID, "", nil, conn, h.queueSize)

	h.controlMu.Lock()
	old := h.control[connID]
	h.control[connID] = sub
	n := len(h.control)
	h.controlMu.Unlock()

	if old != nil {
		old.stop()
	}
	go sub.run(h.onControlWriteFailure)
	h.metrics.ControlClients(n)
}

func (h *Hub) UnregisterControl(connID domain.ConnectionID) {
	h.controlMu.Lock()
	sub, ok := h.control[connID]
	if ok {
		delete(h.control, connID)
	}
	n := len(h.control)
	h.controlMu.Unlock()

	if ok {
		sub.stop()
		h.metrics.ControlClients(n)
	}
}

// BroadcastControl queues msg for every control channel except the
// excluded ones. Each channel receives messages in the order they were
// broadcast.
func (h *Hub) BroadcastControl(msg interface{}, excluding ...domain.ConnectionID) {
	h.controlMu.RLock()
	targets := make([]*subscriber, 0, len(h.control))
	for id, sub := range h.control {
		if !contains(excluding, id) {
			targets = append(targets, sub)
		}
	}
	h.controlMu.RUnlock()

	for _, sub := range targets {
		if !sub.enqueue(msg) {
			h.logger.Warnw("control channel queue full, dropping client", "connection_id", sub.connID)
			go func(sub *subscriber) {
				h.UnregisterControl(sub.connID)
				_ = sub.conn.Close(domain.CloseInternal, "control channel too slow")
			}(sub)
		}
	}
}

func (h *Hub) ControlCount() int {
	h.controlMu.RLock()
	defer h.controlMu.RUnlock()
	return len(h.control)
}

// Close stops every writer. Connections themselves belong to the servers.
func (h *Hub) Close() {
	h.mu.Lock()
	for id, sub := range h.subs {
		sub.stop()
		delete(h.subs, id)
	}
	h.bySource = make(map[domain.SourceID]map[domain.ConnectionID]*subscriber)
	h.mu.Unlock()

	h.controlMu.Lock()
	for id, sub := range h.control {
		sub.stop()
		delete(h.control, id)
	}
	h.controlMu.Unlock()
}

func (h *Hub) detach(connID domain.ConnectionID) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[connID]
	if !ok {
		return nil, false
	}
	delete(h.subs, connID)
	peers := h.bySource[sub.sourceID]
	delete(peers, connID)
	last := len(peers) == 0
	if last {
		delete(h.bySource, sub.sourceID)
	}
	return sub, last
}

func (h *Hub) finishDetach(ctx context.Context, sub *subscriber, last bool) {
	h.metrics.SubscriberRemoved(sub.sourceID)
	h.logger.Infow("viewer unsubscribed", "connection_id", sub.connID, "source_id", sub.sourceID, "last", last)

	if last && h.relays != nil {
		h.relays.Release(ctx, sub.sourceID)
	}
	h.releaseGrant(ctx, sub.admission)
}

func (h *Hub) evict(sub *subscriber, code domain.CloseCode, reason string) {
	current, last := h.detach(sub.connID)
	if current == nil {
		return
	}
	current.stop()
	if err := current.conn.Close(code, reason); err != nil {
		h.logger.Debugw("close evicted subscriber", "connection_id", current.connID, "error", err)
	}
	h.finishDetach(context.Background(), current, last)
}

func (h *Hub) onWriteFailure(sub *subscriber, err error) {
	h.logger.Infow("viewer write failed", "connection_id", sub.connID, "source_id", sub.sourceID, "error", err)
	h.metrics.SubscriberEvicted(sub.sourceID)
	h.evict(sub, domain.CloseInternal, "write failed")
}

func (h *Hub) onControlWriteFailure(sub *subscriber, err error) {
	h.logger.Infow("control write failed", "connection_id", sub.connID, "error", err)
	h.UnregisterControl(sub.connID)
}

func (h *Hub) releaseGrant(ctx context.Context, admission *domain.Admission) {
	if admission == nil || h.grants == nil {
		return
	}
	if err := h.grants.Release(ctx, admission); err != nil {
		h.logger.Errorw("failed to release viewer slot",
			"grant_id", admission.GrantID,
			"admission_id", admission.ID,
			"error", err,
		)
	}
}

func contains(ids []domain.ConnectionID, id domain.ConnectionID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
