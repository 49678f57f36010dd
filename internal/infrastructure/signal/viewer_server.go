package signal

import (
	"context"
	"net/http"
	"sync/atomic"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	msgStart       = "start"
	msgStop        = "stop"
	msgListSources = "list_sources"
	msgPing        = "ping"
	msgPong        = "pong"
)

// SubscriberCounter reports live viewers per source.
type SubscriberCounter interface {
	SubscriberCount(sourceID domain.SourceID) int
}

// ViewerServer serves the viewer channel on /stream. The share token is
// given once in the query string; every relay the channel starts is
// admitted through the session gateway.
type ViewerServer struct {
	gateway  ports.SessionGateway
	grants   ports.GrantService
	sources  ports.SourceRegistry
	counter  SubscriberCounter
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	connections atomic.Int64
}

func NewViewerServer(
	gateway ports.SessionGateway,
	grants ports.GrantService,
	sources ports.SourceRegistry,
	counter SubscriberCounter,
	opts Options,
	logger *zap.SugaredLogger,
) *ViewerServer {
	opts = opts.withDefaults()
	return &ViewerServer{
		gateway:  gateway,
		grants:   grants,
		sources:  sources,
		counter:  counter,
		opts:     opts,
		upgrader: newUpgrader(opts.AllowedOrigins),
		logger:   logger,
	}
}

// viewerSession is the state of one viewer connection. It is only touched
// by the goroutine running pump.
type viewerSession struct {
	token   string
	info    domain.AccessInfo
	conn    *wsConn
	current domain.ConnectionID
	source  domain.SourceID
}

func (s *ViewerServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("viewer upgrade failed", "error", err)
		return
	}
	conn := newWSConn(ws, s.opts.WriteTimeout)
	defer conn.Close(domain.CloseNormal, "")

	q := r.URL.Query()
	sess := &viewerSession{
		token: q.Get("token"),
		info: domain.AccessInfo{
			IP:        middleware.ClientIP(r),
			UserAgent: r.UserAgent(),
		},
		conn: conn,
	}
	if sess.token == "" {
		_ = conn.Close(domain.CloseBadRequest, "token is required")
		return
	}

	s.connections.Add(1)
	defer s.connections.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer s.stop(ctx, sess, false)

	s.logger.Infow("viewer connected", "ip", sess.info.IP)

	if source := domain.SourceID(q.Get("source")); source != "" {
		if err := s.start(ctx, sess, source); err != nil {
			return
		}
	}

	pump(conn, s.opts, s.logger, func(msg inboundMessage) error {
		switch msg.Type {
		case msgStart:
			if msg.SourceID == "" {
				conn.sendError("bad_request", "sourceId is required")
				return nil
			}
			return s.start(ctx, sess, msg.SourceID)
		case msgStop:
			s.stop(ctx, sess, true)
		case msgListSources:
			s.listSources(ctx, sess)
		case msgPing:
			_ = conn.WriteFrame(domain.StreamFrame{Type: msgPong})
		default:
			conn.sendError("bad_request", "unknown message type: "+msg.Type)
		}
		return nil
	})

	s.logger.Infow("viewer disconnected", "ip", sess.info.IP)
}

// start binds the connection to source, leaving any previous source first.
// A failed admission has already closed the connection.
func (s *ViewerServer) start(ctx context.Context, sess *viewerSession, source domain.SourceID) error {
	if sess.current != "" {
		if sess.source == source {
			return nil
		}
		s.stop(ctx, sess, true)
	}

	connID := domain.ConnectionID(utils.GenerateConnectionID())
	_, err := s.gateway.OpenChannel(ctx, ports.OpenChannelRequest{
		Token:      sess.token,
		SourceID:   source,
		ConnID:     connID,
		AccessInfo: sess.info,
		Conn:       sess.conn,
	})
	if err != nil {
		return err
	}
	sess.current = connID
	sess.source = source
	return nil
}

func (s *ViewerServer) stop(ctx context.Context, sess *viewerSession, notify bool) {
	if sess.current == "" {
		return
	}
	s.gateway.CloseChannel(ctx, sess.current)
	if notify {
		_ = sess.conn.WriteFrame(domain.StreamFrame{Type: domain.FrameStopped, SourceID: sess.source})
	}
	sess.current = ""
	sess.source = ""
}

func (s *ViewerServer) listSources(ctx context.Context, sess *viewerSession) {
	grant, err := s.grants.Lookup(ctx, sess.token)
	if err != nil {
		sess.conn.sendError("not_found", "grant not found")
		return
	}

	views := make([]domain.SourceView, 0, len(grant.AllowedSources))
	for _, id := range grant.AllowedSources {
		src, err := s.sources.Get(ctx, id)
		if err != nil {
			continue
		}
		views = append(views, domain.SourceView{
			ID:     src.ID,
			Name:   src.Name,
			Active: s.counter.SubscriberCount(src.ID) > 0,
		})
	}

	caps := []domain.Capability{domain.CapabilityView}
	if grant.CanRecord {
		caps = append(caps, domain.CapabilityRecord)
	}
	if grant.CanPTZ {
		caps = append(caps, domain.CapabilityPTZ)
	}
	_ = sess.conn.WriteFrame(domain.StreamFrame{Type: domain.FrameSources, Sources: views, Capabilities: caps})
}

func (s *ViewerServer) ConnectionCount() int {
	return int(s.connections.Load())
}
