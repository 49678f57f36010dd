package signal

import (
	"context"
	"errors"
	"net/http"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	"camrelay/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const msgChat = "chat_message"

// ControlRegistry is the control side of the broadcast hub.
type ControlRegistry interface {
	RegisterControl(connID domain.ConnectionID, conn ports.Outbound)
	UnregisterControl(connID domain.ConnectionID)
}

// ControlServer serves the chat and notification channel on /ws. Dashboard
// users authenticate with ?access_token=<jwt>; guests with ?token=<share
// token> of a grant that is still active.
type ControlServer struct {
	auth     services.AuthService
	grants   ports.GrantService
	users    ports.UserDirectory
	chat     ports.ChatService
	registry ControlRegistry
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewControlServer(
	auth services.AuthService,
	grants ports.GrantService,
	users ports.UserDirectory,
	chat ports.ChatService,
	registry ControlRegistry,
	opts Options,
	logger *zap.SugaredLogger,
) *ControlServer {
	opts = opts.withDefaults()
	return &ControlServer{
		auth:     auth,
		grants:   grants,
		users:    users,
		chat:     chat,
		registry: registry,
		opts:     opts,
		upgrader: newUpgrader(opts.AllowedOrigins),
		logger:   logger,
	}
}

var errUnauthenticated = errors.New("access_token or token is required")

// identify resolves the caller from the query string.
func (s *ControlServer) identify(ctx context.Context, r *http.Request) (*domain.User, error) {
	q := r.URL.Query()
	if tok := q.Get("access_token"); tok != "" {
		claims, err := s.auth.ValidateToken(tok)
		if err != nil {
			return nil, err
		}
		return s.users.GetUser(ctx, claims.UserID)
	}
	if tok := q.Get("token"); tok != "" {
		grant, err := s.grants.Authorize(ctx, tok, "", domain.CapabilityView)
		if err != nil {
			return nil, err
		}
		return s.users.GetUser(ctx, grant.GuestID)
	}
	return nil, errUnauthenticated
}

func (s *ControlServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("control upgrade failed", "error", err)
		return
	}
	conn := newWSConn(ws, s.opts.WriteTimeout)
	defer conn.Close(domain.CloseNormal, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	user, err := s.identify(ctx, r)
	if err != nil {
		code := domain.CloseCodeFor(err)
		if code == domain.CloseInternal {
			code = domain.CloseForbidden
		}
		s.logger.Infow("control channel rejected", "code", int(code), "error", err)
		_ = conn.Close(code, truncate(err.Error()))
		return
	}

	connID := domain.ConnectionID(utils.GenerateConnectionID())
	if err := conn.WriteFrame(domain.ControlMessage{Type: "connected", Data: user.Public()}); err != nil {
		return
	}
	s.registry.RegisterControl(connID, conn)
	defer s.registry.UnregisterControl(connID)

	s.logger.Infow("control channel opened", "connection_id", connID, "user_id", user.ID, "role", user.Role)

	pump(conn, s.opts, s.logger, func(msg inboundMessage) error {
		switch msg.Type {
		case msgChat:
			if _, err := s.chat.Post(ctx, user.ID, msg.Content); err != nil {
				conn.sendError("chat_rejected", err.Error())
			}
		case msgPing:
			_ = conn.WriteFrame(domain.ControlMessage{Type: msgPong})
		default:
			conn.sendError("bad_request", "unknown message type: "+msg.Type)
		}
		return nil
	})

	s.logger.Infow("control channel closed", "connection_id", connID, "user_id", user.ID)
}

func truncate(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}
