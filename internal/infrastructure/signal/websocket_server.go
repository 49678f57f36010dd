package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"camrelay/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options are shared by the viewer and control servers.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	MaxMessageSize int64
	// MessageLimiter returns the inbound limiter for a new connection. A nil
	// func or a nil limiter disables message limiting.
	MessageLimiter func() *rate.Limiter
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= o.PingInterval {
		o.PongTimeout = 2 * o.PingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	return o
}

func newUpgrader(origins []string) websocket.Upgrader {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || allowed[origin]
		},
	}
}

// inboundMessage is the union of client frames on both channel kinds.
type inboundMessage struct {
	Type     string          `json:"type"`
	SourceID domain.SourceID `json:"sourceId,omitempty"`
	Content  string          `json:"content,omitempty"`
}

// wsConn serializes writes to a websocket and implements ports.Outbound.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, writeTimeout: writeTimeout, closed: make(chan struct{})}
}

func (c *wsConn) WriteFrame(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

// Close sends a close frame carrying code and drops the connection. Only
// the first call has any effect.
func (c *wsConn) Close(code domain.CloseCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(int(code), reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) sendError(code, message string) {
	_ = c.WriteFrame(domain.StreamFrame{Type: domain.FrameError, Code: code, Message: message})
}

// pump reads client frames and keeps the connection alive with pings until
// the connection fails or handle returns an error. Frames are handled one at
// a time on the calling goroutine.
func pump(conn *wsConn, opts Options, logger *zap.SugaredLogger, handle func(inboundMessage) error) {
	ws := conn.conn
	ws.SetReadLimit(opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	var limiter *rate.Limiter
	if opts.MessageLimiter != nil {
		limiter = opts.MessageLimiter()
	}

	messages := make(chan inboundMessage, 10)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))

			var msg inboundMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
				conn.sendError("bad_request", "malformed message")
				continue
			}
			select {
			case messages <- msg:
			case <-done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-messages:
			if limiter != nil && !limiter.Allow() {
				conn.sendError("rate_limited", "too many messages")
				continue
			}
			if err := handle(msg); err != nil {
				logger.Debugw("channel handler ended connection", "type", msg.Type, "error", err)
				return
			}

		case <-pingTicker.C:
			if err := conn.ping(); err != nil {
				logger.Debugw("ping failed", "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Infow("channel read failed", "error", err)
			}
			return
		}
	}
}
