package hub

import (
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
)

type outItem struct {
	frame  interface{}
	close  bool
	code   domain.CloseCode
	reason string
}

// subscriber owns one outbound queue and the goroutine draining it, so a
// blocked connection only ever stalls itself.
type subscriber struct {
	connID    domain.ConnectionID
	sourceID  domain.SourceID
	admission *domain.Admission
	conn      ports.Outbound

	queue    chan outItem
	quit     chan struct{}
	stopOnce sync.Once
}

func newSubscriber(connID domain.ConnectionID, sourceID domain.SourceID, admission *domain.Admission, conn ports.Outbound, size int) *subscriber {
	return &subscriber{
		connID:    connID,
		sourceID:  sourceID,
		admission: admission,
		conn:      conn,
		queue:     make(chan outItem, size),
		quit:      make(chan struct{}),
	}
}

// enqueue reports false when the queue is full. Frames offered after stop
// are dropped silently.
func (s *subscriber) enqueue(frame interface{}) bool {
	select {
	case <-s.quit:
		return true
	default:
	}
	select {
	case s.queue <- outItem{frame: frame}:
		return true
	default:
		return false
	}
}

// finish queues a last frame followed by a close. If the queue has no room
// the connection is closed right away.
func (s *subscriber) finish(frame interface{}, code domain.CloseCode, reason string) {
	select {
	case s.queue <- outItem{frame: frame, close: true, code: code, reason: reason}:
	default:
		s.stop()
		_ = s.conn.Close(code, reason)
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

func (s *subscriber) run(onError func(*subscriber, error)) {
	for {
		select {
		case <-s.quit:
			return
		case item := <-s.queue:
			if item.frame != nil {
				if err := s.conn.WriteFrame(item.frame); err != nil {
					select {
					case <-s.quit:
					default:
						onError(s, err)
					}
					return
				}
			}
			if item.close {
				s.stop()
				_ = s.conn.Close(item.code, item.reason)
				return
			}
		}
	}
}
