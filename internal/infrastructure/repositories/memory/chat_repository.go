package memory

import (
	"context"
	"sync"

	"camrelay/internal/core/domain"
)

// MemoryChatRepository keeps the most recent messages in a ring buffer.
type MemoryChatRepository struct {
	messages []*domain.ChatMessage
	next     int
	full     bool
	mu       sync.RWMutex
}

func NewMemoryChatRepository(capacity int) *MemoryChatRepository {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryChatRepository{messages: make([]*domain.ChatMessage, capacity)}
}

func (r *MemoryChatRepository) Add(ctx context.Context, msg *domain.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *msg
	r.messages[r.next] = &c
	r.next = (r.next + 1) % len(r.messages)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns up to limit messages, oldest first.
func (r *MemoryChatRepository) Recent(ctx context.Context, limit int) ([]*domain.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	start := 0
	if r.full {
		n = len(r.messages)
		start = r.next
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]*domain.ChatMessage, 0, limit)
	for i := n - limit; i < n; i++ {
		c := *r.messages[(start+i)%len(r.messages)]
		out = append(out, &c)
	}
	return out, nil
}
