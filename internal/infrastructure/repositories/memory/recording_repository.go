package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"camrelay/internal/core/domain"
)

type MemoryRecordingRequestRepository struct {
	requests map[domain.RequestID]*domain.RecordingRequest
	mu       sync.RWMutex
}

func NewMemoryRecordingRequestRepository() *MemoryRecordingRequestRepository {
	return &MemoryRecordingRequestRepository{
		requests: make(map[domain.RequestID]*domain.RecordingRequest),
	}
}

func (r *MemoryRecordingRequestRepository) Create(ctx context.Context, req *domain.RecordingRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.requests[req.ID]; exists {
		return fmt.Errorf("recording request already exists: %s", req.ID)
	}
	c := *req
	r.requests[req.ID] = &c
	return nil
}

func (r *MemoryRecordingRequestRepository) GetByID(ctx context.Context, id domain.RequestID) (*domain.RecordingRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, exists := r.requests[id]
	if !exists {
		return nil, domain.ErrRequestNotFound
	}
	c := *req
	return &c, nil
}

func (r *MemoryRecordingRequestRepository) Update(ctx context.Context, req *domain.RecordingRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.requests[req.ID]; !exists {
		return domain.ErrRequestNotFound
	}
	c := *req
	r.requests[req.ID] = &c
	return nil
}

func (r *MemoryRecordingRequestRepository) List(ctx context.Context) ([]*domain.RecordingRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.RecordingRequest, 0, len(r.requests))
	for _, req := range r.requests {
		c := *req
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
