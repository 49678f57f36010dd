package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camrelay/internal/core/domain"
)

type MemoryUserDirectory struct {
	users      map[domain.UserID]*domain.User
	byUsername map[string]domain.UserID
	mu         sync.RWMutex
}

func NewMemoryUserDirectory(users []*domain.User) *MemoryUserDirectory {
	d := &MemoryUserDirectory{
		users:      make(map[domain.UserID]*domain.User),
		byUsername: make(map[string]domain.UserID),
	}
	for _, u := range users {
		c := *u
		d.users[u.ID] = &c
		d.byUsername[u.Username] = u.ID
	}
	return d
}

func (d *MemoryUserDirectory) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, exists := d.users[id]
	if !exists {
		return nil, domain.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (d *MemoryUserDirectory) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, exists := d.byUsername[username]
	if !exists {
		return nil, domain.ErrUserNotFound
	}
	c := *d.users[id]
	return &c, nil
}

func (d *MemoryUserDirectory) CreateGuest(ctx context.Context, id domain.UserID, displayName string) (*domain.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.users[id]; exists {
		return nil, fmt.Errorf("user already exists: %s", id)
	}
	u := &domain.User{
		ID:          id,
		Username:    string(id),
		DisplayName: displayName,
		Role:        domain.RoleGuest,
		CreatedAt:   time.Now(),
	}
	d.users[id] = u
	d.byUsername[u.Username] = id
	c := *u
	return &c, nil
}
