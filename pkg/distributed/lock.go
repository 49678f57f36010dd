package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrNotHeld     = errors.New("lock was not held by this instance")
)

var (
	unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

const defaultRetryInterval = 25 * time.Millisecond

// DistributedLock is a single-holder lock on a redis key (SET NX PX). While
// held it is renewed at half its TTL so long critical sections keep it.
type DistributedLock struct {
	client        *redis.Client
	key           string
	value         string // unique per holder
	ttl           time.Duration
	retryInterval time.Duration

	stopRenew  chan struct{}
	unlockOnce sync.Once
}

func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:        client,
		key:           key,
		value:         generateLockValue(),
		ttl:           ttl,
		retryInterval: defaultRetryInterval,
		stopRenew:     make(chan struct{}),
	}
}

func generateLockValue() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock acquires the lock, blocking until it's available
func (l *DistributedLock) Lock(ctx context.Context) error {
	return l.LockWithTimeout(ctx, 0)
}

// LockWithTimeout polls for the lock until timeout (30s when zero) or ctx ends.
func (l *DistributedLock) LockWithTimeout(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

// TryLock attempts to acquire the lock without blocking
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if acquired {
		go l.renewLock()
	}
	return acquired, nil
}

// Unlock releases the lock if this holder still owns it. Only the first call
// has an effect.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	err := ErrNotHeld
	l.unlockOnce.Do(func() {
		close(l.stopRenew)

		var n int64
		n, err = unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
		if err != nil {
			err = fmt.Errorf("failed to unlock %s: %w", l.key, err)
			return
		}
		if n == 0 {
			err = ErrNotHeld
		}
	})
	return err
}

func (l *DistributedLock) renewLock() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// IsLocked checks if the lock is currently held by anyone
func (l *DistributedLock) IsLocked(ctx context.Context) (bool, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// LockManager creates locks under a common key prefix.
type LockManager struct {
	client      *redis.Client
	prefix      string
	ttl         time.Duration
	waitTimeout time.Duration
}

func NewLockManager(client *redis.Client, prefix string, ttl time.Duration) *LockManager {
	return &LockManager{
		client:      client,
		prefix:      prefix,
		ttl:         ttl,
		waitTimeout: 2 * ttl,
	}
}

func (lm *LockManager) AcquireLock(key string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, ttl)
}

// Lock blocks until key is held and returns the function that releases it.
func (lm *LockManager) Lock(ctx context.Context, key string) (func(), error) {
	lock := lm.AcquireLock(key, lm.ttl)
	if err := lock.LockWithTimeout(ctx, lm.waitTimeout); err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), lm.ttl)
		defer cancel()
		_ = lock.Unlock(ctx)
	}, nil
}

// TryLock takes key only if it is free. The returned release function is
// nil when the lock is held elsewhere.
func (lm *LockManager) TryLock(ctx context.Context, key string) (func(), bool, error) {
	lock := lm.AcquireLock(key, lm.ttl)
	ok, err := lock.TryLock(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), lm.ttl)
		defer cancel()
		_ = lock.Unlock(ctx)
	}, true, nil
}
