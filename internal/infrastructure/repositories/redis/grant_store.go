package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"camrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "camrelay:grant:"

// RedisGrantStore stores each grant as a JSON document keyed by its token,
// with secondary indexes for id lookup, the active set, expiry order and
// creator.
type RedisGrantStore struct {
	client *redis.Client
	prefix string
}

func NewRedisGrantStore(client *redis.Client) *RedisGrantStore {
	return &RedisGrantStore{
		client: client,
		prefix: keyPrefix,
	}
}

func (r *RedisGrantStore) tokenKey(token string) string {
	return r.prefix + "token:" + token
}

func (r *RedisGrantStore) idKey(id domain.GrantID) string {
	return r.prefix + "id:" + string(id)
}

func (r *RedisGrantStore) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisGrantStore) expiryKey() string {
	return r.prefix + "expiry"
}

func (r *RedisGrantStore) creatorKey(id domain.UserID) string {
	return r.prefix + "creator:" + string(id)
}

func (r *RedisGrantStore) Get(ctx context.Context, token string) (*domain.AccessGrant, error) {
	data, err := r.client.Get(ctx, r.tokenKey(token)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant from Redis: %w", err)
	}

	var grant domain.AccessGrant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	return &grant, nil
}

func (r *RedisGrantStore) GetByID(ctx context.Context, id domain.GrantID) (*domain.AccessGrant, error) {
	token, err := r.client.Get(ctx, r.idKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve grant id: %w", err)
	}
	return r.Get(ctx, token)
}

// Put writes the document and its indexes in one MULTI/EXEC transaction.
func (r *RedisGrantStore) Put(ctx context.Context, grant *domain.AccessGrant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.tokenKey(grant.InviteToken), data, 0)
		pipe.Set(ctx, r.idKey(grant.ID), grant.InviteToken, 0)
		pipe.SAdd(ctx, r.creatorKey(grant.CreatedBy), grant.InviteToken)
		if grant.IsActive {
			pipe.SAdd(ctx, r.activeKey(), grant.InviteToken)
			pipe.ZAdd(ctx, r.expiryKey(), redis.Z{
				Score:  float64(grant.ExpiresAt.UnixMilli()),
				Member: grant.InviteToken,
			})
		} else {
			pipe.SRem(ctx, r.activeKey(), grant.InviteToken)
			pipe.ZRem(ctx, r.expiryKey(), grant.InviteToken)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store grant in Redis: %w", err)
	}
	return nil
}

func (r *RedisGrantStore) ListActive(ctx context.Context) ([]*domain.AccessGrant, error) {
	tokens, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active grants from Redis: %w", err)
	}
	return r.load(ctx, tokens, func(g *domain.AccessGrant) bool { return g.IsActive })
}

func (r *RedisGrantStore) ListExpired(ctx context.Context, now time.Time) ([]*domain.AccessGrant, error) {
	tokens, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get expired grants from Redis: %w", err)
	}
	return r.load(ctx, tokens, func(g *domain.AccessGrant) bool {
		return g.IsActive && g.IsExpired(now)
	})
}

func (r *RedisGrantStore) ListByCreator(ctx context.Context, createdBy domain.UserID) ([]*domain.AccessGrant, error) {
	tokens, err := r.client.SMembers(ctx, r.creatorKey(createdBy)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get grants by creator from Redis: %w", err)
	}
	return r.load(ctx, tokens, func(*domain.AccessGrant) bool { return true })
}

func (r *RedisGrantStore) load(ctx context.Context, tokens []string, keep func(*domain.AccessGrant) bool) ([]*domain.AccessGrant, error) {
	grants := make([]*domain.AccessGrant, 0, len(tokens))
	for _, token := range tokens {
		grant, err := r.Get(ctx, token)
		if err == domain.ErrGrantNotFound {
			// Index entry without a document; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(grant) {
			grants = append(grants, grant)
		}
	}
	return grants, nil
}
