package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "farmops:onboarding:session:"

type redisRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig configures the Redis snapshot store.
type RedisConfig struct {
	Client *redis.Client
	// Prefix namespaces keys; defaults to "farmops:onboarding:session:".
	Prefix string
	// TTL is refreshed on every save. Zero stores without expiry.
	TTL time.Duration
}

// NewRedisRepository stores snapshots as JSON strings so a restarted API
// replica can resume sessions started elsewhere.
func NewRedisRepository(cfg RedisConfig) (Repository, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultKeyPrefix
	}
	return &redisRepository{client: cfg.Client, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

func (r *redisRepository) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *redisRepository) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	raw, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, fmt.Errorf("load session snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode session snapshot: %w", err)
	}
	return snapshot, nil
}

func (r *redisRepository) Save(ctx context.Context, snapshot Snapshot) error {
	snapshot.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key(snapshot.SessionID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session snapshot: %w", err)
	}
	return nil
}

func (r *redisRepository) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session snapshot: %w", err)
	}
	return nil
}
