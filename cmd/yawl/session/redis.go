package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yawlengine/yawl/common/logger"
	"github.com/yawlengine/yawl/common/redis"
)

// redisKeyPrefix namespaces session handles in a shared Redis.
const redisKeyPrefix = "yawl:session:"

// RedisStore keeps sessions in Redis so every engine replica resolves
// the same handles. Expiry rides on the key TTL; Get slides it forward
// with EXPIRE instead of rewriting the value.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisStore creates a Redis-backed session store over an already
// connected client. The store does not own the client; Close is a no-op.
func NewRedisStore(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, log: log}
}

// Put stores a session under its handle.
func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sess.Handle, string(data), s.ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get resolves a handle and slides its key TTL forward.
func (s *RedisStore) Get(ctx context.Context, handle string) (*Session, error) {
	key := redisKeyPrefix + handle

	data, err := s.client.Get(ctx, key)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, ErrUnknownHandle
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		// An undecodable value cannot authenticate anyone; the caller
		// reconnects and overwrites it.
		s.log.Warn("discarding undecodable session record", "handle", handle, "error", err)
		return nil, ErrUnknownHandle
	}

	if err := s.client.Expire(ctx, key, s.ttl); err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			return nil, ErrUnknownHandle
		}
		return nil, fmt.Errorf("failed to extend session: %w", err)
	}
	return &sess, nil
}

// Delete removes a handle. Deleting an absent handle is not an error.
func (s *RedisStore) Delete(ctx context.Context, handle string) error {
	if err := s.client.Delete(ctx, redisKeyPrefix+handle); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close releases nothing; the Redis client belongs to the container.
func (s *RedisStore) Close() error { return nil }
