package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSessionKeyPrefix = "conv:"

// RedisSessionCache stores sessions as JSON strings with a sliding TTL.
type RedisSessionCache struct {
	rdb       redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

func NewRedisSessionCache(rdb redis.Cmdable, ttl time.Duration) (*RedisSessionCache, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return &RedisSessionCache{rdb: rdb, keyPrefix: defaultSessionKeyPrefix, ttl: ttl}, nil
}

func (r *RedisSessionCache) key(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", ErrInvalidSession
	}
	return r.keyPrefix + sessionID + ":session", nil
}

func (r *RedisSessionCache) Get(ctx context.Context, sessionID string) (*Session, error) {
	key, err := r.key(sessionID)
	if err != nil {
		return nil, err
	}
	var cmd *redis.StringCmd
	if r.ttl > 0 {
		cmd = r.rdb.GetEx(ctx, key, r.ttl)
	} else {
		cmd = r.rdb.Get(ctx, key)
	}
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrCacheUnavailable, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (r *RedisSessionCache) Put(ctx context.Context, sess *Session) error {
	if err := validateSession(sess); err != nil {
		return err
	}
	key, err := r.key(sess.SessionID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.rdb.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set session: %v", ErrCacheUnavailable, err)
	}
	return nil
}

func (r *RedisSessionCache) Delete(ctx context.Context, sessionID string) error {
	key, err := r.key(sessionID)
	if err != nil {
		return err
	}
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: delete session: %v", ErrCacheUnavailable, err)
	}
	return nil
}

var _ SessionCache = (*RedisSessionCache)(nil)
