package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCheckpointKeyPrefix = "conv:"

// RedisCheckpointStore keeps a thread's checkpoints in a sorted set scored by sequence number.
type RedisCheckpointStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
	retention time.Duration
}

type RedisCheckpointOption func(*RedisCheckpointStore)

func WithCheckpointKeyPrefix(prefix string) RedisCheckpointOption {
	return func(s *RedisCheckpointStore) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

// WithCheckpointRetention expires a thread's checkpoints after a period without
// writes. A thread waiting for an approval decision does not expire.
func WithCheckpointRetention(ttl time.Duration) RedisCheckpointOption {
	return func(s *RedisCheckpointStore) {
		s.retention = ttl
	}
}

func NewRedisCheckpointStore(rdb redis.UniversalClient, opts ...RedisCheckpointOption) (*RedisCheckpointStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	s := &RedisCheckpointStore{
		rdb:       rdb,
		keyPrefix: defaultCheckpointKeyPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.retention < 0 {
		return nil, errors.New("retention must be >= 0")
	}
	return s, nil
}

func (s *RedisCheckpointStore) key(threadID string) (string, error) {
	if strings.TrimSpace(threadID) == "" {
		return "", ErrInvalidThread
	}
	return s.keyPrefix + threadID + ":checkpoints", nil
}

func (s *RedisCheckpointStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	key, err := s.key(cp.ThreadID)
	if err != nil {
		return err
	}
	raw, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		top, err := tx.ZRevRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read latest checkpoint: %w", err)
		}
		if len(top) > 0 && cp.SequenceNo <= int64(top[0].Score) {
			return fmt.Errorf("%w: thread=%s got=%d latest=%d", ErrSequenceConflict, cp.ThreadID, cp.SequenceNo, int64(top[0].Score))
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(cp.SequenceNo), Member: string(raw)})
			switch {
			case s.retention <= 0:
			case cp.Suspended():
				pipe.Persist(ctx, key)
			default:
				pipe.Expire(ctx, key, s.retention)
			}
			return nil
		})
		return err
	}

	err = s.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: concurrent write on thread=%s", ErrSequenceConflict, cp.ThreadID)
	}
	return err
}

func (s *RedisCheckpointStore) GetLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	key, err := s.key(threadID)
	if err != nil {
		return nil, err
	}
	rows, err := s.rdb.ZRevRange(ctx, key, 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read latest checkpoint: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrCheckpointNotFound
	}
	return decodeCheckpoint([]byte(rows[0]))
}

func (s *RedisCheckpointStore) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	key, err := s.key(threadID)
	if err != nil {
		return nil, err
	}
	rows, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read checkpoint history: %w", err)
	}
	out := make([]*Checkpoint, 0, len(rows))
	for _, row := range rows {
		cp, err := decodeCheckpoint([]byte(row))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

var _ CheckpointStore = (*RedisCheckpointStore)(nil)
