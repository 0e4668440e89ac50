package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/config"
)

// RedisStore keeps each checkpoint as a JSON string with a TTL, plus a
// per-exam pointer to the attempt in progress.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.AttemptCheckpointKey(cp.AttemptID), data, s.ttl)
	pipe.Set(ctx, config.CacheKey.ExamActiveAttemptKey(cp.ExamID), cp.AttemptID.String(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, attemptID uuid.UUID) (*Checkpoint, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.AttemptCheckpointKey(attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *RedisStore) Active(ctx context.Context, examID uuid.UUID) (*Checkpoint, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.ExamActiveAttemptKey(examID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load active attempt: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse active attempt: %w", err)
	}
	return s.Load(ctx, id)
}

func (s *RedisStore) Delete(ctx context.Context, attemptID uuid.UUID) error {
	cp, err := s.Load(ctx, attemptID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, config.CacheKey.AttemptCheckpointKey(attemptID))
	activeKey := config.CacheKey.ExamActiveAttemptKey(cp.ExamID)
	if cur, err := s.rdb.Get(ctx, activeKey).Result(); err == nil && cur == attemptID.String() {
		pipe.Del(ctx, activeKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
