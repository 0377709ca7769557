package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/config"
	"github.com/cunode/cunode/pkg/cuerr"
)

// RedisCheckpointStore keeps memory checkpoints in Redis. Each snapshot
// lives under its own key, and a per-process sorted set scored by
// ordinate serves the at-or-before lookup.
type RedisCheckpointStore struct {
	cfg    config.RedisConfig
	client *redis.Client
}

// NewRedisCheckpointStore connects to Redis and verifies the connection.
func NewRedisCheckpointStore(cfg config.RedisConfig) (*RedisCheckpointStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cfg.Timeout = timeout

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, cuerr.Wrap(err, cuerr.ClassConfig, "connect to redis")
	}

	return &RedisCheckpointStore{cfg: cfg, client: client}, nil
}

func (s *RedisCheckpointStore) dataKey(processID, checkpointID string) string {
	return s.cfg.Prefix + processID + ":" + checkpointID
}

func (s *RedisCheckpointStore) indexKey(processID string) string {
	return s.cfg.Prefix + "index:" + processID
}

// SaveCheckpoint writes the snapshot and its index entry in one pipeline.
func (s *RedisCheckpointStore) SaveCheckpoint(ctx context.Context, cp *model.MemoryCheckpoint) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(cp)
	if err != nil {
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "marshal checkpoint")
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.dataKey(cp.ProcessID, cp.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(cp.ProcessID), redis.Z{
		Score:  float64(cp.Ordinate),
		Member: cp.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "save checkpoint to redis")
	}
	return nil
}

// FindCheckpointBefore walks the index from the target ordinate downward
// and returns the first snapshot that qualifies.
func (s *RedisCheckpointStore) FindCheckpointBefore(ctx context.Context, processID string, timestamp int64, ordinate uint64, cron string) (*model.MemoryCheckpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ids, err := s.client.ZRevRangeByScore(ctx, s.indexKey(processID), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatUint(ordinate, 10),
	}).Result()
	if err != nil {
		return nil, cuerr.Wrap(err, cuerr.ClassCacheWrite, "query checkpoint index")
	}

	for _, id := range ids {
		cp, err := s.load(ctx, processID, id)
		if err != nil {
			// Stale index entry. Drop it and keep walking.
			s.client.ZRem(ctx, s.indexKey(processID), id)
			continue
		}
		if pointAtOrBefore(cp.Timestamp, cp.Ordinate, timestamp, ordinate) {
			return cp, nil
		}
	}
	return nil, cuerr.NotFound("checkpoint", processID)
}

// ListCheckpoints returns all snapshots for a process, newest first.
func (s *RedisCheckpointStore) ListCheckpoints(ctx context.Context, processID string) ([]*model.MemoryCheckpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ids, err := s.client.ZRevRange(ctx, s.indexKey(processID), 0, -1).Result()
	if err != nil {
		return nil, cuerr.Wrap(err, cuerr.ClassCacheWrite, "list checkpoint index")
	}

	var out []*model.MemoryCheckpoint
	for _, id := range ids {
		cp, err := s.load(ctx, processID, id)
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteCheckpoint removes a snapshot and its index entry.
func (s *RedisCheckpointStore) DeleteCheckpoint(ctx context.Context, processID, checkpointID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.dataKey(processID, checkpointID))
	pipe.ZRem(ctx, s.indexKey(processID), checkpointID)
	if _, err := pipe.Exec(ctx); err != nil {
		return cuerr.Wrapf(err, cuerr.ClassCacheWrite, "delete checkpoint %s", checkpointID)
	}
	return nil
}

// CountCheckpoints returns the index cardinality for a process.
func (s *RedisCheckpointStore) CountCheckpoints(ctx context.Context, processID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	n, err := s.client.ZCard(ctx, s.indexKey(processID)).Result()
	if err != nil {
		return 0, cuerr.Wrap(err, cuerr.ClassCacheWrite, "count checkpoints")
	}
	return n, nil
}

func (s *RedisCheckpointStore) load(ctx context.Context, processID, id string) (*model.MemoryCheckpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(processID, id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, cuerr.NotFound("checkpoint", id)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	var cp model.MemoryCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// Name returns "redis".
func (s *RedisCheckpointStore) Name() string { return "redis" }

// Close closes the Redis connection.
func (s *RedisCheckpointStore) Close() error { return s.client.Close() }
