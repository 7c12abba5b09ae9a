package progress

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/models"
	redisclient "github.com/lyzr/mediapipe/common/redis"
)

//go:embed put_task.lua
var putTaskScript string

const (
	taskKeyPrefix = "upload_task:"
	taskIndexKey  = "upload_tasks"

	// maxUpdateRetries bounds optimistic retries when a task is being
	// written concurrently.
	maxUpdateRetries = 10
)

// RedisStore keeps tasks in Redis so every instance sees the same
// progress. Each task is a JSON value with a TTL; a sorted set ordered by
// update time tracks recency for capacity eviction.
type RedisStore struct {
	client   *redisclient.Client
	redis    *goredis.Client
	script   *goredis.Script
	capacity int
	ttl      time.Duration
	log      *logger.Logger
}

// NewRedisStore creates a Redis-backed task store
func NewRedisStore(client *redisclient.Client, capacity int, ttl time.Duration, log *logger.Logger) *RedisStore {
	return &RedisStore{
		client:   client,
		redis:    client.GetUnderlying(),
		script:   goredis.NewScript(putTaskScript),
		capacity: capacity,
		ttl:      ttl,
		log:      log,
	}
}

func taskKey(taskID string) string {
	return taskKeyPrefix + taskID
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*models.UploadTask, error) {
	raw, err := s.client.Get(ctx, taskKey(taskID))
	if errors.Is(err, redisclient.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(raw)
}

func (s *RedisStore) Put(ctx context.Context, task *models.UploadTask) error {
	return s.put(ctx, s.redis, task)
}

func (s *RedisStore) put(ctx context.Context, c goredis.Scripter, task *models.UploadTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	evicted, err := s.script.Run(ctx, c,
		[]string{taskKey(task.TaskID), taskIndexKey},
		task.TaskID,
		string(data),
		s.ttl.Milliseconds(),
		task.UpdatedAt.UnixMilli(),
		s.capacity,
		taskKeyPrefix,
	).Int64()
	if err != nil {
		s.log.Error("failed to store task", "task_id", task.TaskID, "error", err)
		return fmt.Errorf("failed to store task: %w", err)
	}
	if evicted > 0 {
		s.log.Debug("evicted tasks over capacity", "count", evicted)
	}
	return nil
}

// Update reads, modifies and writes a task under WATCH, retrying when
// another writer got there first.
func (s *RedisStore) Update(ctx context.Context, taskID string, fn func(*models.UploadTask) error) (*models.UploadTask, error) {
	key := taskKey(taskID)
	var out *models.UploadTask

	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == goredis.Nil {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}

		task, err := decodeTask(raw)
		if err != nil {
			return err
		}
		if err := fn(task); err != nil {
			return err
		}

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to encode task: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			pipe.ZAdd(ctx, taskIndexKey, goredis.Z{
				Score:  float64(task.UpdatedAt.UnixMilli()),
				Member: task.TaskID,
			})
			return nil
		})
		if err != nil {
			return err
		}
		out = task
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to update task %s: too much contention", taskID)
}

// List returns live tasks from least to most recently updated. Index
// members whose value has expired are dropped.
func (s *RedisStore) List(ctx context.Context) ([]*models.UploadTask, error) {
	ids, err := s.redis.ZRange(ctx, taskIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	var (
		tasks []*models.UploadTask
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		task, err := decodeTask(raw)
		if err != nil {
			s.log.Warn("skipping undecodable task", "task_id", ids[i], "error", err)
			continue
		}
		tasks = append(tasks, task)
	}

	if len(stale) > 0 {
		if err := s.redis.ZRem(ctx, taskIndexKey, stale...).Err(); err != nil {
			s.log.Warn("failed to prune task index", "error", err)
		}
	}
	return tasks, nil
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Delete(ctx, taskKey(taskID)); err != nil {
		return err
	}
	return s.redis.ZRem(ctx, taskIndexKey, taskID).Err()
}

func decodeTask(raw string) (*models.UploadTask, error) {
	task := &models.UploadTask{}
	if err := json.Unmarshal([]byte(raw), task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return task, nil
}
