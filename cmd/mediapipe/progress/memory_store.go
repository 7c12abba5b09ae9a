package progress

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/mediapipe/common/cache"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/models"
)

// MemoryStore keeps tasks in a capacity-bounded LRU with a TTL
type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.MemoryCache[models.UploadTask]
}

// NewMemoryStore creates a store holding at most capacity tasks for ttl
func NewMemoryStore(capacity int, ttl time.Duration, log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		cache: cache.NewMemoryCache[models.UploadTask](capacity, ttl, log),
	}
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (*models.UploadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok, err := s.cache.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

func (s *MemoryStore) Put(ctx context.Context, task *models.UploadTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Set(ctx, task.TaskID, *task)
}

func (s *MemoryStore) Update(ctx context.Context, taskID string, fn func(*models.UploadTask) error) (*models.UploadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok, err := s.cache.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := fn(&task); err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, taskID, task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*models.UploadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.cache.Keys(ctx)
	if err != nil {
		return nil, err
	}
	tasks := make([]*models.UploadTask, 0, len(keys))
	for _, k := range keys {
		task, ok, err := s.cache.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			tasks = append(tasks, &task)
		}
	}
	return tasks, nil
}

func (s *MemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Delete(ctx, taskID)
}

// Close releases the underlying cache
func (s *MemoryStore) Close() error {
	return s.cache.Close()
}
