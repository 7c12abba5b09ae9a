package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/mediapipe/common/logger"
	redisclient "github.com/lyzr/mediapipe/common/redis"
)

// RedisQueue is a durable queue on Redis lists. Publish is RPUSH and each
// subscriber loops on BLPOP, so messages survive a process restart and
// several processes can share one topic.
type RedisQueue struct {
	client      *redisclient.Client
	prefix      string
	pollTimeout time.Duration
	log         *logger.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

type envelope struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// NewRedisQueue creates a queue whose lists are named "<prefix><topic>"
func NewRedisQueue(client *redisclient.Client, prefix string, pollTimeout time.Duration, log *logger.Logger) *RedisQueue {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &RedisQueue{
		client:      client,
		prefix:      prefix,
		pollTimeout: pollTimeout,
		log:         log,
	}
}

func (q *RedisQueue) listKey(topic string) string {
	return q.prefix + topic
}

// Publish appends a message to the topic's list
func (q *RedisQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(envelope{Key: key, Value: message})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return q.client.Enqueue(ctx, q.listKey(topic), string(data))
}

// Subscribe starts a consumer loop for topic. The loop exits when ctx is
// cancelled or the queue is closed.
func (q *RedisQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.wg.Add(1)
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic, "list", q.listKey(topic))

	go func() {
		defer q.wg.Done()
		for {
			if ctx.Err() != nil || q.isClosed() {
				q.log.Info("subscription cancelled", "topic", topic)
				return
			}

			raw, ok, err := q.client.Dequeue(ctx, q.listKey(topic), q.pollTimeout)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					continue
				}
				q.log.Warn("queue poll failed", "topic", topic, "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
				continue
			}
			if !ok {
				continue
			}

			var env envelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				q.log.Error("dropping malformed message", "topic", topic, "error", err)
				continue
			}
			if err := handler(ctx, env.Key, env.Value); err != nil {
				q.log.Error("message handler error", "topic", topic, "key", env.Key, "error", err)
			}
		}
	}()

	return nil
}

// Depth returns the number of pending messages on a topic
func (q *RedisQueue) Depth(ctx context.Context, topic string) (int64, error) {
	return q.client.Len(ctx, q.listKey(topic))
}

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting messages and waits for consumer loops to finish
// their current poll.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait()
	q.log.Info("redis queue closed")
	return nil
}
