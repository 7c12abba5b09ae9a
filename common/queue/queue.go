package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lyzr/mediapipe/common/logger"
)

// ErrQueueFull is returned by Publish when a bounded queue has no room
var ErrQueueFull = errors.New("queue full")

// ErrClosed is returned by Publish after Close
var ErrClosed = errors.New("queue closed")

// Queue interface for message passing
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

// MemoryQueue is an in-process queue backed by buffered channels
type MemoryQueue struct {
	topics     map[string]chan *Message
	bufferSize int
	closed     bool
	mu         sync.RWMutex
	log        *logger.Logger
}

// Message represents a queue message
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(bufferSize int, log *logger.Logger) *MemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &MemoryQueue{
		topics:     make(map[string]chan *Message),
		bufferSize: bufferSize,
		log:        log,
	}
}

func (q *MemoryQueue) topic(name string) chan *Message {
	ch, exists := q.topics[name]
	if !exists {
		ch = make(chan *Message, q.bufferSize)
		q.topics[name] = ch
	}
	return ch
}

// Publish enqueues a message without blocking. A full topic returns
// ErrQueueFull so the caller can fail the work instead of losing it.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	ch := q.topic(topic)

	msg := &Message{
		Topic: topic,
		Key:   key,
		Value: message,
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("queue full", "topic", topic, "key", key)
		return fmt.Errorf("%w: topic %s", ErrQueueFull, topic)
	}
}

// Subscribe starts a consumer goroutine for topic. Calling it n times
// yields n concurrent consumers sharing the topic.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ch := q.topic(topic)
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					q.log.Info("topic closed", "topic", topic)
					return
				}
				if err := handler(ctx, msg.Key, msg.Value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Depth returns the number of buffered messages on a topic
func (q *MemoryQueue) Depth(topic string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if ch, ok := q.topics[topic]; ok {
		return len(ch)
	}
	return 0
}

// Close closes the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for topic, ch := range q.topics {
		close(ch)
		q.log.Info("closed topic", "topic", topic)
	}

	return nil
}
