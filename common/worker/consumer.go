// Package worker runs typed queue consumers.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/queue"
)

// Handler processes one decoded job
type Handler[T any] func(ctx context.Context, key string, job *T) error

// ConsumerOpts contains options for creating a Consumer
type ConsumerOpts struct {
	Queue       queue.Queue
	Topic       string
	Concurrency int

	// DepthGauge, when set, is refreshed with the topic backlog every
	// DepthInterval
	DepthGauge    prometheus.Gauge
	DepthInterval time.Duration

	Logger *logger.Logger
}

// Consumer decodes JSON messages from a topic into T and hands them to a
// handler on Concurrency goroutines
type Consumer[T any] struct {
	queue         queue.Queue
	topic         string
	concurrency   int
	depthGauge    prometheus.Gauge
	depthInterval time.Duration
	logger        *logger.Logger
	handle        Handler[T]

	processed atomic.Int64
	failed    atomic.Int64
}

// NewConsumer creates a new consumer with options pattern
func NewConsumer[T any](opts *ConsumerOpts, handle Handler[T]) *Consumer[T] {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	interval := opts.DepthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Consumer[T]{
		queue:         opts.Queue,
		topic:         opts.Topic,
		concurrency:   concurrency,
		depthGauge:    opts.DepthGauge,
		depthInterval: interval,
		logger:        opts.Logger,
		handle:        handle,
	}
}

// Start subscribes the consumer goroutines. They stop when ctx is
// cancelled or the queue is closed.
func (c *Consumer[T]) Start(ctx context.Context) error {
	for i := 0; i < c.concurrency; i++ {
		if err := c.queue.Subscribe(ctx, c.topic, c.onMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
		}
	}

	if c.depthGauge != nil {
		go c.reportDepth(ctx)
	}

	c.logger.Info("consumer started",
		"topic", c.topic,
		"concurrency", c.concurrency)
	return nil
}

// Processed returns the number of jobs handled successfully
func (c *Consumer[T]) Processed() int64 {
	return c.processed.Load()
}

// Failed returns the number of jobs that could not be decoded or whose
// handler returned an error
func (c *Consumer[T]) Failed() int64 {
	return c.failed.Load()
}

func (c *Consumer[T]) onMessage(ctx context.Context, key string, value []byte) (err error) {
	start := time.Now()
	log := c.logger.WithFields(map[string]interface{}{"topic": c.topic, "key": key})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			c.failed.Add(1)
			return
		}
		c.processed.Add(1)
		log.Debug("job handled", "duration_ms", time.Since(start).Milliseconds())
	}()

	var job T
	if err := json.Unmarshal(value, &job); err != nil {
		return fmt.Errorf("failed to decode job: %w", err)
	}
	return c.handle(ctx, key, &job)
}

func (c *Consumer[T]) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(c.depthInterval)
	defer ticker.Stop()
	for {
		if n, ok := Depth(ctx, c.queue, c.topic); ok {
			c.depthGauge.Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Depth returns the backlog of topic for queues that can report one
func Depth(ctx context.Context, q queue.Queue, topic string) (int64, bool) {
	switch q := q.(type) {
	case *queue.MemoryQueue:
		return int64(q.Depth(topic)), true
	case *queue.RedisQueue:
		n, err := q.Depth(ctx, topic)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
