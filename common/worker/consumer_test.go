package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/queue"
	redisclient "github.com/lyzr/mediapipe/common/redis"
)

type testJob struct {
	ID   string `json:"id"`
	Fail bool   `json:"fail"`
}

func publishJob(t *testing.T, q queue.Queue, job testJob) {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, q.Publish(context.Background(), "jobs", job.ID, data))
}

func TestConsumer_DecodesAndCountsJobs(t *testing.T) {
	log := logger.Discard()
	q := queue.NewMemoryQueue(10, log)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]string{}
	c := NewConsumer(&ConsumerOpts{Queue: q, Topic: "jobs", Concurrency: 3, Logger: log},
		func(_ context.Context, key string, job *testJob) error {
			if job.Fail {
				return errors.New("boom")
			}
			mu.Lock()
			seen[key] = job.ID
			mu.Unlock()
			return nil
		})
	require.NoError(t, c.Start(ctx))

	publishJob(t, q, testJob{ID: "a"})
	publishJob(t, q, testJob{ID: "b"})
	publishJob(t, q, testJob{ID: "c", Fail: true})
	require.NoError(t, q.Publish(ctx, "jobs", "d", []byte("{not json")))

	assert.Eventually(t, func() bool {
		return c.Processed() == 2 && c.Failed() == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]string{"a": "a", "b": "b"}, seen)
}

func TestConsumer_RecoversFromPanics(t *testing.T) {
	log := logger.Discard()
	q := queue.NewMemoryQueue(10, log)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewConsumer(&ConsumerOpts{Queue: q, Topic: "jobs", Logger: log},
		func(_ context.Context, _ string, job *testJob) error {
			if job.Fail {
				panic("bad job")
			}
			return nil
		})
	require.NoError(t, c.Start(ctx))

	publishJob(t, q, testJob{ID: "a", Fail: true})
	publishJob(t, q, testJob{ID: "b"})

	assert.Eventually(t, func() bool {
		return c.Processed() == 1 && c.Failed() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumer_ReportsDepth(t *testing.T) {
	log := logger.Discard()
	q := queue.NewMemoryQueue(10, log)
	defer q.Close()

	publishJob(t, q, testJob{ID: "a"})
	publishJob(t, q, testJob{ID: "b"})

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_depth"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// reportDepth only, so the backlog stays put
	c := NewConsumer(&ConsumerOpts{
		Queue:         q,
		Topic:         "jobs",
		Concurrency:   1,
		DepthGauge:    gauge,
		DepthInterval: 10 * time.Millisecond,
		Logger:        log,
	}, func(context.Context, string, *testJob) error { return nil })
	go c.reportDepth(ctx)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(gauge) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestDepth_RedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := queue.NewRedisQueue(redisclient.NewClient(rdb, logger.Discard()), "queue:", 50*time.Millisecond, logger.Discard())
	defer q.Close()

	publishJob(t, q, testJob{ID: "a"})

	n, ok := Depth(context.Background(), q, "jobs")
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
}
