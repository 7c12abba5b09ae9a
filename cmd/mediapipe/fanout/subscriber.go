package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/mediapipe/cmd/mediapipe/progress"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/models"
)

// RedisSubscriber listens to task update channels and forwards them to a Hub
type RedisSubscriber struct {
	redis  *redis.Client
	hub    *Hub
	logger *logger.Logger
}

// NewRedisSubscriber creates a new RedisSubscriber instance
func NewRedisSubscriber(redisClient *redis.Client, hub *Hub, log *logger.Logger) *RedisSubscriber {
	return &RedisSubscriber{
		redis:  redisClient,
		hub:    hub,
		logger: log,
	}
}

// Start listens on upload_progress:* until ctx is cancelled
func (s *RedisSubscriber) Start(ctx context.Context) error {
	pattern := progress.ChannelPrefix + "*"
	pubsub := s.redis.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	// Wait for confirmation that subscription was successful
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	s.logger.Info("fanout subscriber started", "pattern", pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.forward(ctx, msg)
		}
	}
}

func (s *RedisSubscriber) forward(ctx context.Context, msg *redis.Message) {
	taskID := strings.TrimPrefix(msg.Channel, progress.ChannelPrefix)
	if taskID == "" || taskID == msg.Channel {
		s.logger.Warn("unexpected channel", "channel", msg.Channel)
		return
	}

	var task models.UploadTask
	if err := json.Unmarshal([]byte(msg.Payload), &task); err != nil {
		s.logger.Warn("dropping malformed task update", "task_id", taskID, "error", err)
		return
	}

	s.hub.Publish(ctx, &Message{
		TaskID: taskID,
		Data:   []byte(msg.Payload),
		Final:  task.Status.IsTerminal(),
	})
}
