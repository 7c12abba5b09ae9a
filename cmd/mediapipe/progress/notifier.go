package progress

import (
	"context"
	"encoding/json"

	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/models"
	redisclient "github.com/lyzr/mediapipe/common/redis"
)

// ChannelPrefix is the pub/sub channel prefix for task updates
const ChannelPrefix = "upload_progress:"

// Notifier pushes task updates to subscribers. Delivery is best effort;
// polling the tracker is authoritative.
type Notifier interface {
	Notify(ctx context.Context, task *models.UploadTask)
}

// NopNotifier discards updates
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *models.UploadTask) {}

// RedisNotifier publishes each update on upload_progress:<task_id>
type RedisNotifier struct {
	client *redisclient.Client
	log    *logger.Logger
}

// NewRedisNotifier creates a notifier publishing through client
func NewRedisNotifier(client *redisclient.Client, log *logger.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, log: log}
}

func (n *RedisNotifier) Notify(ctx context.Context, task *models.UploadTask) {
	data, err := json.Marshal(task)
	if err != nil {
		n.log.Warn("failed to encode task update", "task_id", task.TaskID, "error", err)
		return
	}
	receivers, err := n.client.Publish(ctx, ChannelPrefix+task.TaskID, data)
	if err != nil {
		n.log.Warn("failed to publish task update", "task_id", task.TaskID, "error", err)
		return
	}
	n.log.Debug("task update published", "task_id", task.TaskID, "status", task.Status, "receivers", receivers)
}
