// Package queue moves push notifications through Redis so delivery retries
// happen in the worker process rather than in the job execution path.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/dunamismax/florique/internal/notify"
	"github.com/hibiken/asynq"
)

const defaultMaxRetry = 5

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client is a notify.Notifier that enqueues instead of delivering.
type Client struct {
	client   enqueuer
	queue    string
	maxRetry int
	now      func() time.Time
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return newClient(asynq.NewClient(redisOpt), queueName)
}

func newClient(e enqueuer, queueName string) *Client {
	if strings.TrimSpace(queueName) == "" {
		queueName = "notifications"
	}
	return &Client{
		client:   e,
		queue:    queueName,
		maxRetry: defaultMaxRetry,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) Send(ctx context.Context, msg notify.Message) error {
	_, err := c.EnqueueNotification(ctx, SendNotificationPayload{Message: msg, RequestedAt: c.now()})
	return err
}

func (c *Client) EnqueueNotification(ctx context.Context, payload SendNotificationPayload) (*asynq.TaskInfo, error) {
	task, err := NewSendNotificationTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(time.Minute),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
