package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// Client enqueues generation tasks on a single named queue.
type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, maxRetry int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: maxRetry,
		timeout:  timeout,
	}
}

// EnqueueGeneration enqueues payload. The request id doubles as the asynq
// task id, so a second enqueue for the same job fails with
// asynq.ErrTaskIDConflict instead of running twice.
func (c *Client) EnqueueGeneration(ctx context.Context, payload GenerationPayload) (*asynq.TaskInfo, error) {
	task, err := NewGenerationTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.Collection+"/"+payload.RequestID),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
