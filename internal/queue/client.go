// Package queue is the enqueue/dequeue API over the durable job table.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"session-recap/internal/models"
	"session-recap/internal/telemetry"
)

// Store is the durable job table. Implementations must make ClaimNext safe
// under concurrent callers in any number of processes.
type Store interface {
	InsertJob(ctx context.Context, queue string, payload models.Payload, availableAt time.Time) (int64, error)
	ClaimNext(ctx context.Context, queue, workerID string, now time.Time) (*models.Job, error)
	MarkComplete(ctx context.Context, id int64, now time.Time) error
	MarkFailed(ctx context.Context, id int64, message string, now time.Time) error
	Reschedule(ctx context.Context, id int64, availableAt time.Time) (bool, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	CountReady(ctx context.Context, queue string, now time.Time) (int64, error)
}

// Notifier wakes idle workers when a job is pushed. It is an optimization
// over polling; a lost notification only delays a claim to the next poll.
type Notifier interface {
	Notify(ctx context.Context, queue string) error
	Subscribe(ctx context.Context, queue string) (<-chan struct{}, func() error, error)
}

// Client pushes and pops jobs on named queues.
type Client struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	workerID string
	now      func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithNotifier enables push notifications to waiting workers.
func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		c.notifier = n
	}
}

// WithWorkerID records which worker claimed each job.
func WithWorkerID(id string) Option {
	return func(c *Client) {
		c.workerID = id
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient builds a queue client over store.
func NewClient(store Store, opts ...Option) *Client {
	c := &Client{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the client's current time.
func (c *Client) Now() time.Time {
	return c.now()
}

// Notifier returns the configured notifier, or nil.
func (c *Client) Notifier() Notifier {
	return c.notifier
}

// Push enqueues a job for handler with args on queue and returns its id.
// The job is claimable immediately.
func (c *Client) Push(ctx context.Context, handler string, args any, queue string) (int64, error) {
	queue = queueName(queue)
	payload, err := models.NewPayload(handler, args)
	if err != nil {
		return 0, err
	}
	id, err := c.store.InsertJob(ctx, queue, payload, c.now())
	if err != nil {
		return 0, fmt.Errorf("push %s: %w", handler, err)
	}
	telemetry.JobsEnqueued.WithLabelValues(queue, handler).Inc()
	c.logger.Debug("job pushed", "job_id", id, "queue", queue, "handler", handler)

	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, queue); err != nil {
			c.logger.Warn("job notification failed", "job_id", id, "queue", queue, "error", err)
		}
	}
	return id, nil
}

// Pop claims the oldest eligible job on queue. It returns nil, nil when no
// job is eligible.
func (c *Client) Pop(ctx context.Context, queue string) (*models.Job, error) {
	job, err := c.store.ClaimNext(ctx, queueName(queue), c.workerID, c.now())
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", queueName(queue), err)
	}
	return job, nil
}

// Complete marks a job complete. It is idempotent.
func (c *Client) Complete(ctx context.Context, id int64) error {
	return c.store.MarkComplete(ctx, id, c.now())
}

// Fail marks a job failed with message.
func (c *Client) Fail(ctx context.Context, id int64, message string) error {
	return c.store.MarkFailed(ctx, id, message, c.now())
}

// Retry makes a failed job claimable again after delay, provided it has
// attempts left. It reports whether the job was rescheduled.
func (c *Client) Retry(ctx context.Context, id int64, delay time.Duration) (bool, error) {
	return c.store.Reschedule(ctx, id, c.now().Add(delay))
}

// Ready counts the jobs claimable right now on queue.
func (c *Client) Ready(ctx context.Context, queue string) (int64, error) {
	return c.store.CountReady(ctx, queueName(queue), c.now())
}

// Get fetches a job by id.
func (c *Client) Get(ctx context.Context, id int64) (models.Job, error) {
	return c.store.GetJob(ctx, id)
}

func queueName(q string) string {
	if q == "" {
		return models.DefaultQueue
	}
	return q
}
