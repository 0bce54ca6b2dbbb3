package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes a message per pushed job on a per-queue channel.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier wraps an existing Redis client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: "jobs:"}
}

func (n *RedisNotifier) channel(queue string) string {
	return n.prefix + queueName(queue)
}

// Notify announces that queue has a new job.
func (n *RedisNotifier) Notify(ctx context.Context, queue string) error {
	if err := n.client.Publish(ctx, n.channel(queue), "push").Err(); err != nil {
		return fmt.Errorf("publish %s: %w", n.channel(queue), err)
	}
	return nil
}

// Subscribe returns a channel that receives a value whenever queue is
// notified. Bursts collapse into a single pending wake-up. The returned func
// closes the subscription.
func (n *RedisNotifier) Subscribe(ctx context.Context, queue string) (<-chan struct{}, func() error, error) {
	ps := n.client.Subscribe(ctx, n.channel(queue))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", n.channel(queue), err)
	}

	wake := make(chan struct{}, 1)
	msgs := ps.Channel()
	go func() {
		defer close(wake)
		for range msgs {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake, ps.Close, nil
}
