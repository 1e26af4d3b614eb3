package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lox/pvcast/internal/metrics"
)

const DefaultChannel = "pvcast:events"

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel}
}

// DialRedis connects using a redis:// URL and checks the server responds.
func DialRedis(ctx context.Context, url, channel string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, channel), nil
}

func (r *Redis) Publish(ctx context.Context, e Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		metrics.EventsPublished.WithLabelValues(e.Type, "redis_error").Inc()
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	metrics.EventsPublished.WithLabelValues(e.Type, "redis").Inc()
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
