package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"usdt-custody-go/internal/models"
)

// StreamSink publishes notifications to a Redis Stream so external consumers
// (SMS gateway, admin dashboard) can pick them up without coupling to this
// process.
type StreamSink struct {
	client *redis.Client
	stream string
}

func NewStreamSink(client *redis.Client, stream string) *StreamSink {
	return &StreamSink{client: client, stream: stream}
}

func (s *StreamSink) Deliver(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event": payload,
		},
	}
	if _, err := s.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
