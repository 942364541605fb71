package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// RedisSink fans events out through a redis pub/sub channel so sibling
// processes (other schedulers, the web tier) see state changes.
// Pub/sub gives no delivery or ordering guarantee, which is exactly the
// contract: consumers de-duplicate queue_changed events by revision.
type RedisSink struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisSink creates a sink publishing to the given channel.
func NewRedisSink(client *redis.Client, channel string, logger *zap.Logger) *RedisSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{
		client:  client,
		channel: channel,
		logger:  logger.With(zap.String("component", "redis_sink")),
	}
}

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	return nil
}

// Subscribe returns a channel of decoded events for consumers in the
// same process group (used by tests and the daemon's bridge to the
// websocket hub). The channel closes when ctx is canceled.
func (s *RedisSink) Subscribe(ctx context.Context) <-chan types.Event {
	sub := s.client.Subscribe(ctx, s.channel)
	out := make(chan types.Event, 64)

	// ReceiveMessage does not unblock on context cancellation; closing
	// the subscription does.
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			var ev types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("undecodable event", zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
