package registry

import (
	"context"

	"tradeya-migration/internal/shared/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPolicyNotifier fans registry changes out over a Redis pub/sub channel
// so every process's cache refreshes promptly instead of waiting for its
// periodic tick. Delivery is best effort; the tick bounds staleness when a
// message is lost.
type RedisPolicyNotifier struct {
	client  *redis.Client
	channel string
	logger  logger.Logger
}

// NewRedisPolicyNotifier creates a Redis-backed policy notifier.
func NewRedisPolicyNotifier(client *redis.Client, channel string, log logger.Logger) *RedisPolicyNotifier {
	if channel == "" {
		channel = "migration:policy"
	}
	return &RedisPolicyNotifier{
		client:  client,
		channel: channel,
		logger:  log,
	}
}

// PublishInvalidation broadcasts one policy-change message.
func (n *RedisPolicyNotifier) PublishInvalidation(ctx context.Context, reason string) error {
	if err := n.client.Publish(ctx, n.channel, reason).Err(); err != nil {
		n.logger.Error("Failed to publish policy invalidation",
			zap.String("channel", n.channel),
			zap.String("reason", reason),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Policy invalidation published",
		zap.String("channel", n.channel),
		zap.String("reason", reason))
	return nil
}

// SubscribeInvalidations subscribes to the policy channel and forwards message
// payloads until ctx is cancelled. The returned channel is closed on shutdown.
func (n *RedisPolicyNotifier) SubscribeInvalidations(ctx context.Context) (<-chan string, error) {
	sub := n.client.Subscribe(ctx, n.channel)

	// Confirm the subscription before handing the channel out.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		n.logger.Error("Failed to subscribe to policy channel",
			zap.String("channel", n.channel),
			zap.Error(err))
		return nil, err
	}

	out := make(chan string, 8)
	msgs := sub.Channel()

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	n.logger.Info("Subscribed to policy invalidations",
		zap.String("channel", n.channel))
	return out, nil
}
