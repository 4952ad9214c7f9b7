package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Notifier publishes gosubs notifications as JSON on a Redis Pub/Sub channel.
// Delivery is fire-and-forget: messages published while no subscriber
// listens are lost.
type Notifier struct {
	client  redis.UniversalClient
	channel string
	logger  gosubs.Logger
}

// NewNotifier creates a notifier publishing on config.Channel.
func NewNotifier(client redis.UniversalClient, config Config, logger gosubs.Logger) (*Notifier, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	config.applyDefaults()
	if logger == nil {
		logger = &gosubs.NoopLogger{}
	}
	return &Notifier{client: client, channel: config.Channel, logger: logger}, nil
}

// Notify implements gosubs.Notifier
func (n *Notifier) Notify(ctx context.Context, msg gosubs.Notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return gosubs.Transient(fmt.Errorf("failed to publish notification: %w", err))
	}
	return nil
}

// Subscribe delivers notifications published on the channel to handle until
// ctx is cancelled. Undecodable messages are logged and skipped.
func (n *Notifier) Subscribe(ctx context.Context, handle func(gosubs.Notification)) error {
	pubsub := n.client.Subscribe(ctx, n.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before consuming.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var notification gosubs.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &notification); err != nil {
				n.logger.Warn("dropping malformed notification",
					gosubs.F("channel", msg.Channel),
					gosubs.F("error", err.Error()),
				)
				continue
			}
			handle(notification)
		}
	}
}

var _ gosubs.Notifier = (*Notifier)(nil)
