package mq

import (
	"context"
	"fmt"
	"time"
)

// UserNotifier implements the monitor core's Notifier by publishing user
// messages to RabbitMQ. Delivery to Telegram happens in the bot process, so
// one bad recipient there can never stall a probe cycle here.
type UserNotifier struct {
	pub *Publisher
}

func NewUserNotifier(pub *Publisher) *UserNotifier {
	return &UserNotifier{pub: pub}
}

// Send publishes one user-facing message. A publish failure is returned to
// the caller, which treats it per recipient and carries on with the rest of
// the fan-out.
func (n *UserNotifier) Send(ctx context.Context, chatID int64, text string) error {
	msg := NotifyMsg{ChatID: chatID, Text: text, When: time.Now()}
	if err := n.pub.Publish(ctx, RoutingNotify, msg); err != nil {
		return fmt.Errorf("publish notify for chat %d: %w", chatID, err)
	}
	return nil
}
