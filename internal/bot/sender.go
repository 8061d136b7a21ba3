package bot

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"blackout-monitor/internal/mq"

	tele "gopkg.in/telebot.v3"
)

const (
	sendAttempts  = 3
	sendBackoff   = 2 * time.Second
	downWaitDelay = 10 * time.Second
)

// isRecipientError reports whether a Telegram API error concerns the
// recipient rather than the transport: such messages are dropped, not
// requeued, because a retry can never deliver them.
func isRecipientError(err error) bool {
	return errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrChatNotFound) ||
		errors.Is(err, tele.ErrNotStartedByUser)
}

// RunSender consumes worker notifications off the queue and delivers them
// over Telegram. Each message gets a bounded number of attempts with
// backoff; transport-level failures mark the API down and requeue the
// message so nothing is lost across an outage. Blocks until ctx is done.
func (b *Bot) RunSender(ctx context.Context, consumer *mq.Consumer) error {
	deliveries, err := consumer.Consume(mq.QueueNotify)
	if err != nil {
		return err
	}
	log.Println("[bot] notification sender started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("notify queue closed")
			}
			b.handleDelivery(ctx, d.Body, func(requeue bool) {
				if requeue {
					if err := d.Nack(false, true); err != nil {
						log.Printf("[bot] nack failed: %v", err)
					}
					return
				}
				if err := d.Ack(false); err != nil {
					log.Printf("[bot] ack failed: %v", err)
				}
			})
		}
	}
}

// handleDelivery decodes and delivers one queued notification, then settles
// it through done(requeue).
func (b *Bot) handleDelivery(ctx context.Context, body []byte, done func(requeue bool)) {
	var msg mq.NotifyMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("[bot] dropping malformed notification: %v", err)
		done(false)
		return
	}

	// Wait out a known API outage instead of spending attempts on it.
	if b.health.isDown() {
		select {
		case <-ctx.Done():
		case <-time.After(downWaitDelay):
		}
		done(true)
		return
	}

	chat := &tele.Chat{ID: msg.ChatID}
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		_, lastErr = b.bot.Send(chat, msg.Text, htmlOpts)
		if lastErr == nil {
			done(false)
			return
		}
		if isRecipientError(lastErr) {
			log.Printf("[bot] dropping notification for %d: %v", msg.ChatID, lastErr)
			done(false)
			return
		}
		if attempt < sendAttempts {
			select {
			case <-ctx.Done():
				done(true)
				return
			case <-time.After(time.Duration(attempt) * sendBackoff):
			}
		}
	}

	// All attempts failed on a transport error: assume the API is down and
	// give the message back to the queue.
	log.Printf("[bot] delivery to %d failed after %d attempts: %v", msg.ChatID, sendAttempts, lastErr)
	b.health.markDown()
	done(true)
}
