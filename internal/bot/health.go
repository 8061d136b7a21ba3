package bot

import (
	"context"
	"log"
	"sync"
	"time"
)

const healthProbeInterval = 30 * time.Second

// healthState tracks whether the Telegram API is answering. The sender
// consults it so queued notifications wait out an API outage instead of
// burning their delivery attempts into a dead transport.
type healthState struct {
	mu   sync.RWMutex
	down bool
}

func newHealthState() *healthState {
	return &healthState{}
}

func (h *healthState) markDown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.down {
		log.Println("[bot] telegram API unreachable, pausing deliveries")
	}
	h.down = true
}

func (h *healthState) markUp() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		log.Println("[bot] telegram API recovered, resuming deliveries")
	}
	h.down = false
}

func (h *healthState) isDown() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.down
}

// RunHealthProbe polls getMe while the transport is marked down, flipping
// the flag back once the API answers. Call as a goroutine.
func (b *Bot) RunHealthProbe(ctx context.Context) {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.health.isDown() {
				continue
			}
			if _, err := b.bot.Raw("getMe", nil); err != nil {
				log.Printf("[bot] health probe failed: %v", err)
				continue
			}
			b.health.markUp()
		}
	}
}
