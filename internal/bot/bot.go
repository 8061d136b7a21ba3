package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"blackout-monitor/internal/cache"
	"blackout-monitor/internal/config"
	"blackout-monitor/internal/database"
	"blackout-monitor/internal/models"
	"blackout-monitor/internal/mq"

	tele "gopkg.in/telebot.v3"
)

// callback data prefix for address selection buttons
const addrCallbackPrefix = "addr"

var htmlOpts = &tele.SendOptions{ParseMode: tele.ModeHTML}

// Bot is the Telegram frontend. It never probes the source itself: forced
// checks go to the worker over the queue, and everything user-facing comes
// back the same way.
type Bot struct {
	bot    *tele.Bot
	db     *database.DB
	cache  *cache.Cache
	pub    *mq.Publisher
	cfg    *config.Config
	health *healthState
}

// New creates and configures the Telegram bot.
func New(cfg *config.Config, db *database.DB, c *cache.Cache, pub *mq.Publisher) (*Bot, error) {
	pref := tele.Settings{
		Token:  cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	bot := &Bot{
		bot:    b,
		db:     db,
		cache:  c,
		pub:    pub,
		cfg:    cfg,
		health: newHealthState(),
	}

	bot.registerHandlers()

	if err := b.SetCommands([]tele.Command{
		{Text: "start", Description: "Обрати адресу"},
		{Text: "schedule", Description: "Поточний графік відключень"},
		{Text: "tomorrow", Description: "Графік на завтра"},
		{Text: "check", Description: "Перевірити графік зараз"},
		{Text: "help", Description: "Довідка про команди"},
	}); err != nil {
		log.Printf("[bot] failed to set commands: %v", err)
	}

	return bot, nil
}

// Start begins polling for Telegram updates. Call as a goroutine.
func (b *Bot) Start() {
	log.Println("[bot] starting Telegram bot polling...")
	b.bot.Start()
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	b.bot.Stop()
}

// TeleBot returns the underlying telebot instance (used by the sender).
func (b *Bot) TeleBot() *tele.Bot {
	return b.bot
}

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.handleStart)
	b.bot.Handle("/schedule", b.handleSchedule)
	b.bot.Handle("/tomorrow", b.handleTomorrow)
	b.bot.Handle("/check", b.handleCheck)
	b.bot.Handle("/help", b.handleHelp)

	b.bot.Handle(tele.OnCallback, b.handleCallback)
}

// ── Command handlers ─────────────────────────────────────────────────

func (b *Bot) handleStart(c tele.Context) error {
	ctx := context.Background()
	if err := b.db.UpsertUser(ctx, c.Sender().ID, c.Sender().FirstName); err != nil {
		log.Printf("[bot] upsert user %d failed: %v", c.Sender().ID, err)
	}

	menu, err := b.addressMenu(ctx)
	if err != nil {
		log.Printf("[bot] address menu failed: %v", err)
		return c.Send(msgCheckUnavailable, htmlOpts)
	}
	return c.Send(msgWelcome, htmlOpts, menu)
}

func (b *Bot) handleSchedule(c tele.Context) error {
	ctx := context.Background()
	st, err := b.subscribedAddress(ctx, c.Sender().ID)
	if err != nil {
		return c.Send(msgNoAddress, htmlOpts)
	}

	if st.GroupName != "" {
		gs, err := b.db.GroupSchedule(ctx, st.GroupName)
		if err != nil {
			log.Printf("[bot] schedule load for %s failed: %v", st.GroupName, err)
			return c.Send(msgCheckUnavailable, htmlOpts)
		}
		if gs != nil {
			return c.Send(fmt.Sprintf(msgScheduleFor, st.Address.Name, formatSchedule(gs.Intervals)), htmlOpts)
		}
	}

	// Nothing cached yet: have the worker probe and reply over the queue.
	if err := b.requestCheck(ctx, mq.ScopeAddress, st.Address.Key, c.Sender().ID); err != nil {
		return c.Send(msgCheckUnavailable, htmlOpts)
	}
	return c.Send(msgNoSchedule, htmlOpts)
}

func (b *Bot) handleTomorrow(c tele.Context) error {
	ctx := context.Background()
	st, err := b.subscribedAddress(ctx, c.Sender().ID)
	if err != nil {
		return c.Send(msgNoAddress, htmlOpts)
	}

	if st.GroupName != "" {
		gs, err := b.db.NextDaySchedule(ctx, st.GroupName)
		if err != nil {
			log.Printf("[bot] next-day load for %s failed: %v", st.GroupName, err)
			return c.Send(msgCheckUnavailable, htmlOpts)
		}
		if gs != nil {
			return c.Send(fmt.Sprintf(msgNextDayFor, st.Address.Name, formatSchedule(gs.Intervals)), htmlOpts)
		}
	}

	if err := b.requestCheck(ctx, mq.ScopeNextDay, st.Address.Key, c.Sender().ID); err != nil {
		return c.Send(msgCheckUnavailable, htmlOpts)
	}
	return c.Send(msgNoNextDay, htmlOpts)
}

func (b *Bot) handleCheck(c tele.Context) error {
	ctx := context.Background()
	st, err := b.subscribedAddress(ctx, c.Sender().ID)
	if err != nil {
		return c.Send(msgNoAddress, htmlOpts)
	}

	ttl := time.Duration(b.cfg.ForceCheckCooldownSec) * time.Second
	ok, err := b.cache.AcquireCooldown(ctx, c.Sender().ID, ttl)
	if err != nil {
		log.Printf("[bot] cooldown check for %d failed: %v", c.Sender().ID, err)
		// Redis being down must not take forced checks with it.
		ok = true
	}
	if !ok {
		return c.Send(msgCooldown, htmlOpts)
	}

	if err := b.requestCheck(ctx, mq.ScopeAddress, st.Address.Key, c.Sender().ID); err != nil {
		return c.Send(msgCheckUnavailable, htmlOpts)
	}
	return c.Send(msgCheckQueued, htmlOpts)
}

func (b *Bot) handleHelp(c tele.Context) error {
	return c.Send(msgHelp, htmlOpts)
}

// ── Address selection ────────────────────────────────────────────────

func (b *Bot) handleCallback(c tele.Context) error {
	data := strings.TrimPrefix(c.Callback().Data, "\f")
	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 || parts[0] != addrCallbackPrefix {
		return c.Respond()
	}
	key := parts[1]

	ctx := context.Background()
	st, err := b.db.AddressStatus(ctx, key)
	if err != nil {
		log.Printf("[bot] callback for unknown address %q: %v", key, err)
		return c.Respond(&tele.CallbackResponse{Text: "Невідома адреса"})
	}
	if err := b.db.SetUserAddress(ctx, c.Sender().ID, key); err != nil {
		log.Printf("[bot] subscribe %d to %s failed: %v", c.Sender().ID, key, err)
		return c.Respond(&tele.CallbackResponse{Text: "Помилка, спробуйте ще раз"})
	}

	if err := c.Send(fmt.Sprintf(msgAddressSaved, st.Address.Name), htmlOpts); err != nil {
		log.Printf("[bot] confirm to %d failed: %v", c.Sender().ID, err)
	}

	// A known group with a cached schedule answers instantly; otherwise the
	// worker probes the fresh subscription right away.
	if st.GroupName != "" {
		gs, err := b.db.GroupSchedule(ctx, st.GroupName)
		if err == nil && gs != nil {
			if err := c.Send(fmt.Sprintf(msgScheduleFor, st.Address.Name, formatSchedule(gs.Intervals)), htmlOpts); err != nil {
				log.Printf("[bot] schedule to %d failed: %v", c.Sender().ID, err)
			}
			return c.Respond()
		}
	}
	if err := b.requestCheck(ctx, mq.ScopeAddress, key, c.Sender().ID); err != nil {
		log.Printf("[bot] initial check request for %s failed: %v", key, err)
	}
	return c.Respond()
}

// addressMenu builds the inline keyboard of monitored addresses.
func (b *Bot) addressMenu(ctx context.Context) (*tele.ReplyMarkup, error) {
	statuses, err := b.db.AllAddresses(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([][]tele.InlineButton, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, []tele.InlineButton{{
			Text: st.Address.Name,
			Data: addrCallbackPrefix + ":" + st.Address.Key,
		}})
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}, nil
}

// subscribedAddress resolves the sender's subscription, or errors if they
// have none yet.
func (b *Bot) subscribedAddress(ctx context.Context, chatID int64) (*models.AddressStatus, error) {
	key, err := b.db.UserAddress(ctx, chatID)
	if err != nil || key == "" {
		return nil, fmt.Errorf("no subscription for %d", chatID)
	}
	return b.db.AddressStatus(ctx, key)
}

func (b *Bot) requestCheck(ctx context.Context, scope mq.CheckScope, key string, requester int64) error {
	err := b.pub.Publish(ctx, mq.RoutingCheckRequest, mq.CheckRequestMsg{
		Scope:       scope,
		AddressKey:  key,
		RequesterID: requester,
	})
	if err != nil {
		log.Printf("[bot] publish check request failed: %v", err)
	}
	return err
}
