package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"blackout-monitor/internal/bot"
	"blackout-monitor/internal/cache"
	"blackout-monitor/internal/config"
	"blackout-monitor/internal/database"
	"blackout-monitor/internal/mq"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.BotToken == "" {
		log.Fatal("BOT_TOKEN is required. Get one from @BotFather on Telegram.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Database ---
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("database connected and migrated")

	// --- Redis ---
	redisCache, err := cache.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer redisCache.Close()
	log.Println("redis connected")

	// --- RabbitMQ ---
	publisher, err := mq.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("rabbitmq publisher: %v", err)
	}
	defer publisher.Close()

	consumer, err := mq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("rabbitmq consumer: %v", err)
	}
	defer consumer.Close()
	log.Println("rabbitmq connected")

	// --- Telegram Bot ---
	tgBot, err := bot.New(cfg, db, redisCache, publisher)
	if err != nil {
		log.Fatalf("bot: %v", err)
	}

	go tgBot.Start()
	defer tgBot.Stop()
	log.Println("telegram bot started")

	go tgBot.RunHealthProbe(ctx)

	// --- Notification sender ---
	go func() {
		if err := tgBot.RunSender(ctx, consumer); err != nil && ctx.Err() == nil {
			log.Printf("sender stopped: %v", err)
		}
	}()
	log.Println("notification sender started")

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down bot service...")
	cancel()
}
