package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"blackout-monitor/internal/cache"
	"blackout-monitor/internal/config"
	"blackout-monitor/internal/database"
	"blackout-monitor/internal/fetcher"
	"blackout-monitor/internal/monitor"
	"blackout-monitor/internal/mq"
	"blackout-monitor/internal/ping"
)

func main() {
	// Load .env if present.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	addresses, err := cfg.LoadAddresses()
	if err != nil {
		log.Fatalf("addresses: %v", err)
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
	if err := db.SyncAddresses(ctx, addresses); err != nil {
		log.Fatalf("sync addresses: %v", err)
	}
	log.Printf("database connected, %d address(es) synced", len(addresses))

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

	// --- Monitoring core ---
	svc := monitor.NewService(
		db,
		fetcher.NewHTTP(cfg.FetcherURL),
		mq.NewUserNotifier(publisher),
		ping.New(cfg.SourceHost),
		cfg,
	)
	svc.SetProbeLog(redisCache)

	go svc.Start(ctx)
	log.Println("monitoring core started")

	go consumeCheckRequests(ctx, consumer, svc)
	log.Println("check request listener started")

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down worker...")
	cancel()
}

// consumeCheckRequests feeds user-forced checks from the bot into the core's
// task queue.
func consumeCheckRequests(ctx context.Context, consumer *mq.Consumer, svc *monitor.Service) {
	deliveries, err := consumer.Consume(mq.QueueCheckRequest)
	if err != nil {
		log.Printf("[worker] consume check requests: %v", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Println("[worker] check request queue closed")
				return
			}
			var req mq.CheckRequestMsg
			if err := json.Unmarshal(d.Body, &req); err != nil {
				log.Printf("[worker] malformed check request: %v", err)
				_ = d.Ack(false)
				continue
			}
			switch req.Scope {
			case mq.ScopeAddress:
				svc.ForceCheckAddress(ctx, req.AddressKey, req.RequesterID)
			case mq.ScopeNextDay:
				svc.ForceCheckNextDay(ctx, req.AddressKey, req.RequesterID)
			case mq.ScopeAll:
				svc.ForceCheckAll(ctx, req.RequesterID)
			default:
				log.Printf("[worker] unknown check scope %q", req.Scope)
			}
			_ = d.Ack(false)
		}
	}
}
