package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cooldownPrefix  = "cooldown:"
	lastProbePrefix = "probe:"
)

type Cache struct {
	Client *redis.Client
}

func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Cache{Client: client}, nil
}

func (c *Cache) Close() error {
	return c.Client.Close()
}

// AcquireCooldown claims a per-chat forced-check slot. Returns false while a
// previous claim is still live, so a user cannot hammer the probe queue.
func (c *Cache) AcquireCooldown(ctx context.Context, chatID int64, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s%d", cooldownPrefix, chatID)
	return c.Client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
}

// RecordProbe records when a group was last probed successfully.
func (c *Cache) RecordProbe(ctx context.Context, group string, t time.Time) error {
	return c.Client.Set(ctx, lastProbePrefix+group, t.Unix(), 0).Err()
}

// LastProbe returns the last successful probe time for a group, or a zero
// time if the group was never probed since the cache was flushed.
func (c *Cache) LastProbe(ctx context.Context, group string) (time.Time, error) {
	unix, err := c.Client.Get(ctx, lastProbePrefix+group).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}
