// Package cache keeps the most recent telemetry event per (truck, kind) in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/ukydev/fleet-telemetry/internal/metrics"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

const keyPrefix = "fleet:latest"

// offerScript replaces the cached event only when the offered one is not older.
// Timestamps are unix microseconds so they stay exact as Lua numbers.
var offerScript = redis.NewScript(`
	local current = tonumber(redis.call('HGET', KEYS[1], 'ts'))
	local offered = tonumber(ARGV[1])
	if current and current > offered then
		return 0
	end
	redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'event', ARGV[2])
	local ttl = tonumber(ARGV[3])
	if ttl > 0 then
		redis.call('PEXPIRE', KEYS[1], ttl)
	end
	return 1
`)

// Latest is a Redis-backed latest-value cache.
type Latest struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewLatest returns a cache whose entries expire after ttl (0 keeps them).
func NewLatest(client redis.UniversalClient, ttl time.Duration) *Latest {
	return &Latest{client: client, ttl: ttl}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Key returns the hash key holding the latest event for truck and kind.
func Key(truckID string, kind models.EventKind) string {
	return keyPrefix + ":" + truckID + ":" + string(kind)
}

// Get returns the cached event, or ok=false on a miss.
func (c *Latest) Get(ctx context.Context, truckID string, kind models.EventKind) (models.TelemetryEvent, bool, error) {
	var event models.TelemetryEvent
	raw, err := c.client.HGet(ctx, Key(truckID, kind), "event").Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.LatestCache.WithLabelValues("miss").Inc()
		return event, false, nil
	}
	if err != nil {
		metrics.LatestCache.WithLabelValues("error").Inc()
		return event, false, fmt.Errorf("get latest %s: %w", kind, err)
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		metrics.LatestCache.WithLabelValues("error").Inc()
		return event, false, fmt.Errorf("decode latest %s: %w", kind, err)
	}
	metrics.LatestCache.WithLabelValues("hit").Inc()
	return event, true, nil
}

// Offer stores event unless a newer one for the same truck and kind is cached.
func (c *Latest) Offer(ctx context.Context, event models.TelemetryEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = offerScript.Run(ctx, c.client,
		[]string{Key(event.TruckID, event.Kind())},
		event.TS.UnixMicro(), string(raw), c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("offer latest %s: %w", event.Kind(), err)
	}
	return nil
}
