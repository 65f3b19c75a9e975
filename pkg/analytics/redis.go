package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// RedisConfig configures the Redis recorder.
type RedisConfig struct {
	// Prefix namespaces the keys, e.g. "chipins".
	Prefix string

	// KioskID separates kiosks sharing one Redis.
	KioskID string

	// MaxSessions caps the stored list; older sessions are trimmed.
	MaxSessions int64
}

// RedisRecorder keeps a capped list of recent sessions per kiosk and
// publishes each one for live dashboards.
type RedisRecorder struct {
	client  redis.UniversalClient
	cfg     RedisConfig
	listKey string
	channel string
}

// NewRedisRecorder wraps an existing client.
func NewRedisRecorder(client redis.UniversalClient, cfg RedisConfig) *RedisRecorder {
	if cfg.Prefix == "" {
		cfg.Prefix = "chipins"
	}
	if cfg.KioskID == "" {
		cfg.KioskID = "default"
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1000
	}
	return &RedisRecorder{
		client:  client,
		cfg:     cfg,
		listKey: fmt.Sprintf("%s:%s:sessions", cfg.Prefix, cfg.KioskID),
		channel: fmt.Sprintf("%s:sessions", cfg.Prefix),
	}
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url string, cfg RedisConfig) (*RedisRecorder, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, persistErr("analytics.redis.open", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, persistErr("analytics.redis.open", err)
	}
	return NewRedisRecorder(client, cfg), nil
}

// Channel returns the pub/sub channel sessions are published on.
func (r *RedisRecorder) Channel() string {
	return r.channel
}

// Record appends s, trims the list and publishes s.
func (r *RedisRecorder) Record(ctx context.Context, s proximity.Session) error {
	data, err := json.Marshal(NewRecord(r.cfg.KioskID, s))
	if err != nil {
		return persistErr("analytics.redis.record", err)
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, r.listKey, data)
	pipe.LTrim(ctx, r.listKey, -r.cfg.MaxSessions, -1)
	pipe.Publish(ctx, r.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return persistErr("analytics.redis.record", err)
	}
	return nil
}

// Recent returns up to n sessions, newest first.
func (r *RedisRecorder) Recent(ctx context.Context, n int) ([]proximity.Session, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := r.client.LRange(ctx, r.listKey, -int64(n), -1).Result()
	if err != nil {
		return nil, persistErr("analytics.redis.recent", err)
	}

	out := make([]proximity.Session, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var rec Record
		if err := json.Unmarshal([]byte(items[i]), &rec); err != nil {
			return nil, persistErr("analytics.redis.recent", err)
		}
		s, err := rec.Session()
		if err != nil {
			return nil, persistErr("analytics.redis.recent", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Close closes the client.
func (r *RedisRecorder) Close() error {
	return r.client.Close()
}
