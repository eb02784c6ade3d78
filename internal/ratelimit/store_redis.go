package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benvon/liftlog/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces record hashes.
	DefaultRedisPrefix = "ratelimit:"
	defaultTTLWindows  = 2
	scanBatchSize      = 200
)

// applyLua is the Redis rendition of Advance. It runs as a single script so the
// read and the conditional write are atomic for every client of the server.
//
// KEYS[1] record hash
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] ttl (ms)
// Returns {admitted, count, window_start}.
const applyLua = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local rec = redis.call('HMGET', KEYS[1], 'count', 'window_start')
local count = tonumber(rec[1])
local start = tonumber(rec[2])

if count == nil or start == nil or now - start >= window then
	redis.call('HSET', KEYS[1], 'count', 1, 'window_start', ARGV[1], 'last_request', ARGV[1], 'window_ms', ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return {1, 1, now}
end

if count >= limit then
	return {0, count, start}
end

count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'last_request', ARGV[1], 'window_ms', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, count, start}
`

var applyScript = redis.NewScript(applyLua)

// RedisStore keeps records as Redis hashes shared by every instance.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ttlWindows int
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides DefaultRedisPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTLWindows sets how many window lengths a record survives without traffic.
func WithTTLWindows(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.ttlWindows = n
		}
	}
}

// NewRedisStore creates a store on an existing client. The caller owns the client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     DefaultRedisPrefix,
		ttlWindows: defaultTTLWindows,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnectRedis parses redisURL, connects and pings the server.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Apply implements CounterStore.
func (s *RedisStore) Apply(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Outcome, error) {
	if key == "" {
		return Outcome{}, ErrInvalidKey
	}

	ttl := window * time.Duration(s.ttlWindows)
	if ttl < time.Second {
		ttl = time.Second
	}

	vals, err := applyScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Outcome{}, fmt.Errorf("apply rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return Outcome{}, fmt.Errorf("apply rate limit script: unexpected reply length %d", len(vals))
	}

	return Outcome{
		Admitted:    vals[0] == 1,
		Count:       int(vals[1]),
		WindowStart: time.UnixMilli(vals[2]),
	}, nil
}

// Ping implements Pinger.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// List implements Inspector.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]models.RateLimitRecord, error) {
	records := []models.RateLimitRecord{}
	err := s.scan(ctx, prefix, func(keys []string) error {
		for _, k := range keys {
			vals, err := s.client.HMGet(ctx, k, "count", "window_start", "last_request", "window_ms").Result()
			if err != nil {
				return fmt.Errorf("read record %s: %w", k, err)
			}
			rec, ok := parseRecord(strings.TrimPrefix(k, s.prefix), vals)
			if ok {
				records = append(records, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Reset implements Inspector.
func (s *RedisStore) Reset(ctx context.Context, prefix string) (int64, error) {
	var removed int64
	err := s.scan(ctx, prefix, func(keys []string) error {
		n, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("delete records: %w", err)
		}
		removed += n
		return nil
	})
	return removed, err
}

func (s *RedisStore) scan(ctx context.Context, prefix string, fn func(keys []string) error) error {
	match := escapeGlob(s.prefix+prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("scan records: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// parseRecord reads count, window_start, last_request and window_ms. Hashes
// written before window_ms was stored report a zero window.
func parseRecord(key string, vals []any) (models.RateLimitRecord, bool) {
	if len(vals) != 4 {
		return models.RateLimitRecord{}, false
	}
	nums := make([]int64, len(vals))
	for i, v := range vals {
		if v == nil && i == 3 {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return models.RateLimitRecord{}, false
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return models.RateLimitRecord{}, false
		}
		nums[i] = n
	}
	return models.RateLimitRecord{
		Key:          key,
		RequestCount: int(nums[0]),
		WindowStart:  nums[1],
		LastRequest:  nums[2],
		WindowMs:     nums[3],
	}, true
}

func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var (
	_ CounterStore = (*RedisStore)(nil)
	_ Inspector    = (*RedisStore)(nil)
	_ Pinger       = (*RedisStore)(nil)
)
