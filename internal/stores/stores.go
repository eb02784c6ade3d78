// Package stores opens the rate limit counter store selected by configuration.
package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benvon/liftlog/internal/config"
	"github.com/benvon/liftlog/internal/database"
	"github.com/benvon/liftlog/internal/ratelimit"
	"go.uber.org/zap"
)

// Backend is an opened counter store and its admin views.
type Backend struct {
	Name      string
	Counter   ratelimit.CounterStore
	Inspector ratelimit.Inspector
	// Pinger is nil for the in-process store.
	Pinger  ratelimit.Pinger
	closers []func() error
	cancel  context.CancelFunc
}

// Open connects the store named by cfg.RateLimitStore.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	switch cfg.RateLimitStore {
	case config.StoreRedis:
		client, err := ratelimit.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store := ratelimit.NewRedisStore(client)
		return &Backend{
			Name:      config.StoreRedis,
			Counter:   store,
			Inspector: store,
			Pinger:    store,
			closers:   []func() error{client.Close},
		}, nil

	case config.StorePostgres:
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo := database.NewRateLimitRepository(db, "")
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Backend{
			Name:      config.StorePostgres,
			Counter:   repo,
			Inspector: repo,
			Pinger:    repo,
			closers:   []func() error{db.Close},
		}, nil

	case config.StoreMemory:
		store := ratelimit.NewMemoryStore(ratelimit.WithShardCount(cfg.MemoryShards))
		janitorCtx, cancel := context.WithCancel(context.Background())
		store.StartJanitor(janitorCtx, 10*time.Minute)
		logger.Warn("rate_limit_store_in_memory",
			zap.String("note", "counters are per process and lost on restart"),
		)
		return &Backend{
			Name:      config.StoreMemory,
			Counter:   store,
			Inspector: store,
			cancel:    cancel,
		}, nil
	}
	return nil, fmt.Errorf("unknown rate limit store %q", cfg.RateLimitStore)
}

// Close releases connections and stops background work.
func (b *Backend) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
