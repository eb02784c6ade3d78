package ratelimit

import (
	"context"
	"time"

	"github.com/benvon/liftlog/internal/models"
)

// CounterStore applies requests to fixed-window records.
//
// Apply must be atomic per key: two concurrent calls for the same key never
// interleave their read-modify-write, even across processes for shared stores.
type CounterStore interface {
	Apply(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Outcome, error)
}

// Inspector is implemented by stores that can enumerate and clear records.
type Inspector interface {
	List(ctx context.Context, prefix string) ([]models.RateLimitRecord, error)
	Reset(ctx context.Context, prefix string) (int64, error)
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}
