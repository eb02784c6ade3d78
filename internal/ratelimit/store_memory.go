package ratelimit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benvon/liftlog/internal/models"
	"github.com/cespare/xxhash/v2"
)

const defaultShardCount = 64

// MemoryStore keeps records in process memory. Each key hashes to one shard and
// the shard mutex serialises Apply for every key it holds. Only suitable for a
// single instance.
type MemoryStore struct {
	shards []memoryShard
	mask   uint64
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]models.RateLimitRecord
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithShardCount sets the number of shards, rounded up to a power of two.
func WithShardCount(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n <= 0 {
			return
		}
		size := 1
		for size < n {
			size <<= 1
		}
		s.shards = make([]memoryShard, size)
	}
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		shards: make([]memoryShard, defaultShardCount),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i].records = make(map[string]models.RateLimitRecord)
	}
	s.mask = uint64(len(s.shards) - 1)
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return &s.shards[xxhash.Sum64String(key)&s.mask]
}

// Apply implements CounterStore.
func (s *MemoryStore) Apply(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Outcome, error) {
	if key == "" {
		return Outcome{}, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current *models.RateLimitRecord
	if rec, ok := sh.records[key]; ok {
		current = &rec
	}
	next, out := Advance(current, key, now, window, limit)
	if next != nil {
		sh.records[key] = *next
	}
	return out, nil
}

// List implements Inspector.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]models.RateLimitRecord, error) {
	records := []models.RateLimitRecord{}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, rec := range sh.records {
			if strings.HasPrefix(key, prefix) {
				records = append(records, rec)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// Reset implements Inspector.
func (s *MemoryStore) Reset(_ context.Context, prefix string) (int64, error) {
	var removed int64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key := range sh.records {
			if strings.HasPrefix(key, prefix) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Sweep drops records whose window has ended at now and returns how many were
// removed. A record inside its window is never dropped, however long its
// window is.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, rec := range sh.records {
			if rec.Expired(now) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartJanitor sweeps expired records every interval until ctx is cancelled.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}

var (
	_ CounterStore = (*MemoryStore)(nil)
	_ Inspector    = (*MemoryStore)(nil)
)
