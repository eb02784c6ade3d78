package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benvon/liftlog/internal/models"
	"github.com/benvon/liftlog/internal/ratelimit"
	"github.com/lib/pq"
)

// DefaultRateLimitTable holds one row per (endpoint, client) counter.
const DefaultRateLimitTable = "rate_limits"

// RateLimitRepository stores fixed-window counters in Postgres. Each request is
// applied in its own transaction holding a row lock on the counter.
type RateLimitRepository struct {
	db    *DB
	table string
}

// NewRateLimitRepository creates a repository over table; empty means DefaultRateLimitTable.
func NewRateLimitRepository(db *DB, table string) *RateLimitRepository {
	if table == "" {
		table = DefaultRateLimitTable
	}
	return &RateLimitRepository{db: db, table: pq.QuoteIdentifier(table)}
}

// EnsureSchema creates the counter table if it does not exist.
func (r *RateLimitRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+r.table+` (
			key           TEXT PRIMARY KEY,
			request_count INTEGER NOT NULL,
			window_start  BIGINT NOT NULL,
			last_request  BIGINT NOT NULL,
			window_ms     BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("ensure rate limit schema: %w", err)
	}
	// Tables created before window_ms was tracked.
	if _, err := r.db.ExecContext(ctx, `ALTER TABLE `+r.table+` ADD COLUMN IF NOT EXISTS window_ms BIGINT NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("ensure rate limit schema: %w", err)
	}
	return nil
}

// Apply counts one request against key.
func (r *RateLimitRepository) Apply(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (ratelimit.Outcome, error) {
	if key == "" {
		return ratelimit.Outcome{}, ratelimit.ErrInvalidKey
	}
	nowMs := now.UnixMilli()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ratelimit.Outcome{}, fmt.Errorf("begin rate limit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// A zero-count placeholder makes the row lockable on first use.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+r.table+` (key, request_count, window_start, last_request, window_ms)
		VALUES ($1, 0, $2, $2, 0)
		ON CONFLICT (key) DO NOTHING
	`, key, nowMs); err != nil {
		return ratelimit.Outcome{}, fmt.Errorf("insert rate limit record: %w", err)
	}

	rec := &models.RateLimitRecord{}
	err = tx.QueryRowContext(ctx, `
		SELECT key, request_count, window_start, last_request, window_ms
		FROM `+r.table+` WHERE key = $1
		FOR UPDATE
	`, key).Scan(&rec.Key, &rec.RequestCount, &rec.WindowStart, &rec.LastRequest, &rec.WindowMs)
	if err != nil {
		return ratelimit.Outcome{}, fmt.Errorf("lock rate limit record: %w", err)
	}
	if rec.RequestCount == 0 {
		rec = nil
	}

	next, out := ratelimit.Advance(rec, key, now, window, limit)
	if next == nil {
		return out, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE `+r.table+`
		SET request_count = $2, window_start = $3, last_request = $4, window_ms = $5
		WHERE key = $1
	`, next.Key, next.RequestCount, next.WindowStart, next.LastRequest, next.WindowMs); err != nil {
		return ratelimit.Outcome{}, fmt.Errorf("update rate limit record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ratelimit.Outcome{}, fmt.Errorf("commit rate limit record: %w", err)
	}
	return out, nil
}

// List returns counters whose key starts with prefix, ordered by key.
func (r *RateLimitRepository) List(ctx context.Context, prefix string) ([]models.RateLimitRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, request_count, window_start, last_request, window_ms
		FROM `+r.table+`
		WHERE key LIKE $1 ESCAPE '\' AND request_count > 0
		ORDER BY key
	`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list rate limit records: %w", err)
	}
	defer rows.Close()

	var records []models.RateLimitRecord
	for rows.Next() {
		var rec models.RateLimitRecord
		if err := rows.Scan(&rec.Key, &rec.RequestCount, &rec.WindowStart, &rec.LastRequest, &rec.WindowMs); err != nil {
			return nil, fmt.Errorf("scan rate limit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate limit records: %w", err)
	}
	return records, nil
}

// Reset deletes counters whose key starts with prefix.
func (r *RateLimitRepository) Reset(ctx context.Context, prefix string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+r.table+` WHERE key LIKE $1 ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return 0, fmt.Errorf("reset rate limit records: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes counters whose window ended before before. Counters inside
// their window are kept regardless of how long ago they were last hit.
func (r *RateLimitRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+r.table+` WHERE window_start + window_ms < $1`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune rate limit records: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database is reachable.
func (r *RateLimitRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Get returns the counter stored under key, or nil when none exists.
func (r *RateLimitRepository) Get(ctx context.Context, key string) (*models.RateLimitRecord, error) {
	rec := &models.RateLimitRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT key, request_count, window_start, last_request, window_ms
		FROM `+r.table+` WHERE key = $1
	`, key).Scan(&rec.Key, &rec.RequestCount, &rec.WindowStart, &rec.LastRequest, &rec.WindowMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit record: %w", err)
	}
	return rec, nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

var (
	_ ratelimit.CounterStore = (*RateLimitRepository)(nil)
	_ ratelimit.Inspector    = (*RateLimitRepository)(nil)
	_ ratelimit.Pinger       = (*RateLimitRepository)(nil)
)
