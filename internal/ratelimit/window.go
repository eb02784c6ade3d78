package ratelimit

import (
	"time"

	"github.com/benvon/liftlog/internal/models"
)

const (
	// DefaultLimit is used when a caller configures no limit.
	DefaultLimit = 5
	// DefaultAuthLimit is used for verified sessions when no authLimit is configured.
	DefaultAuthLimit = 20
	// DefaultWindow is used when a caller configures no window.
	DefaultWindow = time.Minute
)

// Outcome is the result of applying one request to a record.
type Outcome struct {
	Admitted    bool
	Count       int
	WindowStart time.Time
}

// RecordKey builds the store key for a client bucket on an endpoint.
func RecordKey(endpoint, clientKey string) string {
	return endpoint + ":" + clientKey
}

// Advance applies a request observed at now to rec, which is nil when no record
// exists yet. It returns the record to persist, or nil when the request was
// rejected and the record must stay untouched.
//
// A window that has run for at least window is replaced by a fresh one
// starting at now.
func Advance(rec *models.RateLimitRecord, key string, now time.Time, window time.Duration, limit int) (*models.RateLimitRecord, Outcome) {
	nowMs := now.UnixMilli()

	if rec == nil || nowMs-rec.WindowStart >= window.Milliseconds() {
		next := &models.RateLimitRecord{
			Key:          key,
			RequestCount: 1,
			WindowStart:  nowMs,
			LastRequest:  nowMs,
			WindowMs:     window.Milliseconds(),
		}
		return next, Outcome{Admitted: true, Count: 1, WindowStart: next.WindowStartTime()}
	}

	if rec.RequestCount >= limit {
		return nil, Outcome{Admitted: false, Count: rec.RequestCount, WindowStart: rec.WindowStartTime()}
	}

	next := *rec
	next.Key = key
	next.RequestCount++
	next.LastRequest = nowMs
	next.WindowMs = window.Milliseconds()
	return &next, Outcome{Admitted: true, Count: next.RequestCount, WindowStart: next.WindowStartTime()}
}

func normalize(limit int, window time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return limit, window
}
