package models

import "time"

// RateLimitRecord is the stored fixed-window counter for one (client, endpoint) pair.
// Timestamps are milliseconds since the Unix epoch.
type RateLimitRecord struct {
	Key          string `json:"key"`
	RequestCount int    `json:"request_count"`
	WindowStart  int64  `json:"window_start"`
	LastRequest  int64  `json:"last_request"`
	// WindowMs is the window length the record was last counted with.
	WindowMs int64 `json:"window_ms,omitempty"`
}

// WindowStartTime returns WindowStart as a time.Time.
func (r RateLimitRecord) WindowStartTime() time.Time {
	return time.UnixMilli(r.WindowStart)
}

// ResetAt returns the instant the record's current window ends.
func (r RateLimitRecord) ResetAt() time.Time {
	return time.UnixMilli(r.WindowStart + r.WindowMs)
}

// Expired reports whether the window has ended at now, after which the next
// request would start a fresh window anyway.
func (r RateLimitRecord) Expired(now time.Time) bool {
	return now.UnixMilli()-r.WindowStart >= r.WindowMs
}

// PolicyKind selects which middleware wrapper a policy is meant for.
type PolicyKind string

const (
	// PolicyKindAnonymous applies one flat limit keyed by network address.
	PolicyKindAnonymous PolicyKind = "anonymous"
	// PolicyKindDual applies separate limits to verified sessions and anonymous callers.
	PolicyKindDual PolicyKind = "dual"
)

// RateLimitPolicy is a named endpoint policy as read from the policy file.
// Either Rate (e.g. "10-H") or Limit+WindowMs must be given.
type RateLimitPolicy struct {
	Name                 string     `json:"name" yaml:"name" validate:"required,max=128"`
	Kind                 PolicyKind `json:"kind" yaml:"kind" validate:"required,policy_kind"`
	Rate                 string     `json:"rate,omitempty" yaml:"rate,omitempty" validate:"omitempty,ratelimit_rate"`
	Limit                int        `json:"limit,omitempty" yaml:"limit,omitempty" validate:"gte=0"`
	AuthLimit            int        `json:"auth_limit,omitempty" yaml:"authLimit,omitempty" validate:"gte=0"`
	WindowMs             int64      `json:"window_ms,omitempty" yaml:"windowMs,omitempty" validate:"gte=0"`
	EnforceInDevelopment bool       `json:"enforce_in_development,omitempty" yaml:"enforceInDevelopment,omitempty"`
}
