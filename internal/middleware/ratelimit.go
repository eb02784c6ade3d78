package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	logpkg "github.com/benvon/liftlog/internal/logger"
	"github.com/benvon/liftlog/internal/models"
	"github.com/benvon/liftlog/internal/ratelimit"
	"github.com/benvon/liftlog/internal/request"
	"go.uber.org/zap"
)

const (
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"
	tooManyRequests = "Too many requests, please try again later"
)

// AnonymousLimitConfig configures the address-keyed wrapper.
type AnonymousLimitConfig struct {
	Name                 string
	Limit                int
	Window               time.Duration
	EnforceInDevelopment bool
}

// DualLimitConfig configures the wrapper with separate session and anonymous limits.
type DualLimitConfig struct {
	Name      string
	Limit     int
	AuthLimit int
	Window    time.Duration
}

// RateLimitResponse is the body sent with 429 responses.
type RateLimitResponse struct {
	Error   string `json:"error"`
	ResetAt int64  `json:"resetAt"`
}

// RateLimitGuard wraps handlers with per-endpoint fixed-window limits.
type RateLimitGuard struct {
	limiter    *ratelimit.Limiter
	resolver   *request.Resolver
	production bool
	logger     *zap.Logger
}

// NewRateLimitGuard creates a guard. Anonymous limits are only enforced when
// production is true unless a config opts in.
func NewRateLimitGuard(limiter *ratelimit.Limiter, resolver *request.Resolver, production bool, logger *zap.Logger) *RateLimitGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitGuard{
		limiter:    limiter,
		resolver:   resolver,
		production: production,
		logger:     logger,
	}
}

// WithRateLimit wraps next with a flat limit keyed by client address.
func (g *RateLimitGuard) WithRateLimit(next http.Handler, cfg AnonymousLimitConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.production && !cfg.EnforceInDevelopment {
			next.ServeHTTP(w, r)
			return
		}
		id := request.ResolveAddress(r)
		g.enforce(w, r, next, id, cfg.Name, cfg.Limit, cfg.Limit, cfg.Window)
	})
}

// WithAuthRateLimit wraps next with AuthLimit for verified sessions and Limit
// for everyone else. It is enforced in every environment. X-RateLimit-Limit
// always reports the configured Limit, also for verified sessions.
func (g *RateLimitGuard) WithAuthRateLimit(next http.Handler, cfg DualLimitConfig) http.Handler {
	authLimit := cfg.AuthLimit
	if authLimit <= 0 {
		authLimit = ratelimit.DefaultAuthLimit
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := g.resolver.Resolve(r)
		limit := cfg.Limit
		if id.Authenticated {
			limit = authLimit
		}
		g.enforce(w, r, next, id, cfg.Name, limit, cfg.Limit, cfg.Window)
	})
}

// Anonymous returns WithRateLimit as router middleware.
func (g *RateLimitGuard) Anonymous(cfg AnonymousLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.WithRateLimit(next, cfg)
	}
}

// Dual returns WithAuthRateLimit as router middleware.
func (g *RateLimitGuard) Dual(cfg DualLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.WithAuthRateLimit(next, cfg)
	}
}

// Policy returns the wrapper matching the policy's kind.
func (g *RateLimitGuard) Policy(p ratelimit.Policy) func(http.Handler) http.Handler {
	if p.Kind == models.PolicyKindDual {
		return g.Dual(DualLimitConfig{
			Name:      p.Name,
			Limit:     p.Limit,
			AuthLimit: p.AuthLimit,
			Window:    p.Window,
		})
	}
	return g.Anonymous(AnonymousLimitConfig{
		Name:                 p.Name,
		Limit:                p.Limit,
		Window:               p.Window,
		EnforceInDevelopment: p.EnforceInDevelopment,
	})
}

// enforce checks limit for id and reports configured in X-RateLimit-Limit.
func (g *RateLimitGuard) enforce(w http.ResponseWriter, r *http.Request, next http.Handler, id request.Identity, endpoint string, limit, configured int, window time.Duration) {
	if endpoint == "" {
		endpoint = r.URL.Path
	}
	if configured <= 0 {
		configured = ratelimit.DefaultLimit
	}
	decision := g.limiter.Check(r.Context(), id.Key, endpoint, limit, window)

	w.Header().Set(headerLimit, strconv.Itoa(configured))
	if !decision.Success {
		g.reject(w, r, id, endpoint, decision)
		return
	}

	w.Header().Set(headerRemaining, strconv.Itoa(decision.Remaining))
	next.ServeHTTP(w, r.WithContext(request.WithIdentity(r.Context(), id)))
}

func (g *RateLimitGuard) reject(w http.ResponseWriter, r *http.Request, id request.Identity, endpoint string, decision ratelimit.Decision) {
	resetMs := decision.ResetAt.UnixMilli()
	retryAfter := max(1, int(math.Ceil(decision.RetryAfter.Seconds())))

	g.logger.Info("rate_limit_exceeded",
		zap.String("endpoint", endpoint),
		zap.String("key", logpkg.SanitizeKey(id.Key)),
		zap.Bool("authenticated", id.Authenticated),
		zap.Int("limit", decision.Limit),
		zap.Int64("reset_at", resetMs),
	)

	w.Header().Set(headerRemaining, "0")
	w.Header().Set(headerReset, strconv.FormatInt(resetMs, 10))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	if err := json.NewEncoder(w).Encode(RateLimitResponse{Error: tooManyRequests, ResetAt: resetMs}); err != nil {
		g.logger.Error("failed_to_encode_rate_limit_response",
			zap.Error(err),
			zap.String("path", logpkg.SanitizePath(r.URL.Path)),
		)
	}
}
