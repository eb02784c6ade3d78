package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/benvon/liftlog/internal/ratelimit"

// Decision is the limiter's verdict for one request.
type Decision struct {
	Success   bool
	Limit     int
	Remaining int
	// ResetAt and RetryAfter are set only when the request was rejected.
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded reports that the store could not be consulted and the request
	// was admitted without being counted.
	Degraded bool
}

// Limiter decides admission by delegating to a CounterStore.
type Limiter struct {
	store        CounterStore
	breaker      *gobreaker.CircuitBreaker[Outcome]
	log          *zap.Logger
	now          func() time.Time
	storeTimeout time.Duration
	tracer       trace.Tracer
	decisions    metric.Int64Counter
}

// Option configures a Limiter.
type Option func(*limiterOptions)

type limiterOptions struct {
	log            *zap.Logger
	now            func() time.Time
	storeTimeout   time.Duration
	breakerTrip    uint32
	breakerTimeout time.Duration
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithLogger sets the logger used for fail-open events.
func WithLogger(log *zap.Logger) Option {
	return func(o *limiterOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *limiterOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithStoreTimeout bounds each store call. Zero leaves the request context as is.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *limiterOptions) { o.storeTimeout = d }
}

// WithBreaker sets how many consecutive store failures open the breaker and how
// long it stays open before probing the store again.
func WithBreaker(consecutiveFailures uint32, openFor time.Duration) Option {
	return func(o *limiterOptions) {
		o.breakerTrip = consecutiveFailures
		o.breakerTimeout = openFor
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *limiterOptions) { o.tracerProvider = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *limiterOptions) { o.meterProvider = mp }
}

// NewLimiter creates a limiter over store.
func NewLimiter(store CounterStore, opts ...Option) *Limiter {
	o := limiterOptions{
		log:            zap.NewNop(),
		now:            time.Now,
		breakerTrip:    5,
		breakerTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}

	l := &Limiter{
		store:        store,
		log:          o.log,
		now:          o.now,
		storeTimeout: o.storeTimeout,
		tracer:       o.tracerProvider.Tracer(instrumentationName),
	}

	counter, err := o.meterProvider.Meter(instrumentationName).Int64Counter(
		"ratelimit.decisions",
		metric.WithDescription("Rate limit decisions by endpoint and outcome"),
	)
	if err != nil {
		o.log.Warn("failed_to_create_ratelimit_metric", zap.Error(err))
	} else {
		l.decisions = counter
	}

	trip := o.breakerTrip
	l.breaker = gobreaker.NewCircuitBreaker[Outcome](gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 1,
		Timeout:     o.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return trip > 0 && counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not a store fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.log.Warn("rate_limit_store_breaker_state_changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return l
}

// Check counts a request from clientKey against endpoint and decides whether it
// may proceed. Store failures admit the request with Remaining 0.
func (l *Limiter) Check(ctx context.Context, clientKey, endpoint string, limit int, window time.Duration) Decision {
	limit, window = normalize(limit, window)

	ctx, span := l.tracer.Start(ctx, "ratelimit.check",
		trace.WithAttributes(
			attribute.String("ratelimit.endpoint", endpoint),
			attribute.Int("ratelimit.limit", limit),
		),
	)
	defer span.End()

	storeCtx := ctx
	if l.storeTimeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, l.storeTimeout)
		defer cancel()
	}

	key := RecordKey(endpoint, clientKey)
	now := l.now()
	out, err := l.breaker.Execute(func() (Outcome, error) {
		return l.store.Apply(storeCtx, key, now, window, limit)
	})
	if err != nil {
		l.log.Error("rate_limit_store_failed_open",
			zap.String("endpoint", endpoint),
			zap.Bool("breaker_open", errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		l.record(ctx, endpoint, "fail_open")
		return Decision{Success: true, Limit: limit, Remaining: 0, Degraded: true}
	}

	if !out.Admitted {
		span.SetAttributes(attribute.Bool("ratelimit.admitted", false))
		l.record(ctx, endpoint, "rejected")
		resetAt := out.WindowStart.Add(window)
		return Decision{
			Success:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: max(0, resetAt.Sub(now)),
		}
	}

	span.SetAttributes(attribute.Bool("ratelimit.admitted", true))
	l.record(ctx, endpoint, "admitted")
	return Decision{
		Success:   true,
		Limit:     limit,
		Remaining: max(0, limit-out.Count),
	}
}

func (l *Limiter) record(ctx context.Context, endpoint, outcome string) {
	if l.decisions == nil {
		return
	}
	l.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}
