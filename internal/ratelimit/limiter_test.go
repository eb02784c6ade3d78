package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failingStore struct {
	err   error
	calls atomic.Int32
}

func (s *failingStore) Apply(context.Context, string, time.Time, time.Duration, int) (Outcome, error) {
	s.calls.Add(1)
	return Outcome{}, s.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestLimiter_FixedWindowScenario(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	l := NewLimiter(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	steps := []struct {
		at            int64
		wantSuccess   bool
		wantRemaining int
		wantResetAt   time.Time
	}{
		{at: 0, wantSuccess: true, wantRemaining: 2},
		{at: 1, wantSuccess: true, wantRemaining: 1},
		{at: 2, wantSuccess: true, wantRemaining: 0},
		{at: 3, wantSuccess: false, wantRemaining: 0, wantResetAt: at(60000)},
		{at: 60001, wantSuccess: true, wantRemaining: 2},
	}

	for i, step := range steps {
		clock.Set(at(step.at))
		d := l.Check(ctx, "K", "auth:login", 3, time.Minute)
		assert.Equal(t, step.wantSuccess, d.Success, "request %d", i+1)
		assert.Equal(t, step.wantRemaining, d.Remaining, "request %d", i+1)
		assert.Equal(t, 3, d.Limit, "request %d", i+1)
		assert.False(t, d.Degraded, "request %d", i+1)
		if step.wantResetAt.IsZero() {
			assert.True(t, d.ResetAt.IsZero(), "request %d reset %v", i+1, d.ResetAt)
		} else {
			assert.True(t, step.wantResetAt.Equal(d.ResetAt), "request %d reset %v, want %v", i+1, d.ResetAt, step.wantResetAt)
		}
	}
}

func TestLimiter_LimitPlusOneRejected(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 2, 7, 25} {
		l := NewLimiter(NewMemoryStore(), WithClock(func() time.Time { return at(0) }))
		for i := 0; i < limit; i++ {
			require.True(t, l.Check(context.Background(), "k", "ep", limit, time.Minute).Success)
		}
		d := l.Check(context.Background(), "k", "ep", limit, time.Minute)
		assert.False(t, d.Success, "limit %d", limit)
		assert.Equal(t, 0, d.Remaining, "limit %d", limit)
	}
}

func TestLimiter_Defaults(t *testing.T) {
	t.Parallel()

	l := NewLimiter(NewMemoryStore(), WithClock(func() time.Time { return at(0) }))
	var d Decision
	for i := 0; i < DefaultLimit; i++ {
		d = l.Check(context.Background(), "k", "ep", 0, 0)
		require.True(t, d.Success)
	}
	assert.Equal(t, DefaultLimit, d.Limit)

	d = l.Check(context.Background(), "k", "ep", 0, 0)
	assert.False(t, d.Success)
	assert.True(t, at(0).Add(DefaultWindow).Equal(d.ResetAt))
}

func TestLimiter_KeysAndEndpointsAreIndependent(t *testing.T) {
	t.Parallel()

	l := NewLimiter(NewMemoryStore(), WithClock(func() time.Time { return at(0) }))
	ctx := context.Background()

	require.True(t, l.Check(ctx, "a", "ep1", 1, time.Minute).Success)
	assert.False(t, l.Check(ctx, "a", "ep1", 1, time.Minute).Success)
	assert.True(t, l.Check(ctx, "b", "ep1", 1, time.Minute).Success)
	assert.True(t, l.Check(ctx, "a", "ep2", 1, time.Minute).Success)
}

func TestLimiter_ConcurrentSingleSlot(t *testing.T) {
	t.Parallel()

	l := NewLimiter(NewMemoryStore())
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Check(context.Background(), "k", "ep", 1, time.Minute).Success {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestLimiter_FailOpen(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	store := &failingStore{err: errors.New("connection refused")}
	l := NewLimiter(store, WithLogger(zap.New(core)))

	d := l.Check(context.Background(), "k", "ep", 3, time.Minute)
	assert.True(t, d.Success)
	assert.Equal(t, 0, d.Remaining)
	assert.True(t, d.Degraded)
	assert.True(t, d.ResetAt.IsZero())
	assert.Equal(t, 1, logs.FilterMessage("rate_limit_store_failed_open").Len())
}

func TestLimiter_FailOpenOnRedisOutage(t *testing.T) {
	t.Parallel()

	mr, client := newTestRedis(t)
	l := NewLimiter(NewRedisStore(client), WithStoreTimeout(time.Second))

	require.True(t, l.Check(context.Background(), "k", "ep", 1, time.Minute).Success)
	assert.False(t, l.Check(context.Background(), "k", "ep", 1, time.Minute).Success)

	mr.Close()
	d := l.Check(context.Background(), "k", "ep", 1, time.Minute)
	assert.True(t, d.Success)
	assert.Equal(t, 0, d.Remaining)
	assert.True(t, d.Degraded)
}

func TestLimiter_BreakerSkipsStoreWhileOpen(t *testing.T) {
	t.Parallel()

	store := &failingStore{err: errors.New("timeout")}
	l := NewLimiter(store, WithBreaker(2, time.Hour))

	for i := 0; i < 5; i++ {
		d := l.Check(context.Background(), "k", "ep", 3, time.Minute)
		assert.True(t, d.Success)
		assert.True(t, d.Degraded)
	}
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestLimiter_CancelledCallerDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	store := &failingStore{err: context.Canceled}
	l := NewLimiter(store, WithBreaker(1, time.Hour))

	for i := 0; i < 3; i++ {
		l.Check(context.Background(), "k", "ep", 3, time.Minute)
	}
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestLimiter_Telemetry(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	l := NewLimiter(NewMemoryStore(),
		WithClock(func() time.Time { return at(0) }),
		WithMeterProvider(mp),
		WithTracerProvider(tp),
	)
	l.Check(context.Background(), "k", "auth:login", 1, time.Minute)
	l.Check(context.Background(), "k", "auth:login", 1, time.Minute)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	m := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, "ratelimit.decisions", m.Name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	byOutcome := map[string]int64{}
	for _, dp := range sum.DataPoints {
		outcome, _ := dp.Attributes.Value("outcome")
		byOutcome[outcome.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"admitted": 1, "rejected": 1}, byOutcome)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ratelimit.check", spans[0].Name())
}
