package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(cfg)
	l.now = clk.now
	l.sleep = clk.sleep
	for _, b := range l.buckets {
		b.lastRefill = clk.t
	}
	return l, clk
}

func TestAcquireBurstThenWait(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buckets = map[Class]BucketConfig{ClassOrder: {Rate: 2, Capacity: 4}}
	l, _ := newTestLimiter(cfg)

	for i := 0; i < 4; i++ {
		l.mu.Lock()
		wait := l.buckets[ClassOrder].reserve(l.now())
		l.mu.Unlock()
		assert.Zero(t, wait, "request %d should not wait", i+1)
	}

	// 第 N+1 个请求：等待 (N+1-capacity)/rate
	l.mu.Lock()
	wait := l.buckets[ClassOrder].reserve(l.now())
	l.mu.Unlock()
	assert.Equal(t, 500*time.Millisecond, wait)

	// 第 N+2 个：排在前一个预留之后
	l.mu.Lock()
	wait = l.buckets[ClassOrder].reserve(l.now())
	l.mu.Unlock()
	assert.Equal(t, time.Second, wait)
}

func TestAcquireSleepsExactlyTheDeficit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buckets = map[Class]BucketConfig{ClassPrice: {Rate: 1, Capacity: 2}}
	l, clk := newTestLimiter(cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		w, err := l.Acquire(ctx, ClassPrice)
		require.NoError(t, err)
		assert.Zero(t, w)
	}
	w, err := l.Acquire(ctx, ClassPrice)
	require.NoError(t, err)
	assert.Equal(t, time.Second, w)
	assert.Equal(t, []time.Duration{time.Second}, clk.sleeps)

	// 时间流逝后补充
	clk.t = clk.t.Add(10 * time.Second)
	w, err = l.Acquire(ctx, ClassPrice)
	require.NoError(t, err)
	assert.Zero(t, w)
}

func TestDefaultCapacityIsTwiceRate(t *testing.T) {
	b := newBucket("x", BucketConfig{Rate: 3}, time.Now())
	assert.Equal(t, 6.0, b.capacity)

	b = newBucket("y", BucketConfig{Rate: 0.1}, time.Now())
	assert.Equal(t, 1.0, b.capacity)
}

func TestTryAcquireNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buckets = map[Class]BucketConfig{ClassMarket: {Rate: 1, Capacity: 1}}
	l, clk := newTestLimiter(cfg)

	assert.True(t, l.TryAcquire(ClassMarket))
	assert.False(t, l.TryAcquire(ClassMarket))
	assert.Empty(t, clk.sleeps)

	clk.t = clk.t.Add(time.Second)
	assert.True(t, l.TryAcquire(ClassMarket))
}

func TestBackoffDoublesAndHalves(t *testing.T) {
	l, clk := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	l.NoteThrottled(ClassOrder)
	assert.True(t, l.IsThrottled())
	assert.False(t, l.TryAcquire(ClassOrder))

	w, err := l.Acquire(ctx, ClassOrder)
	require.NoError(t, err)
	assert.Equal(t, time.Second, w)
	assert.False(t, l.IsThrottled())

	// 第二次 429 退避 2s，第三次 4s
	l.NoteThrottled(ClassOrder)
	assert.Equal(t, int64(4000), l.Stats().Backoff.DurationMs)
	clk.t = clk.t.Add(3 * time.Second)
	l.NoteThrottled(ClassOrder)
	assert.Equal(t, int64(8000), l.Stats().Backoff.DurationMs)

	l.NoteSuccess()
	assert.Equal(t, int64(4000), l.Stats().Backoff.DurationMs)
	for i := 0; i < 10; i++ {
		l.NoteSuccess()
	}
	assert.Equal(t, int64(1000), l.Stats().Backoff.DurationMs)

	st := l.Stats()
	assert.Equal(t, int64(3), st.Backoff.Total429s)
	assert.Equal(t, 3, st.Backoff.Recent429s5m)
}

func TestBackoffCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBackoff = 5 * time.Second
	l, _ := newTestLimiter(cfg)
	for i := 0; i < 10; i++ {
		l.NoteThrottled(ClassPrice)
	}
	assert.Equal(t, int64(5000), l.Stats().Backoff.DurationMs)
}

func TestAcquireCancelledRefundsReservation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buckets = map[Class]BucketConfig{ClassOrder: {Rate: 1, Capacity: 1}}
	l := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := l.Acquire(ctx, ClassOrder)
	require.NoError(t, err)

	cancel()
	_, err = l.Acquire(ctx, ClassOrder)
	require.ErrorIs(t, err, context.Canceled)

	l.mu.Lock()
	tokens := l.buckets[ClassOrder].tokens
	l.mu.Unlock()
	assert.InDelta(t, 0, tokens, 0.1)
}

func TestRefundNeverExceedsCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buckets = map[Class]BucketConfig{ClassOrder: {Rate: 1, Capacity: 1}}
	l, clk := newTestLimiter(cfg)
	ctx := context.Background()

	_, err := l.Acquire(ctx, ClassOrder)
	require.NoError(t, err)

	// 等待期间桶已被其他调用补满，随后本次等待被取消
	l.sleep = func(context.Context, time.Duration) error {
		clk.t = clk.t.Add(10 * time.Second)
		l.mu.Lock()
		l.buckets[ClassOrder].refill(clk.t)
		l.mu.Unlock()
		return context.Canceled
	}
	_, err = l.Acquire(ctx, ClassOrder)
	require.ErrorIs(t, err, context.Canceled)

	l.mu.Lock()
	tokens := l.buckets[ClassOrder].tokens
	l.mu.Unlock()
	assert.Equal(t, 1.0, tokens)
}

func TestStatsWaitRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buckets = map[Class]BucketConfig{ClassOrder: {Rate: 1, Capacity: 1}}
	l, _ := newTestLimiter(cfg)
	ctx := context.Background()

	_, _ = l.Acquire(ctx, ClassOrder)
	_, _ = l.Acquire(ctx, ClassOrder)

	st := l.Stats().Buckets[ClassOrder]
	assert.Equal(t, int64(2), st.TotalRequests)
	assert.Equal(t, int64(1), st.TotalWaits)
	assert.InDelta(t, 50.0, st.WaitRatePct, 1e-9)
	assert.InDelta(t, 1000.0, st.AvgWaitMs, 1e-6)
}
