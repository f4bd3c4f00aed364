package balance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fetcherFunc func(ctx context.Context) (float64, error)

func (f fetcherFunc) GetBalance(ctx context.Context) (float64, error) { return f(ctx) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newCache(f Fetcher, cfg Config) (*Cache, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := New(f, cfg)
	c.now = clk.now
	return c, clk
}

func TestServesFreshValueWithoutRefetch(t *testing.T) {
	calls := 0
	c, clk := newCache(fetcherFunc(func(ctx context.Context) (float64, error) {
		calls++
		return 50, nil
	}), Config{TTL: 30 * time.Second, DefaultBalance: 100})

	assert.Equal(t, 50.0, c.Get(context.Background()))
	clk.t = clk.t.Add(29 * time.Second)
	assert.Equal(t, 50.0, c.Get(context.Background()))
	assert.Equal(t, 1, calls)

	clk.t = clk.t.Add(2 * time.Second)
	c.Get(context.Background())
	assert.Equal(t, 2, calls)
}

func TestFallbackUsesShorterWindow(t *testing.T) {
	calls := 0
	fail := true
	c, clk := newCache(fetcherFunc(func(ctx context.Context) (float64, error) {
		calls++
		if fail {
			return 0, errors.New("no balance api")
		}
		return 75, nil
	}), Config{TTL: 30 * time.Second, FallbackTTL: 5 * time.Second, DefaultBalance: 100})

	assert.Equal(t, 100.0, c.Get(context.Background()))
	assert.Equal(t, SourceFallback, c.Snapshot().Source)

	clk.t = clk.t.Add(4 * time.Second)
	assert.Equal(t, 100.0, c.Get(context.Background()))
	assert.Equal(t, 1, calls)

	fail = false
	clk.t = clk.t.Add(2 * time.Second)
	assert.Equal(t, 75.0, c.Get(context.Background()))
	assert.Equal(t, 2, calls)
	snap := c.Snapshot()
	assert.Equal(t, SourceVenue, snap.Source)
	assert.Equal(t, int64(1), snap.Failures)
}

func TestReadersSeePreviousValueDuringFetch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	n := 0
	var mu sync.Mutex
	c, clk := newCache(fetcherFunc(func(ctx context.Context) (float64, error) {
		mu.Lock()
		n++
		call := n
		mu.Unlock()
		if call == 1 {
			return 10, nil
		}
		close(started)
		<-release
		return 20, nil
	}), Config{TTL: time.Second, DefaultBalance: 100})

	assert.Equal(t, 10.0, c.Get(context.Background()))
	clk.t = clk.t.Add(2 * time.Second)

	done := make(chan float64)
	go func() { done <- c.Get(context.Background()) }()
	<-started

	// 刷新进行中：返回旧值，不阻塞
	assert.Equal(t, 10.0, c.Get(context.Background()))

	close(release)
	assert.Equal(t, 20.0, <-done)
	assert.Equal(t, 20.0, c.Get(context.Background()))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	calls := 0
	c, _ := newCache(fetcherFunc(func(ctx context.Context) (float64, error) {
		calls++
		return float64(calls), nil
	}), Config{TTL: time.Minute})
	assert.Equal(t, 1.0, c.Get(context.Background()))
	c.Invalidate()
	assert.Equal(t, 2.0, c.Get(context.Background()))
}
