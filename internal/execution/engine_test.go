package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/survivor/internal/balance"
	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/resolution"
	"github.com/betbot/survivor/internal/sizing"
	"github.com/betbot/survivor/internal/survival"
	"github.com/betbot/survivor/internal/venue"
	"github.com/betbot/survivor/pkg/ratelimit"
)

type fakeGate struct {
	mu       sync.Mutex
	deny     string
	modifier float64
	results  []survival.TradeResult
}

func (g *fakeGate) ShouldTakeTrade(float64, string, int) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deny != "" {
		return false, g.deny
	}
	return true, "ok"
}

func (g *fakeGate) PositionSizeModifier() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.modifier == 0 {
		return 1
	}
	return g.modifier
}

func (g *fakeGate) RecordTradeResult(r survival.TradeResult) {
	g.mu.Lock()
	g.results = append(g.results, r)
	g.mu.Unlock()
}

type fakeNotifier struct {
	mu   sync.Mutex
	cats []string
	urg  []bool
}

func (n *fakeNotifier) Notify(_, category string, urgent bool) {
	n.mu.Lock()
	n.cats = append(n.cats, category)
	n.urg = append(n.urg, urgent)
	n.mu.Unlock()
}

func opportunity(marketID string) domain.Opportunity {
	return domain.Opportunity{
		MarketID:    marketID,
		MarketClass: "btc-5m",
		TokenID:     "tok-" + marketID,
		Side:        domain.SideYes,
		Edge:        6,
		Confidence:  0.62,
		YesPrice:    0.5,
		NoPrice:     0.5,
	}
}

func newTestEngine(t *testing.T, mv *venue.Mock, gate Gate, cfg Config) (*Engine, *resolution.Tracker, *fakeNotifier) {
	t.Helper()
	if mv.BalanceFn == nil {
		mv.BalanceFn = func(context.Context) (float64, error) { return 100, nil }
	}
	tracker := resolution.New(mv, nil, resolution.DefaultConfig())
	n := &fakeNotifier{}
	sub := NewSubmitter(ratelimit.New(ratelimit.DefaultConfig()), time.Second)
	sub.sleep = func(context.Context, time.Duration) error { return nil }
	e := New(Deps{
		Venue:     mv,
		Submitter: sub,
		Sizer:     sizing.New(sizing.DefaultConfig()),
		Gate:      gate,
		Balance:   balance.New(mv, balance.Config{DefaultBalance: 100}),
		Tracker:   tracker,
		Notifier:  n,
	}, cfg)
	tracker.Bind(e)
	return e, tracker, n
}

func TestExecuteAndSettleEndToEnd(t *testing.T) {
	brain, err := survival.New(survival.DefaultConfig(100), nil, nil)
	require.NoError(t, err)
	mv := &venue.Mock{SettlementFn: func(_ context.Context, id string) (*venue.Settlement, error) {
		return &venue.Settlement{MarketID: id, Closed: true, WinningOutcome: "YES"}, nil
	}}
	e, tracker, _ := newTestEngine(t, mv, brain, DefaultConfig())
	e.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }

	var hooked []domain.Position
	e.OnClose(func(p domain.Position) { hooked = append(hooked, p) })

	res := e.Execute(context.Background(), opportunity("m1"))
	require.True(t, res.Executed, "rejected: %s %s", res.Rejection, res.Reason)
	pos := res.Position
	require.NotNil(t, pos)
	// p=0.68, b=1, full Kelly 0.36, half 0.18 → $18
	assert.InDelta(t, 18, pos.Size, 1e-9)
	assert.LessOrEqual(t, pos.Size, 20.0)
	assert.InDelta(t, 0.51, pos.EntryPrice, 1e-9)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, "mock-m1", pos.OrderID)
	assert.True(t, tracker.IsTracked("m1"))

	submits, _, _, _ := mv.Calls()
	assert.Equal(t, 1, submits)
	require.Len(t, e.Positions(), 1)

	closed := tracker.CheckOnce(context.Background())
	require.Equal(t, 1, closed)

	assert.Empty(t, e.Positions())
	assert.False(t, tracker.IsTracked("m1"))
	assert.InDelta(t, 100+18*(1-0.51), brain.Capital(), 1e-9)
	assert.Equal(t, survival.StateHealthy, brain.State())

	hist := e.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.PositionStatusClosed, hist[0].Status)
	assert.Equal(t, domain.SideYes, hist[0].Outcome)
	assert.True(t, hist[0].Won)
	require.Len(t, hooked, 1)

	st := e.Stats()
	assert.Equal(t, int64(1), st.Executed)
	assert.Equal(t, int64(1), st.Wins)
	assert.InDelta(t, 1.0, st.WinRate, 1e-9)
	assert.InDelta(t, 8.82, st.RealizedPnL, 1e-9)
}

func TestExecuteRejections(t *testing.T) {
	t.Run("survival gate", func(t *testing.T) {
		mv := &venue.Mock{}
		e, _, _ := newTestEngine(t, mv, &fakeGate{deny: "DEAD state"}, DefaultConfig())
		res := e.Execute(context.Background(), opportunity("m1"))
		assert.Equal(t, RejectSurvivalGate, res.Rejection)
		submits, balances, _, _ := mv.Calls()
		assert.Zero(t, submits)
		assert.Zero(t, balances)
	})

	t.Run("invalid price", func(t *testing.T) {
		mv := &venue.Mock{}
		e, _, _ := newTestEngine(t, mv, &fakeGate{}, DefaultConfig())
		opp := opportunity("m1")
		opp.YesPrice = 1
		assert.Equal(t, RejectInvalid, e.Execute(context.Background(), opp).Rejection)
	})

	t.Run("zero size", func(t *testing.T) {
		mv := &venue.Mock{}
		e, _, _ := newTestEngine(t, mv, &fakeGate{}, DefaultConfig())
		opp := opportunity("m1")
		opp.Confidence, opp.Edge = 0.3, 0
		res := e.Execute(context.Background(), opp)
		assert.Equal(t, RejectZeroSize, res.Rejection)
		submits, _, _, _ := mv.Calls()
		assert.Zero(t, submits)
		assert.Empty(t, e.Positions())
	})

	t.Run("capacity", func(t *testing.T) {
		mv := &venue.Mock{}
		cfg := DefaultConfig()
		cfg.MaxConcurrent = 1
		e, _, _ := newTestEngine(t, mv, &fakeGate{}, cfg)
		require.True(t, e.Execute(context.Background(), opportunity("m1")).Executed)
		assert.Equal(t, RejectCapacity, e.Execute(context.Background(), opportunity("m2")).Rejection)
	})

	t.Run("duplicate market", func(t *testing.T) {
		mv := &venue.Mock{}
		e, _, _ := newTestEngine(t, mv, &fakeGate{}, DefaultConfig())
		require.True(t, e.Execute(context.Background(), opportunity("m1")).Executed)
		assert.Equal(t, RejectDuplicate, e.Execute(context.Background(), opportunity("m1")).Rejection)
		submits, _, _, _ := mv.Calls()
		assert.Equal(t, 1, submits)

		st := e.Stats()
		assert.Equal(t, int64(2), st.Evaluated)
		assert.Equal(t, int64(1), st.Rejections[RejectDuplicate])
	})
}

func TestExecuteTerminalSubmitError(t *testing.T) {
	mv := &venue.Mock{SubmitFn: func(context.Context, venue.OrderRequest) (*venue.OrderAck, error) {
		return nil, venue.FromStatus("submit_order", 400, "", "not enough balance / allowance")
	}}
	e, tracker, n := newTestEngine(t, mv, &fakeGate{}, DefaultConfig())

	res := e.Execute(context.Background(), opportunity("m1"))
	assert.False(t, res.Executed)
	assert.Equal(t, RejectSubmitFailed, res.Rejection)
	assert.ErrorIs(t, res.Err, venue.ErrInsufficientBalance)
	assert.Empty(t, e.Positions())
	assert.False(t, tracker.IsTracked("m1"))

	submits, _, _, _ := mv.Calls()
	assert.Equal(t, 1, submits)
	require.Equal(t, []string{"execution_error"}, n.cats)
	assert.True(t, n.urg[0])

	// 失败后同一市场可以再次尝试
	mv.SubmitFn = nil
	assert.True(t, e.Execute(context.Background(), opportunity("m1")).Executed)
}

func TestExecuteFinishesSubmitAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	mv := &venue.Mock{SubmitFn: func(cctx context.Context, req venue.OrderRequest) (*venue.OrderAck, error) {
		// 第一次超时重试，第二次已在 venue 成交，之后上层被取消
		if atomic.AddInt32(&attempts, 1) == 1 {
			cancel()
			return nil, venue.NewError("submit_order", venue.KindTransient, errors.New("timeout"))
		}
		if err := cctx.Err(); err != nil {
			return nil, err
		}
		return &venue.OrderAck{OrderID: "o-" + req.MarketID, Status: "matched"}, nil
	}}
	e, tracker, _ := newTestEngine(t, mv, &fakeGate{}, DefaultConfig())

	res := e.Execute(ctx, opportunity("m1"))
	require.True(t, res.Executed, "rejected: %s %s", res.Rejection, res.Reason)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	pos, ok := e.Position("m1")
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, "o-m1", pos.OrderID)
	assert.True(t, tracker.IsTracked("m1"))
}

func TestExecuteSizingFollowsModifier(t *testing.T) {
	mv := &venue.Mock{}
	e, _, _ := newTestEngine(t, mv, &fakeGate{modifier: 0.5}, DefaultConfig())
	res := e.Execute(context.Background(), opportunity("m1"))
	require.True(t, res.Executed)
	assert.InDelta(t, 9, res.Position.Size, 1e-9)
	assert.InDelta(t, 0.09, res.Sizing.Final, 1e-9)
}

func TestExecuteConcurrentSameMarketSubmitsOnce(t *testing.T) {
	var calls int32
	mv := &venue.Mock{SubmitFn: func(_ context.Context, req venue.OrderRequest) (*venue.OrderAck, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &venue.OrderAck{OrderID: "o-" + req.MarketID}, nil
	}}
	e, _, _ := newTestEngine(t, mv, &fakeGate{}, DefaultConfig())

	var wg sync.WaitGroup
	var executed int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.Execute(context.Background(), opportunity("m1")).Executed {
				atomic.AddInt32(&executed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), executed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Len(t, e.Positions(), 1)
}

func TestCloseLossFeedsGate(t *testing.T) {
	gate := &fakeGate{}
	mv := &venue.Mock{}
	e, tracker, _ := newTestEngine(t, mv, gate, DefaultConfig())
	res := e.Execute(context.Background(), opportunity("m1"))
	require.True(t, res.Executed)

	payoff := res.Position.SettlementPayoff(false)
	require.NoError(t, e.Close("m1", payoff, false))
	assert.False(t, tracker.IsTracked("m1"))

	require.Len(t, gate.results, 1)
	assert.InDelta(t, -18*0.51, gate.results[0].Payoff, 1e-9)
	assert.False(t, gate.results[0].Won)
	assert.Equal(t, "btc-5m", gate.results[0].MarketClass)

	hist := e.History(1)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.SideNo, hist[0].Outcome)

	assert.ErrorIs(t, e.Close("m1", 1, true), ErrPositionNotFound)
	assert.Equal(t, int64(1), e.Stats().Losses)
}

func TestHistoryRingKeepsNewest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 2
	e, _, _ := newTestEngine(t, &venue.Mock{}, &fakeGate{}, cfg)
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, e.Execute(context.Background(), opportunity(id)).Executed)
		require.NoError(t, e.Close(id, 1, true))
	}
	hist := e.History(0)
	require.Len(t, hist, 2)
	assert.Equal(t, "c", hist[0].MarketID)
	assert.Equal(t, "b", hist[1].MarketID)
}

func TestOrderPriceCapped(t *testing.T) {
	e := New(Deps{}, DefaultConfig())
	assert.InDelta(t, 0.51, e.orderPrice(0.5), 1e-9)
	assert.InDelta(t, 0.99, e.orderPrice(0.985), 1e-9)
}

func TestInFlightDeduperExpires(t *testing.T) {
	d := NewInFlightDeduper(time.Second, 4)
	base := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return base }
	require.NoError(t, d.TryAcquire("m1"))
	assert.ErrorIs(t, d.TryAcquire("m1"), ErrDuplicateInFlight)
	assert.Equal(t, 1, d.Len())

	d.now = func() time.Time { return base.Add(2 * time.Second) }
	assert.NoError(t, d.TryAcquire("m1"))
	d.Release("m1")
	assert.Zero(t, d.Len())
}
